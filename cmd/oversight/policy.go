package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/oversight/internal/config"
)

// runPolicyCommand prints or updates the escalation tunables in config.yaml.
// With no flags it prints the effective policy.
func runPolicyCommand(args []string, w io.Writer) int {
	fs := flag.NewFlagSet("policy", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	threshold := fs.Int("threshold", 0, "attempts before a category escalates to a generated briefing")
	refresh := fs.Int("refresh", 0, "attempts a briefing stays fresh")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	p := cfg.Policy()

	set := false
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "threshold":
			p.Threshold = *threshold
			set = true
		case "refresh":
			p.RefreshInterval = *refresh
			set = true
		}
	})
	if !set {
		fmt.Fprintf(w, "threshold=%d refresh=%d\n", p.Threshold, p.RefreshInterval)
		return 0
	}
	if p.Threshold < 1 || p.RefreshInterval < 1 {
		fmt.Fprintln(os.Stderr, "threshold and refresh must be at least 1")
		return 2
	}

	if err := config.SetPolicy(cfg.HomeDir, p); err != nil {
		fmt.Fprintf(os.Stderr, "Error updating policy: %v\n", err)
		return 1
	}
	fmt.Fprintf(w, "policy updated: threshold=%d refresh=%d (%s)\n", p.Threshold, p.RefreshInterval, config.ConfigPath(cfg.HomeDir))
	return 0
}
