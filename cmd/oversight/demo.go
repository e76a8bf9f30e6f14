package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/oversight/internal/activity"
	"github.com/basket/oversight/internal/narrative"
	"github.com/basket/oversight/internal/operator"
)

const offlineBriefing = "Group 1 already failed with BFS flood fill on this grid rotation. " +
	"Try a direct rotation transform that preserves colors instead."

// cannedCollaborator answers every request with a fixed briefing.
type cannedCollaborator struct{ text string }

func (c cannedCollaborator) Generate(ctx context.Context, _ narrative.Request) (narrative.Response, error) {
	if err := ctx.Err(); err != nil {
		return narrative.Response{}, err
	}
	return narrative.Response{Text: c.text}, nil
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	contextStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func runDemoCommand(ctx context.Context, args []string, w io.Writer, styled bool) int {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	offline := fs.Bool("offline", false, "use a canned collaborator instead of the configured endpoint")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var collab narrative.Collaborator
	if *offline {
		collab = cannedCollaborator{text: offlineBriefing}
	}
	a, err := startApp(ctx, styled, collab)
	if err != nil {
		return fatal(os.Stderr, "E_STARTUP", err)
	}
	defer a.shutdown()

	// Group 1 profiles the task, then its solver fails.
	steps := []error{
		a.op.Observe("group_1", activity.KindStart, "spatial"),
		a.op.RecordProfile("group_1", "spatial", "Grid rotation with color preservation"),
		a.op.RecordFailure("spatial", "BFS flood fill"),
		a.op.Observe("group_1", activity.KindFailure, "spatial",
			operator.WithApproach("BFS flood fill"),
			operator.WithDetail("BFS flood fill didn't match output"),
		),
		// Group 2 starts with the group's history available.
		a.op.Observe("group_2", activity.KindStart, "spatial"),
	}
	for _, err := range steps {
		if err != nil {
			fmt.Fprintf(os.Stderr, "record activity: %v\n", err)
			return 1
		}
	}

	text := a.op.GetContext(ctx, operator.Task{
		TaskID:    "group_2",
		Category:  "spatial",
		Profile:   "Similar grid rotation",
		GroupSize: 10,
	})
	if text == "" {
		text = "(no context)"
	}

	summary := a.op.Summary()
	if styled {
		fmt.Fprintln(w, headerStyle.Render("Operator context for group 2"))
		fmt.Fprintln(w, contextStyle.Render(text))
		fmt.Fprintln(w, dimStyle.Render("Operator status: "+summary.String()))
		return 0
	}
	fmt.Fprintf(w, "Operator context for group 2:\n%s\n\nOperator status: %s\n", text, summary)
	return 0
}
