package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request is one prompt sent to the collaborator.
type Request struct {
	Model  string
	Prompt string
	System string
	// SuppressDeliberation asks the collaborator to return only its final
	// answer. It is sent as a request field, not as prompt text.
	SuppressDeliberation bool
	Temperature          float64
	MaxTokens            int
}

// Response is the collaborator's final answer.
type Response struct {
	Text string
}

// Collaborator executes prompts. Implementations must honor ctx.
type Collaborator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

const generateResponseSchema = `{
  "type": "object",
  "required": ["response"],
  "properties": {
    "response": {"type": "string"},
    "done": {"type": "boolean"}
  }
}`

var responseSchema = mustCompileSchema(generateResponseSchema)

func mustCompileSchema(raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("unmarshal schema JSON: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("generate_response.json", doc); err != nil {
		panic(fmt.Sprintf("add schema resource: %v", err))
	}
	schema, err := c.Compile("generate_response.json")
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return schema
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Think   bool          `json:"think"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Thinking string `json:"thinking,omitempty"`
	Done     bool   `json:"done"`
}

// OllamaClient talks to an Ollama server's native API.
type OllamaClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// ParseEndpoint validates an absolute http(s) base URL and returns it
// without a trailing slash.
func ParseEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("endpoint is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("endpoint %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q: missing host", raw)
	}
	// Accept OpenAI-compat URLs by stripping the /v1 suffix.
	return strings.TrimSuffix(strings.TrimSuffix(raw, "/"), "/v1"), nil
}

// NewOllamaClient creates a client for endpoint. A nil httpClient uses one
// without its own timeout; callers bound requests with ctx.
func NewOllamaClient(endpoint string, httpClient *http.Client, logger *slog.Logger) (*OllamaClient, error) {
	base, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{endpoint: base, client: httpClient, logger: logger}, nil
}

// Endpoint returns the normalized base URL.
func (c *OllamaClient) Endpoint() string { return c.endpoint }

// Generate posts a non-streaming request to /api/generate.
func (c *OllamaClient) Generate(ctx context.Context, req Request) (Response, error) {
	payload := ollamaGenerateRequest{
		Model:  strings.TrimPrefix(req.Model, "ollama/"),
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
		Think:  !req.SuppressDeliberation,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, &CollaboratorError{Op: "generate", Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Response{}, &CollaboratorError{Op: "generate", Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return Response{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Response{}, &CollaboratorError{Op: "generate", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if isTimeout(err) {
			return Response{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Response{}, &CollaboratorError{Op: "generate", Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, &CollaboratorError{
			Op:         "generate",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", snippet(raw)),
		}
	}

	out, err := decodeGenerateResponse(raw)
	if err != nil {
		return Response{}, &CollaboratorError{Op: "generate", Err: err}
	}
	if out.Thinking != "" {
		c.logger.Debug("collaborator returned deliberation output; discarding", "model", payload.Model, "thinking_len", len(out.Thinking))
	}
	return Response{Text: out.Response}, nil
}

func decodeGenerateResponse(raw []byte) (ollamaGenerateResponse, error) {
	var out ollamaGenerateResponse
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := responseSchema.Validate(doc); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out, nil
}

// Models lists the model names the server has pulled (GET /api/tags).
func (c *OllamaClient) Models(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, &CollaboratorError{Op: "tags", Err: err}
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &CollaboratorError{Op: "tags", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &CollaboratorError{Op: "tags", StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &CollaboratorError{Op: "tags", Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Ping checks that the server answers.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.Models(ctx)
	return err
}

// HasModel reports whether model (with or without the ":latest" tag) is pulled.
func (c *OllamaClient) HasModel(ctx context.Context, model string) (bool, error) {
	names, err := c.Models(ctx)
	if err != nil {
		return false, err
	}
	if ModelListed(names, model) {
		return true, nil
	}
	c.logger.Info("collaborator model not found", "model", model, "available", names)
	return false, nil
}

// ModelListed reports whether model, with or without the ":latest" tag, is in names.
func ModelListed(names []string, model string) bool {
	model = strings.TrimPrefix(model, "ollama/")
	for _, n := range names {
		if n == model || n == model+":latest" {
			return true
		}
	}
	return false
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "empty body"
	}
	return s
}
