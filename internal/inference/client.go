// Package inference talks to an Ollama-compatible model server for guest
// intent classification and knowledge base embeddings.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var (
	// ErrUnreachable wraps transport failures talking to the model server.
	ErrUnreachable = errors.New("inference server unreachable")
	// ErrModelMissing is returned when a configured model is not installed.
	ErrModelMissing = errors.New("model not installed")
	// ErrDimensions is returned when an embedding does not have the width the
	// vector store was created with.
	ErrDimensions = errors.New("embedding has unexpected dimensions")
	// ErrBadReply is returned for replies that do not carry the requested shape.
	ErrBadReply = errors.New("malformed model reply")
)

// Message is a chat turn in the model server's chat format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClassifyRequest asks a model to label one guest message.
type ClassifyRequest struct {
	Model  string
	Text   string
	Labels []string
}

// Verdict is the model's structured answer to a ClassifyRequest. The label is
// returned as the model wrote it; callers normalize it against their catalog.
type Verdict struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Client is an HTTP client for the model server.
type Client struct {
	baseURL string
	http    *resty.Client
	dims    int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDimensions makes Embed reject vectors that are not n wide.
func WithDimensions(n int) ClientOption {
	return func(c *Client) { c.dims = n }
}

// New creates a Client for baseURL. Per-call deadlines come from the caller's
// context.
func New(baseURL string, opts ...ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	c := &Client{
		baseURL: baseURL,
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// installed returns the installed model names, each under both its full name
// and its name without the tag suffix.
func (c *Client) installed(ctx context.Context) (map[string]bool, error) {
	var tags tagsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&tags).
		Get("/api/tags")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("listing models: status %d", resp.StatusCode())
	}

	set := make(map[string]bool, 2*len(tags.Models))
	for _, m := range tags.Models {
		set[m.Name] = true
		name, _, _ := strings.Cut(m.Name, ":")
		set[name] = true
	}
	return set, nil
}

// Ping returns nil when the server answers within two seconds.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := c.installed(ctx)
	return err
}

// Missing returns the names in models that the server does not have installed.
func (c *Client) Missing(ctx context.Context, models ...string) ([]string, error) {
	set, err := c.installed(ctx)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, m := range models {
		if !set[m] {
			missing = append(missing, m)
		}
	}
	return missing, nil
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   *schema   `json:"format,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

// Classify sends req as a structured chat call constrained to req.Labels and
// decodes the verdict.
func (c *Client) Classify(ctx context.Context, req ClassifyRequest) (Verdict, error) {
	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetBody(chatRequest{
			Model:    req.Model,
			Messages: classifyPrompt(req.Text, req.Labels),
			Format:   verdictSchema(req.Labels),
		}).
		SetResult(&out).
		Post("/api/chat")
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if resp.IsError() {
		return Verdict{}, fmt.Errorf("classify with %s: status %d", req.Model, resp.StatusCode())
	}

	var v Verdict
	if err := json.Unmarshal([]byte(out.Message.Content), &v); err != nil {
		return Verdict{}, fmt.Errorf("%w: %q", ErrBadReply, out.Message.Content)
	}
	return v, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding of text. With WithDimensions set, a vector of
// any other width fails with ErrDimensions.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	var out embedResponse
	resp, err := c.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetBody(embedRequest{Model: model, Input: text}).
		SetResult(&out).
		Post("/api/embed")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("embed with %s: status %d", model, resp.StatusCode())
	}
	if len(out.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings", ErrBadReply)
	}

	vec := out.Embeddings[0]
	if c.dims > 0 && len(vec) != c.dims {
		return nil, fmt.Errorf("%w: %s returned %d, want %d", ErrDimensions, model, len(vec), c.dims)
	}
	return vec, nil
}

const classifySystemPrompt = `You classify messages that hotel guests send to the front desk. Your output must be ONLY a single valid JSON object that conforms to the provided schema.

Pick exactly one label from this list: %s.
Use "other" when nothing fits. Set confidence between 0 and 1 to reflect how sure you are.`

func classifyPrompt(text string, labels []string) []Message {
	return []Message{
		{Role: "system", Content: fmt.Sprintf(classifySystemPrompt, strings.Join(labels, ", "))},
		{Role: "user", Content: text},
	}
}

type schema struct {
	Type       string              `json:"type"`
	Properties map[string]property `json:"properties"`
	Required   []string            `json:"required"`
}

type property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

func verdictSchema(labels []string) *schema {
	return &schema{
		Type: "object",
		Properties: map[string]property{
			"label":      {Type: "string", Description: "The guest intent", Enum: labels},
			"confidence": {Type: "number", Description: "Confidence between 0 and 1"},
		},
		Required: []string{"label", "confidence"},
	}
}
