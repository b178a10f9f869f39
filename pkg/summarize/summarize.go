// Package summarize turns a session transcript into a short conversation
// summary via Gemini. Everything here is best effort: a missing API key, a
// failed call, or an empty transcript all degrade to an empty summary and
// the session teardown carries on.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-rooms/pkg/pipeline"
)

const (
	// DefaultModel is the summary model; small and fast on purpose.
	DefaultModel = "gemini-2.0-flash"

	// maxTranscriptChars bounds the prompt; older turns are dropped first.
	maxTranscriptChars = 24000

	systemInstruction = "Summarize the conversation below in 3-5 sentences. " +
		"Write in third person, mention the participants' first names when known, " +
		"and capture decisions, open questions, and anything the assistant promised to follow up on. " +
		"Return only the summary text."
)

// Generator produces summaries. The zero value is disabled.
type Generator struct {
	logger *slog.Logger
	client *genai.Client
	model  string
}

type Option func(*Generator)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

func WithModel(model string) Option {
	return func(g *Generator) {
		if strings.TrimSpace(model) != "" {
			g.model = model
		}
	}
}

// New builds a generator. An empty apiKey returns a disabled generator and
// no error.
func New(ctx context.Context, apiKey string, opts ...Option) (*Generator, error) {
	g := &Generator{logger: slog.Default(), model: DefaultModel}
	for _, opt := range opts {
		opt(g)
	}
	if strings.TrimSpace(apiKey) == "" {
		g.logger.Info("summaries disabled, no api key")
		return g, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize: client: %w", err)
	}
	g.client = client
	return g, nil
}

func (g *Generator) Enabled() bool { return g != nil && g.client != nil }

// Summarize renders the transcript and asks the model for a summary. Any
// failure returns "" and logs; callers treat an empty summary as "skip".
func (g *Generator) Summarize(ctx context.Context, messages []pipeline.Message) string {
	if !g.Enabled() {
		return ""
	}
	transcript := RenderTranscript(messages)
	if transcript == "" {
		return ""
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(systemInstruction+"\n\n"+transcript), nil)
	if err != nil {
		g.logger.Warn("summary generation failed", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Text())
}

// RenderTranscript flattens the non-system turns into "role: content" lines,
// keeping the newest turns when the transcript is too long.
func RenderTranscript(messages []pipeline.Message) string {
	var lines []string
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		lines = append(lines, m.Role+": "+content)
	}
	if len(lines) == 0 {
		return ""
	}

	total := 0
	start := len(lines)
	for start > 0 {
		next := total + len(lines[start-1]) + 1
		if next > maxTranscriptChars {
			break
		}
		total = next
		start--
	}
	return strings.Join(lines[start:], "\n")
}
