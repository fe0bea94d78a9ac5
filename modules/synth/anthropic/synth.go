package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/flemzord/tiermem/internal/memory"
)

const maxOutlineItems = 5

const summarizePrompt = `You condense conversation excerpts into memory notes.
Reply with a short narrative of at most three sentences. Keep decisions,
open tasks and findings. Do not add commentary.`

const outlinePrompt = `You extract structure from conversation excerpts.
Reply with a single JSON object and nothing else:
{"main_branches": [...], "action_items": [...], "key_insights": [...]}
Each list holds at most five short strings. Use empty lists when nothing applies.`

// Summarize implements memory.Synthesizer.
func (s *Synth) Summarize(ctx context.Context, text string, mc *memory.Context) (string, error) {
	prompt := text
	if mc != nil && mc.Topic != "" {
		prompt = fmt.Sprintf("Focus: %s\n\n%s", mc.Topic, text)
	}

	return s.complete(ctx, summarizePrompt, prompt)
}

// Outline implements memory.Synthesizer.
func (s *Synth) Outline(ctx context.Context, text string) (*memory.Outline, error) {
	out, err := s.complete(ctx, outlinePrompt, text)
	if err != nil {
		return nil, err
	}
	return parseOutline(out)
}

// HealthCheck sends a 1-token request to validate connectivity and
// credentials.
func (s *Synth) HealthCheck(ctx context.Context) error {
	_, err := s.client.Messages.New(ctx, sdkanthropic.MessageNewParams{
		Model:     sdkanthropic.Model(s.config.Model),
		MaxTokens: 1,
		Messages: []sdkanthropic.MessageParam{
			sdkanthropic.NewUserMessage(sdkanthropic.NewTextBlock("hi")),
		},
	})
	return mapError(err)
}

func (s *Synth) complete(ctx context.Context, system, user string) (string, error) {
	msg, err := s.client.Messages.New(ctx, sdkanthropic.MessageNewParams{
		Model:     sdkanthropic.Model(s.config.Model),
		MaxTokens: int64(s.config.MaxTokens),
		System:    []sdkanthropic.TextBlockParam{{Text: system}},
		Messages: []sdkanthropic.MessageParam{
			sdkanthropic.NewUserMessage(sdkanthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		err = mapError(err)
		s.logger.Warn("completion failed", "model", s.config.Model, "error", err)
		return "", err
	}

	text := strings.TrimSpace(responseText(msg))
	if text == "" {
		return "", ErrEmpty
	}
	s.logger.Debug("completion finished",
		"model", s.config.Model,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
	)
	return text, nil
}

// responseText joins the text blocks of a message.
func responseText(msg *sdkanthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if v, ok := block.AsAny().(sdkanthropic.TextBlock); ok {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(v.Text)
		}
	}
	return b.String()
}

// parseOutline decodes the JSON object in a model reply. Prose or code
// fences around the object are ignored.
func parseOutline(reply string) (*memory.Outline, error) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrBadOutline)
	}

	var o memory.Outline
	if err := json.Unmarshal([]byte(reply[start:end+1]), &o); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadOutline, err)
	}
	o.MainBranches = clean(o.MainBranches)
	o.ActionItems = clean(o.ActionItems)
	o.KeyInsights = clean(o.KeyInsights)
	return &o, nil
}

// clean trims items, drops blanks and duplicates, and caps the list.
func clean(items []string) []string {
	var out []string
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		out = memory.AppendUnique(out, it)
		if len(out) == maxOutlineItems {
			break
		}
	}
	return out
}
