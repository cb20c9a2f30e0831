// Package assist answers conversational safety questions. With an API key
// configured it consults a language model; without one it falls back to
// keyword-matched guidance so the endpoint always responds.
package assist

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lifeline-app/lifeline/internal/config"
)

const systemPrompt = `You are a personal-safety assistant for a mobile app.
Users ask about safe routes, reporting incidents, and what to do in an
emergency. Answer briefly and practically. Remind users that for immediate
danger they should use the SOS button, which notifies their emergency
contacts, and contact local emergency services.`

// Turn is one prior exchange in the conversation.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Reply is the advisor's answer plus quick-action suggestions.
type Reply struct {
	Response    string   `json:"response"`
	Suggestions []string `json:"suggestions"`
	Source      string   `json:"source"` // "model" or "canned"
}

// messageClient is the slice of the SDK the advisor needs.
type messageClient interface {
	New(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error)
}

type sdkMessages struct {
	client sdk.Client
}

func (c sdkMessages) New(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error) {
	return c.client.Messages.New(ctx, params)
}

// Advisor handles safety-chat requests.
type Advisor struct {
	cfg    config.AssistConfig
	client messageClient
}

// NewAdvisor builds an advisor. Without an API key every reply comes from
// the canned keyword matcher.
func NewAdvisor(cfg config.AssistConfig) *Advisor {
	a := &Advisor{cfg: cfg}
	if cfg.APIKey != "" {
		a.client = sdkMessages{client: sdk.NewClient(option.WithAPIKey(cfg.APIKey))}
	}
	return a
}

// Chat answers one user message given the prior conversation. Model errors
// degrade to the canned reply rather than failing the request.
func (a *Advisor) Chat(ctx context.Context, message string, history []Turn) (*Reply, error) {
	if strings.TrimSpace(message) == "" {
		return nil, eris.New("assist: empty message")
	}
	if a.client == nil {
		return cannedReply(message), nil
	}

	reply, err := a.modelReply(ctx, message, history)
	if err != nil {
		zap.L().Warn("safety chat model call failed, using canned reply", zap.Error(err))
		return cannedReply(message), nil
	}
	return reply, nil
}

func (a *Advisor) modelReply(ctx context.Context, message string, history []Turn) (*Reply, error) {
	msgs := make([]sdk.MessageParam, 0, len(history)+1)
	for _, t := range history {
		block := sdk.NewTextBlock(t.Content)
		if t.Role == "assistant" {
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, sdk.NewUserMessage(block))
		}
	}
	msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(message)))

	resp, err := a.client.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.cfg.Model),
		MaxTokens: a.cfg.MaxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  msgs,
	})
	if err != nil {
		return nil, eris.Wrap(err, "assist: create message")
	}

	var text strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	if text.Len() == 0 {
		return nil, eris.New("assist: empty model response")
	}
	return &Reply{
		Response:    text.String(),
		Suggestions: cannedReply(message).Suggestions,
		Source:      "model",
	}, nil
}

// cannedReply mirrors the keyword guidance the app shipped with before the
// model integration existed.
func cannedReply(message string) *Reply {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "safe") &&
		(strings.Contains(lower, "route") || strings.Contains(lower, "road")):
		return &Reply{
			Response: "Based on recent data, I recommend taking the main road with " +
				"better lighting. The side streets have had incidents reported this month.",
			Suggestions: []string{"Take main road", "Travel before 9 PM", "Share live location"},
			Source:      "canned",
		}
	case strings.Contains(lower, "emergency") || strings.Contains(lower, "help"):
		return &Reply{
			Response: "In case of emergency, press the SOS button. Your location will be " +
				"shared with emergency contacts. Say 'I'm fine' calmly if you need silent help.",
			Suggestions: []string{"Press SOS", "Use voice alert", "Share location"},
			Source:      "canned",
		}
	case strings.Contains(lower, "incident") || strings.Contains(lower, "report"):
		return &Reply{
			Response: "You can report incidents anonymously. This helps other users stay " +
				"informed about unsafe areas.",
			Suggestions: []string{"Report incident", "View incident map", "Get area alerts"},
			Source:      "canned",
		}
	default:
		return &Reply{
			Response: "I'm here to help with your safety concerns. You can ask about safe " +
				"routes, report incidents, or get emergency help.",
			Suggestions: []string{"Find safe route", "Report incident", "Emergency help"},
			Source:      "canned",
		}
	}
}
