package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/hackgods/salon-conversation-engine/internal/metrics"
)

// GeminiDecider asks a Gemini model to call exactly one of the action tools.
type GeminiDecider struct {
	client       *genai.Client
	model        string
	businessName string
	temperature  float32
}

func NewGeminiDecider(ctx context.Context, apiKey, model, businessName string) (*GeminiDecider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiDecider{client: client, model: model, businessName: businessName, temperature: 0.2}, nil
}

func (g *GeminiDecider) Decide(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()
	d, err := g.decide(ctx, req)
	status := "ok"
	switch {
	case errors.Is(err, ErrNoDecision):
		status = "no_call"
	case err != nil:
		status = "error"
	}
	metrics.RecordDecision(g.model, status, time.Since(start))
	return d, err
}

func (g *GeminiDecider) decide(ctx context.Context, req Request) (*Decision, error) {
	system, err := SystemPrompt(g.businessName, req)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents(req.History), &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		},
		Tools: []*genai.Tool{{FunctionDeclarations: ToolDeclarations()}},
		ToolConfig: &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAny,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	calls := resp.FunctionCalls()
	if len(calls) == 0 || calls[0] == nil || calls[0].Name == "" {
		return nil, ErrNoDecision
	}
	args, err := json.Marshal(calls[0].Args)
	if err != nil {
		return nil, fmt.Errorf("marshal %s args: %w", calls[0].Name, err)
	}
	return &Decision{Name: calls[0].Name, Args: args}, nil
}

func contents(history []Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, t := range history {
		parts := make([]*genai.Part, 0, len(t.Parts))
		for _, p := range t.Parts {
			parts = append(parts, &genai.Part{Text: p})
		}
		out = append(out, &genai.Content{Role: t.Role, Parts: parts})
	}
	return out
}

// ---- tool declarations ----

func strField(desc string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeString, Description: desc}
}

var (
	tagsField = &genai.Schema{
		Type:        genai.TypeArray,
		Items:       &genai.Schema{Type: genai.TypeString},
		Description: "Optional lowercase tags describing the customer's interests.",
	}
	stateField = &genai.Schema{
		Type:        genai.TypeObject,
		Description: "The full conversation state to persist for the next turn: goal, goal_params and context.",
	}
)

func tool(name, desc string, fields map[string]*genai.Schema, required ...string) *genai.FunctionDeclaration {
	props := map[string]*genai.Schema{
		"tags":          tagsField,
		"updated_state": stateField,
	}
	for k, v := range fields {
		props[k] = v
	}
	return &genai.FunctionDeclaration{
		Name:        name,
		Description: desc,
		Parameters: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: props,
			Required:   append(required, "updated_state"),
		},
	}
}

// ToolDeclarations lists one function per routable action.
func ToolDeclarations() []*genai.FunctionDeclaration {
	reply := strField("The message to send back to the customer.")
	return []*genai.FunctionDeclaration{
		tool("continue_conversation",
			"Default for ordinary replies: answer questions, ask for missing details and guide the customer.",
			map[string]*genai.Schema{"reply_suggestion": reply},
			"reply_suggestion"),
		tool("capture_customer_name",
			"Use only when the customer gives their name after being asked for it.",
			map[string]*genai.Schema{
				"customer_name":    strField("The name exactly as the customer wrote it."),
				"reply_suggestion": reply,
			},
			"customer_name", "reply_suggestion"),
		tool("request_booking_confirmation",
			"Use when service, date and time are all known for a new booking and the customer has not yet confirmed it.",
			map[string]*genai.Schema{
				"service":          strField("Menu service name."),
				"date":             strField("Resolved date, YYYY-MM-DD."),
				"time":             strField("Resolved time, HH:MM (24h)."),
				"reply_suggestion": strField("A summary of the booking that asks the customer to confirm."),
			},
			"service", "date", "time", "reply_suggestion"),
		tool("create_booking",
			"Use only after the customer explicitly confirms a pending booking request.",
			map[string]*genai.Schema{
				"service": strField("Menu service name."),
				"date":    strField("Resolved date, YYYY-MM-DD."),
				"time":    strField("Resolved time, HH:MM (24h)."),
			},
			"service", "date", "time"),
		tool("update_booking",
			"Change the service, date or time of an existing booking. Infer the original service from the booking history.",
			map[string]*genai.Schema{
				"original_service_name": strField("Service of the booking being changed."),
				"new_service_name":      strField("Optional new service."),
				"new_date":              strField("Optional new date, YYYY-MM-DD."),
				"new_time":              strField("Optional new time, HH:MM (24h)."),
				"reply_suggestion":      reply,
			},
			"original_service_name", "reply_suggestion"),
		tool("schedule_lead_follow_up",
			"Use when the customer showed booking intent but hesitated or left before confirming.",
			map[string]*genai.Schema{
				"service":          strField("The service they were about to book, if known."),
				"reply_suggestion": strField("A polite reply acknowledging the hesitation."),
			},
			"reply_suggestion"),
		tool("handoff_to_human",
			"Use when the customer is frustrated, asks for a person, or the request is beyond what you can handle.",
			map[string]*genai.Schema{"reason": strField("Why a person is needed.")},
			"reason"),
	}
}
