package worker

import "encoding/json"

// Frame is the envelope every NDJSON line from the worker CLI is first
// parsed into. Parsing is permissive: unrecognized frame types are
// ignored and unknown fields are dropped rather than rejected, since
// future worker versions may emit frame types this server does not yet
// understand. The session's read loop does not fill in Raw.
type Frame struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// SystemInitFrame is emitted once, immediately after the worker process
// starts reading its stdin, as type=="system", subtype=="init". SessionID
// is the worker's own conversation identifier, recorded as a first-class
// SessionMetadata field and passed back as a resume hint if this worker
// is later respawned for the same context.
type SystemInitFrame struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype"`
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Commands  []string `json:"commands,omitempty"`
	Tools     []string `json:"tools,omitempty"`
}

// ResultFrame is emitted once per completed turn, as type=="result". It
// carries the final reply content and the full accounting tuple for the
// turn: wall and API durations, turn count, cost, token usage, and any
// permission denials the worker recorded along the way. Cost arrives as
// total_cost_usd from current worker builds and cost_usd from older
// ones; GetCostUSD handles both.
type ResultFrame struct {
	Type              string             `json:"type"`
	Subtype           string             `json:"subtype,omitempty"`
	Result            string             `json:"result,omitempty"`
	SessionID         string             `json:"session_id,omitempty"`
	IsError           bool               `json:"is_error,omitempty"`
	CostUSD           float64            `json:"cost_usd,omitempty"`
	TotalCostUSD      float64            `json:"total_cost_usd,omitempty"`
	DurationMs        int64              `json:"duration_ms,omitempty"`
	DurationAPIMs     int64              `json:"duration_api_ms,omitempty"`
	NumTurns          int                `json:"num_turns,omitempty"`
	Usage             *Usage             `json:"usage,omitempty"`
	PermissionDenials []PermissionDenial `json:"permission_denials,omitempty"`
	Raw               json.RawMessage    `json:"-"`
}

// GetCostUSD returns the turn cost, preferring total_cost_usd when the
// worker supplies it.
func (f *ResultFrame) GetCostUSD() float64 {
	if f.TotalCostUSD > 0 {
		return f.TotalCostUSD
	}
	return f.CostUSD
}

// Usage is the token-usage quadruple reported with every result frame.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// PermissionDenial records one tool invocation the worker refused during
// the turn.
type PermissionDenial struct {
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// InboundMessage is what gets written to the worker's stdin for a user
// turn, mirroring the teacher's UserMessage shape.
type InboundMessage struct {
	Type    string             `json:"type"`
	Message InboundMessageBody `json:"message"`
}

// InboundMessageBody carries the role and content of the turn. Content is
// either a plain string (the text-only fast path) or a slice of
// multimodal content blocks, matching the worker's "content:
// <string-or-blocks>" wire shape.
type InboundMessageBody struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// MessagePart is one multimodal part of a MessagePayload: a text part
// carries Text; an image or document part carries MediaType and Data
// (base64-encoded bytes).
type MessagePart struct {
	Kind      string // text, image, document
	Text      string
	MediaType string
	Data      string
}

// MessagePayload is what SendMessage forwards to the worker: either a
// plain Text body (used when Parts is empty, the backward-compatible
// all-text path) or a sequence of multimodal Parts, mirroring the
// orchestrator's content-parsing step.
type MessagePayload struct {
	Text  string
	Parts []MessagePart
}

func newInboundMessage(payload MessagePayload) *InboundMessage {
	var content any
	if len(payload.Parts) == 0 {
		content = payload.Text
	} else {
		blocks := make([]map[string]any, 0, len(payload.Parts))
		for _, p := range payload.Parts {
			switch p.Kind {
			case "image", "document":
				blocks = append(blocks, map[string]any{
					"type": p.Kind,
					"source": map[string]any{
						"type":       "base64",
						"media_type": p.MediaType,
						"data":       p.Data,
					},
				})
			default:
				blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
			}
		}
		content = blocks
	}

	return &InboundMessage{
		Type: "user",
		Message: InboundMessageBody{
			Role:    "user",
			Content: content,
		},
	}
}
