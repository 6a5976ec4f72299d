// Package a2a defines the wire types for the agent-to-agent JSON-RPC/REST
// protocol this server exposes: message/send requests, Task and Message
// envelopes, and the tagged ContentBlock variants a Message's parts carry.
package a2a

import "encoding/json"

// Task is the unit of durable work a message/send request creates or
// continues.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	History   []Message  `json:"history,omitempty"`
}

// TaskStatus reports a task's current lifecycle position and its most
// recent message, if any.
type TaskStatus struct {
	State     string   `json:"state"` // submitted, working, input-required, completed, canceled, failed
	Timestamp string   `json:"timestamp,omitempty"`
	Message   *Message `json:"message,omitempty"`
}

// Message is one turn in a conversation, either from the caller or from
// the agent. Metadata carries routing hints on inbound messages (agent
// name, scopes, clientName) and the accounting envelope on agent
// replies.
type Message struct {
	MessageID string         `json:"messageId,omitempty"`
	Role      string         `json:"role"` // user, agent
	Parts     []ContentBlock `json:"parts"`
	ContextID string         `json:"contextId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AgentHint extracts the "agent" routing hint from a message's metadata,
// empty when the caller left routing to the server.
func (m Message) AgentHint() string {
	if m.Metadata == nil {
		return ""
	}
	v, _ := m.Metadata["agent"].(string)
	return v
}

// ContentBlock is a tagged union over the part kinds a message can
// carry: text(string) | file(base64 bytes or uri, mimeType) |
// image/document(mediaType, base64-bytes) | data(arbitrary JSON). Kind
// discriminates which of Text/Data/URI/MimeType is populated; unknown
// kinds are kept and unknown fields ignored rather than rejected, matching the
// orchestrator's permissive parsing policy. Data carries inline content
// as base64 text for file-like parts; a data part's structured payload
// lands in Raw instead.
type ContentBlock struct {
	Kind     string          `json:"kind"` // text, file, image, document, data
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"` // base64-encoded bytes, for file/image/document parts
	URI      string          `json:"uri,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Raw      json.RawMessage `json:"-"` // structured payload of a data part
}

// contentBlockWire is the permissive decode target for ContentBlock:
// "data" may be a base64 string (file parts) or an arbitrary object
// (data parts), and a file part may nest its payload under "file".
type contentBlockWire struct {
	Kind     string          `json:"kind"`
	Text     string          `json:"text"`
	Data     json.RawMessage `json:"data"`
	URI      string          `json:"uri"`
	MimeType string          `json:"mimeType"`
	File     *struct {
		Bytes    string `json:"bytes"`
		URI      string `json:"uri"`
		MimeType string `json:"mimeType"`
	} `json:"file"`
}

// UnmarshalJSON decodes the union: string data stays in Data, object
// data moves to Raw, and a nested file payload is flattened onto
// Data/URI/MimeType.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var w contentBlockWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*b = ContentBlock{Kind: w.Kind, Text: w.Text, URI: w.URI, MimeType: w.MimeType}
	if len(w.Data) > 0 {
		var s string
		if err := json.Unmarshal(w.Data, &s); err == nil {
			b.Data = s
		} else {
			b.Raw = w.Data
		}
	}
	if w.File != nil {
		b.Data = w.File.Bytes
		if w.File.URI != "" {
			b.URI = w.File.URI
		}
		if w.File.MimeType != "" {
			b.MimeType = w.File.MimeType
		}
	}
	return nil
}

// MessageSendParams is the payload of an A2A message/send JSON-RPC call.
type MessageSendParams struct {
	Message       Message            `json:"message"`
	AgentName     string             `json:"agentName,omitempty"`
	Configuration *SendConfiguration `json:"configuration,omitempty"`
}

// SendConfiguration carries per-call delivery options. Only blocking
// delivery is supported; a request asking for non-blocking delivery is
// rejected rather than silently treated as blocking.
type SendConfiguration struct {
	Blocking bool `json:"blocking"`
}

// TaskQueryParams is the payload of tasks/get and tasks/cancel calls.
type TaskQueryParams struct {
	ID string `json:"id"`
}

// JSONRPCRequest is the envelope for every call on /a2a/jsonrpc.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// JSONRPCResponse is the envelope for every reply from /a2a/jsonrpc.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError maps an apperr.AppError onto the JSON-RPC 2.0 error shape.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// AgentCard is the public discovery document served at
// /.well-known/agent-card.json: one skill per enabled agent, plus the
// supported input/output modes and the bearer security scheme.
type AgentCard struct {
	Name               string                    `json:"name"`
	Description        string                    `json:"description"`
	Version            string                    `json:"version"`
	DefaultInputModes  []string                  `json:"defaultInputModes"`
	DefaultOutputModes []string                  `json:"defaultOutputModes"`
	SecuritySchemes    map[string]SecurityScheme `json:"securitySchemes,omitempty"`
	Skills             []AgentSkill              `json:"skills"`
}

// SecurityScheme describes one accepted authentication mechanism.
type SecurityScheme struct {
	Type   string `json:"type"`
	Scheme string `json:"scheme,omitempty"`
}

// AgentSkill is one agent's public listing within an AgentCard.
type AgentSkill struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Model          string   `json:"model,omitempty"`
	RequiredScopes []string `json:"requiredScopes,omitempty"`
}
