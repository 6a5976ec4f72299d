// Package content converts an A2A message's ContentBlock parts into the
// payload shape the worker-cli process's stdin protocol expects, per the
// orchestrator's "parse content" pipeline step.
package content

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kandev/agentbridge/internal/worker"
	"github.com/kandev/agentbridge/pkg/a2a"
)

// imageMimeTypes is the whitelisted set of inline image media types; any
// other base64 file part becomes a document part instead.
var imageMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// Parse converts a message's parts into the two forms the worker
// accepts: a plain string when every part is text (the
// backward-compatible path), otherwise a structured sequence of parts.
// Image-typed file parts (jpeg/png/gif/webp) become image parts; other
// base64 file parts become document parts; a part carrying only a URI
// becomes a descriptive text part rather than being silently dropped,
// since remote URI fetching is out of scope; a structured data part
// becomes pretty-printed JSON in a text part.
func Parse(parts []a2a.ContentBlock) (worker.MessagePayload, error) {
	if allText(parts) {
		var b strings.Builder
		for i, p := range parts {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
		return worker.MessagePayload{Text: b.String()}, nil
	}

	out := make([]worker.MessagePart, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case "text", "":
			out = append(out, worker.MessagePart{Kind: "text", Text: p.Text})
		case "image":
			out = append(out, toFilePart("image", p))
		case "document":
			out = append(out, toFilePart("document", p))
		case "file":
			kind := "document"
			if imageMimeTypes[p.MimeType] {
				kind = "image"
			}
			out = append(out, toFilePart(kind, p))
		case "data":
			out = append(out, worker.MessagePart{Kind: "text", Text: describeDataPart(p)})
		default:
			out = append(out, toFilePart(p.Kind, p))
		}
	}
	return worker.MessagePayload{Parts: out}, nil
}

func allText(parts []a2a.ContentBlock) bool {
	for _, p := range parts {
		if p.Kind != "" && p.Kind != "text" {
			return false
		}
	}
	return true
}

// toFilePart converts an image/document part carrying inline base64 data
// into the matching worker.MessagePart, downgrading an image whose MIME
// type is outside the whitelist to a document part instead. A part with
// no inline data but a URI becomes a descriptive text part; a part with
// neither becomes a placeholder text part, never a silent drop.
func toFilePart(kind string, p a2a.ContentBlock) worker.MessagePart {
	if p.Data != "" {
		mediaType := p.MimeType
		if kind == "image" && !imageMimeTypes[mediaType] {
			kind = "document"
		}
		return worker.MessagePart{Kind: kind, MediaType: mediaType, Data: p.Data}
	}
	if p.URI != "" {
		mime := p.MimeType
		if mime == "" {
			mime = "unknown type"
		}
		return worker.MessagePart{Kind: "text", Text: fmt.Sprintf("[%s attached: %s (%s), not fetched, reference only]", kind, p.URI, mime)}
	}
	return worker.MessagePart{Kind: "text", Text: fmt.Sprintf("[%s attached, no content provided]", kind)}
}

func describeDataPart(p a2a.ContentBlock) string {
	if len(p.Raw) == 0 {
		return p.Text
	}
	var v any
	if err := json.Unmarshal(p.Raw, &v); err != nil {
		return p.Text
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return p.Text
	}
	return string(pretty)
}

// IsEmpty reports whether a parsed payload carries no meaningful
// content, so the orchestrator can reject an empty message before ever
// touching a worker session.
func IsEmpty(payload worker.MessagePayload) bool {
	if len(payload.Parts) > 0 {
		return false
	}
	return strings.TrimSpace(payload.Text) == ""
}
