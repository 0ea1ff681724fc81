// Package provider implements the upstream adapters (OpenAI-compatible chat
// completions, Anthropic Messages) behind one unified completion/streaming
// interface, plus the tier-based provider selection and forcing rules.
package provider

// Content is a tagged union: a message body is either plain Text or a set of
// multimodal Parts. Exactly one of the two is populated.
type Content struct {
	Text  string
	Parts []Part
}

// PartType identifies the kind of a multimodal content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one piece of multimodal content: text, or a base64-encoded image
// with its MIME type.
type Part struct {
	Type     PartType
	Text     string
	ImageB64 string
	MIMEType string
}

// NewText builds a plain-text Content.
func NewText(text string) Content {
	return Content{Text: text}
}

// NewParts builds a multimodal Content from parts.
func NewParts(parts ...Part) Content {
	return Content{Parts: parts}
}

// IsMultimodal reports whether this content carries non-text parts.
func (c Content) IsMultimodal() bool {
	return len(c.Parts) > 0
}

// PlainText concatenates all text (either the Text field, or every text part)
// for estimators and history truncation, which only reason about characters.
func (c Content) PlainText() string {
	if len(c.Parts) == 0 {
		return c.Text
	}
	var out []byte
	for _, p := range c.Parts {
		if p.Type == PartText {
			if len(out) > 0 {
				out = append(out, '\n')
			}
			out = append(out, p.Text...)
		}
	}
	return string(out)
}
