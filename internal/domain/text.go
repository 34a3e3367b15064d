package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

// TextShape records how a free-text field arrived on the wire
type TextShape int

const (
	TextAbsent TextShape = iota
	TextPlain
	TextStructured
)

// textMembers are the object members searched, in order, for the text of a
// structured value.
var textMembers = []string{"text", "label", "name"}

// Text is a free-text field that some backend revisions send as a string
// and others as an object wrapping the text. Values that are neither are
// kept as absent rather than failing the whole response.
type Text struct {
	Value string
	Shape TextShape

	// raw holds the original encoding of non-string values so the field is
	// forwarded to the backend exactly as received.
	raw json.RawMessage
}

// PlainText wraps a string value
func PlainText(s string) Text {
	return Text{Value: s, Shape: TextPlain}
}

// IsPresent reports whether non-blank text was supplied in either shape
func (t Text) IsPresent() bool {
	return t.Shape != TextAbsent && strings.TrimSpace(t.Value) != ""
}

// Is reports whether t is the plain string s. Structured values never match.
func (t Text) Is(s string) bool {
	return t.Shape == TextPlain && t.Value == s
}

// String returns the text, or "" when absent
func (t Text) String() string {
	return t.Value
}

// UnmarshalJSON accepts a string, an object carrying one of the text
// members, or anything else as absent.
func (t *Text) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*t = Text{}
		return nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		*t = PlainText(s)
		return nil
	}

	raw := append(json.RawMessage(nil), trimmed...)
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		for _, member := range textMembers {
			var v string
			if json.Unmarshal(obj[member], &v) == nil && strings.TrimSpace(v) != "" {
				*t = Text{Value: v, Shape: TextStructured, raw: raw}
				return nil
			}
		}
	}
	*t = Text{raw: raw}
	return nil
}

// MarshalJSON writes the value back in the shape it was received in
func (t Text) MarshalJSON() ([]byte, error) {
	if len(t.raw) > 0 {
		return t.raw, nil
	}
	if t.Shape == TextAbsent {
		return []byte("null"), nil
	}
	return json.Marshal(t.Value)
}
