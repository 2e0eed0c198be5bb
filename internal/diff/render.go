package diff

import (
	"fmt"
	"strings"
)

// Mode selects which side of an edit script Render shows.
type Mode int

const (
	Combined Mode = iota
	RemovalOnly
	AdditionOnly
)

func (m Mode) String() string {
	switch m {
	case RemovalOnly:
		return "removal"
	case AdditionOnly:
		return "addition"
	default:
		return "combined"
	}
}

// ParseMode accepts "removal", "addition" and "combined", ignoring case.
// The empty string selects Combined.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "combined":
		return Combined, nil
	case "removal":
		return RemovalOnly, nil
	case "addition":
		return AdditionOnly, nil
	default:
		return Combined, fmt.Errorf("unknown diff mode %q", s)
	}
}

// SpanKind annotates a rendered span.
type SpanKind int

const (
	Unchanged SpanKind = iota
	Removed
	Added
)

func (k SpanKind) String() string {
	switch k {
	case Removed:
		return "removed"
	case Added:
		return "added"
	default:
		return "unchanged"
	}
}

func (k SpanKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SpanKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unchanged":
		*k = Unchanged
	case "removed":
		*k = Removed
	case "added":
		*k = Added
	default:
		return fmt.Errorf("unknown span kind %q", string(b))
	}
	return nil
}

// Span is a piece of display text with its annotation.
type Span struct {
	Text string   `json:"text" yaml:"text"`
	Kind SpanKind `json:"kind" yaml:"kind"`
}

// Render projects ops into spans for mode. Adjacent spans of the same kind
// are coalesced.
func Render(ops []Op, mode Mode) []Span {
	spans := make([]Span, 0, len(ops))
	for _, op := range ops {
		var kind SpanKind
		switch op.Kind {
		case Equal:
			kind = Unchanged
		case Delete:
			if mode == AdditionOnly {
				continue
			}
			kind = Removed
		case Insert:
			if mode == RemovalOnly {
				continue
			}
			kind = Added
		}
		if op.Text == "" {
			continue
		}
		if n := len(spans); n > 0 && spans[n-1].Kind == kind {
			spans[n-1].Text += op.Text
			continue
		}
		spans = append(spans, Span{Text: op.Text, Kind: kind})
	}
	return spans
}

// Diff aligns oldText and newText at code-point granularity and renders the
// result for mode.
func Diff(oldText, newText string, mode Mode) []Span {
	res, _ := Strings(oldText, newText)
	return Render(res.Ops, mode)
}

// Text concatenates the span texts.
func Text(spans []Span) string {
	var sb strings.Builder
	for _, s := range spans {
		sb.WriteString(s.Text)
	}
	return sb.String()
}
