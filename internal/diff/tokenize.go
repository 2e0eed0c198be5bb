package diff

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// Granularity is the unit the aligner compares.
type Granularity int

const (
	CodePoint Granularity = iota
	Grapheme
	Word
	Line
)

func (g Granularity) String() string {
	switch g {
	case CodePoint:
		return "char"
	case Grapheme:
		return "grapheme"
	case Word:
		return "word"
	case Line:
		return "line"
	default:
		return "unknown"
	}
}

// ParseGranularity accepts the names produced by String plus "codepoint".
// The empty string selects CodePoint.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "char", "codepoint":
		return CodePoint, nil
	case "grapheme":
		return Grapheme, nil
	case "word":
		return Word, nil
	case "line":
		return Line, nil
	default:
		return CodePoint, fmt.Errorf("unknown granularity %q", s)
	}
}

// Tokenize splits s into tokens whose concatenation is exactly s.
func Tokenize(s string, g Granularity) []string {
	switch g {
	case Grapheme:
		return graphemes(s)
	case Word:
		return words(s)
	case Line:
		return lines(s)
	default:
		return codePoints(s)
	}
}

// codePoints slices s rune by rune. Invalid bytes become one-byte tokens so
// the original bytes survive reconstruction.
func codePoints(s string) []string {
	out := make([]string, 0, len(s))
	for i := 0; i < len(s); {
		_, size := utf8.DecodeRuneInString(s[i:])
		out = append(out, s[i:i+size])
		i += size
	}
	return out
}

func graphemes(s string) []string {
	out := make([]string, 0, len(s))
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		out = append(out, g.Str())
	}
	return out
}

// words groups runs of letters, digits and marks; every other rune is its
// own token.
func words(s string) []string {
	out := make([]string, 0, len(s)/4)
	start := -1
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if isWordRune(r) && !(r == utf8.RuneError && size == 1) {
			if start < 0 {
				start = i
			}
		} else {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			out = append(out, s[i:i+size])
		}
		i += size
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

// lines keeps the trailing newline on each line.
func lines(s string) []string {
	if s == "" {
		return nil
	}
	out := strings.SplitAfter(s, "\n")
	if out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}
