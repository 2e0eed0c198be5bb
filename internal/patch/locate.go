package patch

import (
	"regexp"
	"strings"
)

type span struct {
	start, end int
}

func (s span) overlaps(o span) bool {
	return s.start < o.end && o.start < s.end
}

// occurrences returns every position where needle starts in base, including
// overlapping ones.
func occurrences(base, needle string) []span {
	if needle == "" {
		return nil
	}
	var out []span
	for from := 0; from <= len(base)-len(needle); {
		i := strings.Index(base[from:], needle)
		if i < 0 {
			break
		}
		start := from + i
		out = append(out, span{start: start, end: start + len(needle)})
		from = start + 1
	}
	return out
}

// looseOccurrences matches needle with every run of whitespace allowed to
// differ, for text that was re-wrapped or re-spaced after the analysis quoted
// it.
func looseOccurrences(base, needle string) []span {
	fields := strings.Fields(needle)
	if len(fields) == 0 {
		return nil
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = regexp.QuoteMeta(f)
	}
	re, err := regexp.Compile(strings.Join(quoted, `\s+`))
	if err != nil {
		return nil
	}
	matches := re.FindAllStringIndex(base, -1)
	out := make([]span, 0, len(matches))
	for _, m := range matches {
		out = append(out, span{start: m[0], end: m[1]})
	}
	return out
}

// anchored reports whether needle sits at offset in base.
func anchored(base, needle string, offset *int) (span, bool) {
	if offset == nil {
		return span{}, false
	}
	at := *offset
	if at < 0 || at+len(needle) > len(base) || base[at:at+len(needle)] != needle {
		return span{}, false
	}
	return span{start: at, end: at + len(needle)}, true
}
