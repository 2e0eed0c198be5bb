// Package patch applies accepted and modified change records to a base
// document.
package patch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/SilentHawker/AML-platform/internal/review"
)

// Strategy selects how records are located and applied.
type Strategy string

const (
	// StrategySweep locates every record once against the unmodified base
	// and rebuilds the text in one left-to-right pass.
	StrategySweep Strategy = "sweep"
	// StrategySequential replaces the first remaining occurrence of each
	// record in turn, searching the text as modified by earlier records.
	StrategySequential Strategy = "sequential"
)

// ParseStrategy accepts "sweep" and "sequential". The empty string selects
// StrategySweep.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategySweep:
		return StrategySweep, nil
	case StrategySequential:
		return StrategySequential, nil
	default:
		return "", fmt.Errorf("unknown patch strategy %q", s)
	}
}

// Options configures ApplyWithOptions.
type Options struct {
	Strategy Strategy
	// LooseMatch retries a record whose original text is missing with every
	// whitespace run allowed to differ. Sweep strategy only.
	LooseMatch bool
}

// Reasons a selected record was not applied.
const (
	ReasonNotFound      = "not_found"
	ReasonOverlap       = "overlap"
	ReasonEmptyOriginal = "empty_original"
)

// Applied describes one replacement. Start and End are byte offsets of the
// replaced text in the base document (for the sequential strategy, in the
// working copy at the time of the replacement).
type Applied struct {
	ID          string `json:"id" yaml:"id"`
	Start       int    `json:"start" yaml:"start"`
	End         int    `json:"end" yaml:"end"`
	Replacement string `json:"replacement" yaml:"replacement"`
	Loose       bool   `json:"loose,omitempty" yaml:"loose,omitempty"`
}

// NoMatch is a non-fatal warning: a selected record was skipped.
type NoMatch struct {
	ID     string `json:"id" yaml:"id"`
	Reason string `json:"reason" yaml:"reason"`
}

// AmbiguousMatch notes that a record's original text occurs more than once.
// Offset is where it was applied.
type AmbiguousMatch struct {
	ID          string `json:"id" yaml:"id"`
	Occurrences int    `json:"occurrences" yaml:"occurrences"`
	Offset      int    `json:"offset" yaml:"offset"`
	Anchored    bool   `json:"anchored,omitempty" yaml:"anchored,omitempty"`
}

// Result is the outcome of applying a set of records.
type Result struct {
	Text      string           `json:"text" yaml:"text"`
	Applied   []Applied        `json:"applied" yaml:"applied"`
	Skipped   []NoMatch        `json:"skipped" yaml:"skipped"`
	Ambiguous []AmbiguousMatch `json:"ambiguous" yaml:"ambiguous"`
}

func (r Result) AppliedIDs() []string {
	ids := make([]string, 0, len(r.Applied))
	for _, a := range r.Applied {
		ids = append(ids, a.ID)
	}
	return ids
}

func (r Result) SkippedIDs() []string {
	ids := make([]string, 0, len(r.Skipped))
	for _, s := range r.Skipped {
		ids = append(ids, s.ID)
	}
	return ids
}

// Apply runs the sweep strategy with exact matching.
func Apply(base string, records []review.ChangeRecord) Result {
	return ApplyWithOptions(base, records, Options{})
}

// Preview returns the text Apply would produce.
func Preview(base string, records []review.ChangeRecord) string {
	return Apply(base, records).Text
}

// ApplyWithOptions never fails: records that cannot be applied are reported
// in Skipped and the rest are applied.
func ApplyWithOptions(base string, records []review.ChangeRecord, opts Options) Result {
	if opts.Strategy == StrategySequential {
		return Legacy(base, records)
	}
	return sweep(base, records, opts.LooseMatch)
}

type candidate struct {
	index    int
	rec      review.ChangeRecord
	occ      []span
	first    span
	anchored bool
	loose    bool
}

type skip struct {
	index int
	NoMatch
}

func sweep(base string, records []review.ChangeRecord, loose bool) Result {
	res := Result{Applied: []Applied{}, Skipped: []NoMatch{}, Ambiguous: []AmbiguousMatch{}}
	var skipped []skip

	cands := make([]candidate, 0, len(records))
	for i, rec := range records {
		if !rec.Selected() {
			continue
		}
		if rec.OriginalText == "" {
			skipped = append(skipped, skip{i, NoMatch{ID: rec.ID, Reason: ReasonEmptyOriginal}})
			continue
		}
		c := candidate{index: i, rec: rec, occ: occurrences(base, rec.OriginalText)}
		if len(c.occ) == 0 && loose {
			c.occ = looseOccurrences(base, rec.OriginalText)
			c.loose = len(c.occ) > 0
		}
		if len(c.occ) == 0 {
			skipped = append(skipped, skip{i, NoMatch{ID: rec.ID, Reason: ReasonNotFound}})
			continue
		}
		c.first = c.occ[0]
		if s, ok := anchored(base, rec.OriginalText, rec.Anchor); ok {
			c.first = s
			c.anchored = true
		}
		cands = append(cands, c)
	}

	// Stable sort keeps input order for records starting at the same offset.
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].first.start < cands[j].first.start
	})

	var claimed []span
	free := func(s span) bool {
		for _, c := range claimed {
			if s.overlaps(c) {
				return false
			}
		}
		return true
	}

	for _, c := range cands {
		chosen, ok := c.first, free(c.first)
		if !ok {
			for _, s := range c.occ {
				if free(s) {
					chosen, ok = s, true
					break
				}
			}
		}
		if !ok {
			skipped = append(skipped, skip{c.index, NoMatch{ID: c.rec.ID, Reason: ReasonOverlap}})
			continue
		}
		if len(c.occ) > 1 {
			res.Ambiguous = append(res.Ambiguous, AmbiguousMatch{
				ID:          c.rec.ID,
				Occurrences: len(c.occ),
				Offset:      chosen.start,
				Anchored:    c.anchored && chosen == c.first,
			})
		}
		claimed = append(claimed, chosen)
		res.Applied = append(res.Applied, Applied{
			ID:          c.rec.ID,
			Start:       chosen.start,
			End:         chosen.end,
			Replacement: c.rec.Replacement(),
			Loose:       c.loose,
		})
	}

	sort.Slice(res.Applied, func(i, j int) bool {
		return res.Applied[i].Start < res.Applied[j].Start
	})
	sort.SliceStable(skipped, func(i, j int) bool {
		return skipped[i].index < skipped[j].index
	})
	for _, s := range skipped {
		res.Skipped = append(res.Skipped, s.NoMatch)
	}

	var sb strings.Builder
	sb.Grow(len(base))
	pos := 0
	for _, a := range res.Applied {
		sb.WriteString(base[pos:a.Start])
		sb.WriteString(a.Replacement)
		pos = a.End
	}
	sb.WriteString(base[pos:])
	res.Text = sb.String()
	return res
}
