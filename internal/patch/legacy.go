package patch

import (
	"sort"
	"strings"

	"github.com/SilentHawker/AML-platform/internal/review"
)

// Legacy orders records by the first occurrence of their original text in
// base, then replaces the first remaining occurrence of each in a working
// copy. An earlier replacement can consume or create a later record's match;
// Apply does not have that problem.
func Legacy(base string, records []review.ChangeRecord) Result {
	res := Result{Applied: []Applied{}, Skipped: []NoMatch{}, Ambiguous: []AmbiguousMatch{}}

	type ordered struct {
		rec    review.ChangeRecord
		offset int
	}
	var queue []ordered
	for _, rec := range records {
		if !rec.Selected() {
			continue
		}
		if rec.OriginalText == "" {
			res.Skipped = append(res.Skipped, NoMatch{ID: rec.ID, Reason: ReasonEmptyOriginal})
			continue
		}
		offset := strings.Index(base, rec.OriginalText)
		if offset < 0 {
			res.Skipped = append(res.Skipped, NoMatch{ID: rec.ID, Reason: ReasonNotFound})
			continue
		}
		queue = append(queue, ordered{rec: rec, offset: offset})
	}
	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].offset < queue[j].offset
	})

	text := base
	for _, q := range queue {
		at := strings.Index(text, q.rec.OriginalText)
		if at < 0 {
			res.Skipped = append(res.Skipped, NoMatch{ID: q.rec.ID, Reason: ReasonNotFound})
			continue
		}
		if n := strings.Count(text, q.rec.OriginalText); n > 1 {
			res.Ambiguous = append(res.Ambiguous, AmbiguousMatch{ID: q.rec.ID, Occurrences: n, Offset: at})
		}
		replacement := q.rec.Replacement()
		text = text[:at] + replacement + text[at+len(q.rec.OriginalText):]
		res.Applied = append(res.Applied, Applied{
			ID:          q.rec.ID,
			Start:       at,
			End:         at + len(q.rec.OriginalText),
			Replacement: replacement,
		})
	}
	res.Text = text
	return res
}
