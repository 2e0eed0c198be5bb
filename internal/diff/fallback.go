package diff

import (
	"errors"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// StringsWithFallback behaves like Strings, but when the edit distance
// ceiling is exceeded it returns a coarse line-level script instead of an
// error. Such results have Degraded set.
func StringsWithFallback(a, b string, opts ...Option) Result {
	res, err := Strings(a, b, opts...)
	if errors.Is(err, ErrAlignmentTimeout) {
		return lineFallback(a, b)
	}
	return res
}

// lineFallback maps lines to single runes, diffs the rune strings and maps
// back. The script reconstructs both texts but need not be minimal.
func lineFallback(a, b string) Result {
	dmp := diffmatchpatch.New()
	ca, cb, lineArray := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffMain(ca, cb, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	return Result{Ops: fromPatchDiffs(diffs), Degraded: true}
}

// fromPatchDiffs converts diffmatchpatch output into Ops, regrouping each run
// of changes as its deletions followed by its insertions.
func fromPatchDiffs(diffs []diffmatchpatch.Diff) []Op {
	ops := make([]Op, 0, len(diffs))
	posA, posB := 0, 0
	var del, ins strings.Builder
	clusterA, clusterB := 0, 0

	flushCluster := func() {
		if del.Len() > 0 {
			ops = append(ops, Op{Kind: Delete, Text: del.String(), AStart: clusterA, BStart: clusterB})
		}
		if ins.Len() > 0 {
			ops = append(ops, Op{Kind: Insert, Text: ins.String(), AStart: clusterA + del.Len(), BStart: clusterB})
		}
		del.Reset()
		ins.Reset()
	}

	inCluster := false
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			if inCluster {
				flushCluster()
				inCluster = false
			}
			if n := len(ops); n > 0 && ops[n-1].Kind == Equal {
				ops[n-1].Text += d.Text
			} else {
				ops = append(ops, Op{Kind: Equal, Text: d.Text, AStart: posA, BStart: posB})
			}
			posA += len(d.Text)
			posB += len(d.Text)
		case diffmatchpatch.DiffDelete:
			if !inCluster {
				clusterA, clusterB = posA, posB
				inCluster = true
			}
			del.WriteString(d.Text)
			posA += len(d.Text)
		case diffmatchpatch.DiffInsert:
			if !inCluster {
				clusterA, clusterB = posA, posB
				inCluster = true
			}
			ins.WriteString(d.Text)
			posB += len(d.Text)
		}
	}
	if inCluster {
		flushCluster()
	}
	return ops
}
