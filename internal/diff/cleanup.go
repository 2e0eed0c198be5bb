package diff

import (
	"strings"
	"unicode/utf8"
)

// cleanupSemantic repeatedly folds an equality into its neighbouring changes
// when it is no longer than the larger side of the change on both its left
// and its right. Every fold rewrites the surrounding cluster as one Delete
// followed by one Insert, so the script still reconstructs both texts.
func cleanupSemantic(ops []Op) []Op {
	for {
		folded := false
		for i := 1; i < len(ops)-1; i++ {
			if ops[i].Kind != Equal {
				continue
			}
			left := clusterWeight(ops, i, -1)
			right := clusterWeight(ops, i, 1)
			if left == 0 || right == 0 {
				continue
			}
			n := utf8.RuneCountInString(ops[i].Text)
			if n <= left && n <= right {
				ops = fold(ops, i)
				folded = true
				break
			}
		}
		if !folded {
			return ops
		}
	}
}

// clusterWeight returns the larger of the deleted and inserted rune counts in
// the run of changes directly beside ops[i] in direction dir.
func clusterWeight(ops []Op, i, dir int) int {
	deleted, inserted := 0, 0
	for j := i + dir; j >= 0 && j < len(ops) && ops[j].Kind != Equal; j += dir {
		if ops[j].Kind == Delete {
			deleted += utf8.RuneCountInString(ops[j].Text)
		} else {
			inserted += utf8.RuneCountInString(ops[j].Text)
		}
	}
	return max(deleted, inserted)
}

func fold(ops []Op, i int) []Op {
	start := i
	for start > 0 && ops[start-1].Kind != Equal {
		start--
	}
	end := i
	for end < len(ops)-1 && ops[end+1].Kind != Equal {
		end++
	}

	var del, ins strings.Builder
	for j := start; j <= end; j++ {
		switch ops[j].Kind {
		case Delete:
			del.WriteString(ops[j].Text)
		case Insert:
			ins.WriteString(ops[j].Text)
		default:
			del.WriteString(ops[j].Text)
			ins.WriteString(ops[j].Text)
		}
	}

	anchorA, anchorB := ops[start].AStart, ops[start].BStart
	merged := []Op{
		{Kind: Delete, Text: del.String(), AStart: anchorA, BStart: anchorB},
		{Kind: Insert, Text: ins.String(), AStart: anchorA + del.Len(), BStart: anchorB},
	}

	out := make([]Op, 0, len(ops)-(end-start+1)+len(merged))
	out = append(out, ops[:start]...)
	out = append(out, merged...)
	out = append(out, ops[end+1:]...)
	return out
}
