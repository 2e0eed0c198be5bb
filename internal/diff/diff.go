// Package diff computes minimal edit scripts between two texts and projects
// them into annotated spans for display.
package diff

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies one operation of an edit script.
type Kind int

const (
	Equal Kind = iota
	Delete
	Insert
)

func (k Kind) String() string {
	switch k {
	case Equal:
		return "equal"
	case Delete:
		return "delete"
	case Insert:
		return "insert"
	default:
		return "unknown"
	}
}

// Op is a maximal run of tokens sharing the same Kind. AStart and BStart are
// byte offsets into A and B where the run begins; for Insert the A offset is
// the position in A the text is inserted at, and for Delete the B offset is
// the position in B the removed text would have occupied.
type Op struct {
	Kind   Kind   `json:"kind"`
	Text   string `json:"text"`
	AStart int    `json:"aStart"`
	BStart int    `json:"bStart"`
}

// Result is the output of Strings.
type Result struct {
	Ops []Op `json:"ops"`
	// Degraded is set when the script was produced by the coarse line-level
	// fallback rather than the bounded search.
	Degraded bool `json:"degraded"`
}

// EditCount returns the number of tokens that are inserted or deleted, which
// for a script produced by Compute is the edit distance between A and B.
func (r Result) EditCount(g Granularity) int {
	count := 0
	for _, op := range r.Ops {
		if op.Kind != Equal {
			count += len(Tokenize(op.Text, g))
		}
	}
	return count
}

// AlignmentTimeoutError reports that the edit distance between the inputs
// exceeds the configured ceiling.
type AlignmentTimeoutError struct {
	Limit int
}

func (e *AlignmentTimeoutError) Error() string {
	return fmt.Sprintf("alignment exceeded edit distance ceiling of %d", e.Limit)
}

// ErrAlignmentTimeout matches any *AlignmentTimeoutError with errors.Is.
var ErrAlignmentTimeout = errors.New("alignment timeout")

func (e *AlignmentTimeoutError) Is(target error) bool {
	return target == ErrAlignmentTimeout
}

type options struct {
	granularity     Granularity
	maxEditDistance int
	cleanup         bool
}

// Option configures Strings.
type Option func(*options)

// WithGranularity selects the token unit the aligner compares.
func WithGranularity(g Granularity) Option {
	return func(o *options) {
		o.granularity = g
	}
}

// WithMaxEditDistance bounds the search. Zero or negative means unbounded,
// which costs O((N+M)D) time and must not be used on untrusted input.
func WithMaxEditDistance(n int) Option {
	return func(o *options) {
		o.maxEditDistance = n
	}
}

// WithSemanticCleanup folds short equalities that sit between changes into
// the surrounding change so whole phrases read as one removal and one
// addition. The resulting script is no longer minimal.
func WithSemanticCleanup() Option {
	return func(o *options) {
		o.cleanup = true
	}
}

func buildOptions(opts []Option) options {
	o := options{granularity: CodePoint}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Strings aligns a and b at the configured granularity. It only fails when a
// ceiling was set with WithMaxEditDistance and the inputs exceed it.
func Strings(a, b string, opts ...Option) (Result, error) {
	o := buildOptions(opts)
	ops, err := alignTokens(Tokenize(a, o.granularity), Tokenize(b, o.granularity), o.maxEditDistance)
	if err != nil {
		return Result{}, err
	}
	if o.cleanup {
		ops = cleanupSemantic(ops)
	}
	return Result{Ops: ops}, nil
}

// Compute returns the minimal edit script between two token sequences.
func Compute(a, b []string) []Op {
	ops, _ := alignTokens(a, b, 0)
	return ops
}

func alignTokens(a, b []string, limit int) ([]Op, error) {
	ia, ib := intern(a, b)
	al := newAligner(ia, ib, limit)
	if err := al.run(); err != nil {
		return nil, err
	}
	return buildOps(a, b, al.deleted, al.inserted), nil
}

// intern maps tokens to small integers so the search compares ints.
func intern(a, b []string) ([]int, []int) {
	ids := make(map[string]int, len(a))
	lookup := func(tokens []string) []int {
		out := make([]int, len(tokens))
		for i, tok := range tokens {
			id, ok := ids[tok]
			if !ok {
				id = len(ids)
				ids[tok] = id
			}
			out[i] = id
		}
		return out
	}
	return lookup(a), lookup(b)
}

// buildOps walks both sequences using the per-token change flags. Deleted
// tokens are always emitted before inserted tokens at the same position.
func buildOps(a, b []string, deleted, inserted []bool) []Op {
	ops := make([]Op, 0)
	var sb strings.Builder
	kind := Equal
	startA, startB := 0, 0
	posA, posB := 0, 0
	open := false

	flush := func() {
		if open && sb.Len() > 0 {
			ops = append(ops, Op{Kind: kind, Text: sb.String(), AStart: startA, BStart: startB})
		}
		sb.Reset()
		open = false
	}
	emit := func(k Kind, tok string) {
		if !open || k != kind {
			flush()
			kind = k
			startA, startB = posA, posB
			open = true
		}
		sb.WriteString(tok)
	}

	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case i < len(a) && deleted[i]:
			emit(Delete, a[i])
			posA += len(a[i])
			i++
		case j < len(b) && inserted[j]:
			emit(Insert, b[j])
			posB += len(b[j])
			j++
		default:
			emit(Equal, a[i])
			posA += len(a[i])
			posB += len(b[j])
			i++
			j++
		}
	}
	flush()
	return ops
}

// SourceA reassembles A from the Equal and Delete operations.
func SourceA(ops []Op) string {
	var sb strings.Builder
	for _, op := range ops {
		if op.Kind != Insert {
			sb.WriteString(op.Text)
		}
	}
	return sb.String()
}

// SourceB reassembles B from the Equal and Insert operations.
func SourceB(ops []Op) string {
	var sb strings.Builder
	for _, op := range ops {
		if op.Kind != Delete {
			sb.WriteString(op.Text)
		}
	}
	return sb.String()
}
