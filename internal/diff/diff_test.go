package diff

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustStrings(t *testing.T, a, b string, opts ...Option) []Op {
	t.Helper()
	res, err := Strings(a, b, opts...)
	require.NoError(t, err)
	return res.Ops
}

func TestStringsEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want []Op
	}{
		{name: "both empty", a: "", b: "", want: []Op{}},
		{name: "empty a", a: "", b: "xyz", want: []Op{{Kind: Insert, Text: "xyz"}}},
		{name: "empty b", a: "xyz", b: "", want: []Op{{Kind: Delete, Text: "xyz"}}},
		{name: "identical", a: "same text", b: "same text", want: []Op{{Kind: Equal, Text: "same text"}}},
		{
			name: "substitution",
			a:    "abc",
			b:    "abd",
			want: []Op{
				{Kind: Equal, Text: "ab"},
				{Kind: Delete, Text: "c", AStart: 2, BStart: 2},
				{Kind: Insert, Text: "d", AStart: 3, BStart: 2},
			},
		},
		{
			name: "middle substitution",
			a:    "abc",
			b:    "axc",
			want: []Op{
				{Kind: Equal, Text: "a"},
				{Kind: Delete, Text: "b", AStart: 1, BStart: 1},
				{Kind: Insert, Text: "x", AStart: 2, BStart: 1},
				{Kind: Equal, Text: "c", AStart: 2, BStart: 2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustStrings(t, tt.a, tt.b)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompute_TokenSlices(t *testing.T) {
	ops := Compute([]string{"the ", "cat ", "sat"}, []string{"the ", "dog ", "sat"})
	require.Len(t, ops, 4)
	assert.Equal(t, Op{Kind: Equal, Text: "the "}, ops[0])
	assert.Equal(t, Op{Kind: Delete, Text: "cat ", AStart: 4, BStart: 4}, ops[1])
	assert.Equal(t, Op{Kind: Insert, Text: "dog ", AStart: 8, BStart: 4}, ops[2])
	assert.Equal(t, Op{Kind: Equal, Text: "sat", AStart: 8, BStart: 8}, ops[3])
}

func lcsLength(a, b []string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func randomText(r *rand.Rand, alphabet string, maxLen int) string {
	n := r.Intn(maxLen + 1)
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteByte(alphabet[r.Intn(len(alphabet))])
	}
	return sb.String()
}

func TestStrings_ReconstructionAndMinimality(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for _, alphabet := range []string{"ab", "abc", "abcd", "ab\n"} {
		for i := 0; i < 500; i++ {
			a := randomText(r, alphabet, 16)
			b := randomText(r, alphabet, 16)

			ops := mustStrings(t, a, b)
			require.Equal(t, a, SourceA(ops), "a=%q b=%q", a, b)
			require.Equal(t, b, SourceB(ops), "a=%q b=%q", a, b)

			want := len(a) + len(b) - 2*lcsLength(codePoints(a), codePoints(b))
			got := Result{Ops: ops}.EditCount(CodePoint)
			require.Equal(t, want, got, "a=%q b=%q ops=%v", a, b, ops)

			for _, op := range ops {
				if op.Kind != Insert {
					require.Equal(t, op.Text, a[op.AStart:op.AStart+len(op.Text)])
				}
				if op.Kind != Delete {
					require.Equal(t, op.Text, b[op.BStart:op.BStart+len(op.Text)])
				}
			}
		}
	}
}

func TestStrings_DeletionPrecedesInsertion(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 300; i++ {
		a := randomText(r, "xyz", 12)
		b := randomText(r, "xyz", 12)
		ops := mustStrings(t, a, b)
		for j := 1; j < len(ops); j++ {
			assert.False(t, ops[j-1].Kind == Insert && ops[j].Kind == Delete, "insert before delete in %v", ops)
			assert.NotEqual(t, ops[j-1].Kind, ops[j].Kind, "unmerged run in %v", ops)
		}
	}
}

func TestStrings_MultiByte(t *testing.T) {
	a := "Überprüfung der Kundenidentität"
	b := "Überprüfung der Kundenidentitäten"
	ops := mustStrings(t, a, b)
	require.Len(t, ops, 2)
	assert.Equal(t, Insert, ops[1].Kind)
	assert.Equal(t, "en", ops[1].Text)
	assert.Equal(t, len(a), ops[1].AStart)

	invalid := "a\xffb"
	ops = mustStrings(t, invalid, "ab")
	assert.Equal(t, invalid, SourceA(ops))
	assert.Equal(t, "ab", SourceB(ops))
}

func TestStrings_LargeDocumentFewEdits(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 2000; i++ {
		sb.WriteString("Customers must be screened against sanctions lists. ")
	}
	a := sb.String()
	b := strings.Replace(a, "sanctions", "consolidated sanctions", 3)
	b = b[:len(b)/2] + "Enhanced due diligence applies. " + b[len(b)/2:]

	ops := mustStrings(t, a, b)
	assert.Equal(t, a, SourceA(ops))
	assert.Equal(t, b, SourceB(ops))
	assert.Equal(t, 3*len("consolidated ")+len("Enhanced due diligence applies. "), Result{Ops: ops}.EditCount(CodePoint))
}

func TestStrings_MaxEditDistance(t *testing.T) {
	_, err := Strings("abc", "xyz", WithMaxEditDistance(5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlignmentTimeout))

	var timeout *AlignmentTimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, 5, timeout.Limit)

	res, err := Strings("abc", "xyz", WithMaxEditDistance(6))
	require.NoError(t, err)
	assert.Equal(t, 6, res.EditCount(CodePoint))

	_, err = Strings("", "abcdef", WithMaxEditDistance(3))
	assert.True(t, errors.Is(err, ErrAlignmentTimeout))

	for _, limit := range []int{0, -1} {
		res, err = Strings("abcdef", "uvwxyz", WithMaxEditDistance(limit))
		require.NoError(t, err, "limit %d", limit)
		assert.Equal(t, 12, res.EditCount(CodePoint))
	}
}

func TestStringsWithFallback(t *testing.T) {
	a := "line one\nline two\nline three\n"
	b := "line one\nline 2\nline three\nline four\n"

	res := StringsWithFallback(a, b, WithMaxEditDistance(2))
	assert.True(t, res.Degraded)
	assert.Equal(t, a, SourceA(res.Ops))
	assert.Equal(t, b, SourceB(res.Ops))
	for _, op := range res.Ops {
		if op.Kind != Equal {
			assert.True(t, strings.HasSuffix(op.Text, "\n"), "line fallback op %q", op.Text)
		}
	}

	exact := StringsWithFallback(a, b)
	assert.False(t, exact.Degraded)
	assert.Equal(t, b, SourceB(exact.Ops))
}

func TestWithGranularity(t *testing.T) {
	a := "cafe\u0301"
	b := "cafe"

	ops := mustStrings(t, a, b)
	assert.Equal(t, []Op{
		{Kind: Equal, Text: "cafe"},
		{Kind: Delete, Text: "\u0301", AStart: 4, BStart: 4},
	}, ops)

	ops = mustStrings(t, a, b, WithGranularity(Grapheme))
	assert.Equal(t, []Op{
		{Kind: Equal, Text: "caf"},
		{Kind: Delete, Text: "e\u0301", AStart: 3, BStart: 3},
		{Kind: Insert, Text: "e", AStart: 6, BStart: 3},
	}, ops)

	ops = mustStrings(t, "the cat sat", "the dog sat", WithGranularity(Word))
	assert.Equal(t, []Op{
		{Kind: Equal, Text: "the "},
		{Kind: Delete, Text: "cat", AStart: 4, BStart: 4},
		{Kind: Insert, Text: "dog", AStart: 7, BStart: 4},
		{Kind: Equal, Text: " sat", AStart: 7, BStart: 7},
	}, ops)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"due", " ", "diligence", ",", " ", "now"}, Tokenize("due diligence, now", Word))
	assert.Equal(t, []string{"a\n", "b\n"}, Tokenize("a\nb\n", Line))
	assert.Equal(t, []string{"a\n", "b"}, Tokenize("a\nb", Line))
	assert.Empty(t, Tokenize("", Line))
	assert.Equal(t, []string{"a", "é", "b"}, Tokenize("aéb", CodePoint))
}

func TestParseGranularity(t *testing.T) {
	for in, want := range map[string]Granularity{
		"":          CodePoint,
		"char":      CodePoint,
		"CodePoint": CodePoint,
		"grapheme":  Grapheme,
		"Word":      Word,
		"line":      Line,
	} {
		got, err := ParseGranularity(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseGranularity("sentence")
	assert.Error(t, err)
}
