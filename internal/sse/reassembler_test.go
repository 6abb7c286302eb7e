package sse

import (
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type testingT interface {
	require.TestingT
	Helper()
}

// collect feeds chunks through a fresh Reassembler and returns every line,
// including the flushed remainder.
func collect(t testingT, sizeHint int, chunks ...string) []string {
	t.Helper()
	r := NewReassembler(sizeHint)
	var lines []string
	emit := func(line []byte) error {
		lines = append(lines, string(line))
		return nil
	}
	for _, c := range chunks {
		require.NoError(t, r.Feed([]byte(c), emit))
	}
	require.NoError(t, r.Flush(emit))
	return lines
}

func TestReassembler_Feed(t *testing.T) {
	tests := []struct {
		name     string
		chunks   []string
		expected []string
	}{
		{
			name:     "single complete line",
			chunks:   []string{"data: hello\n"},
			expected: []string{"data: hello"},
		},
		{
			name:     "line split across chunks",
			chunks:   []string{"data: hel", "lo\n\ndata: world\n"},
			expected: []string{"data: hello", "data: world"},
		},
		{
			name:     "newline arrives alone",
			chunks:   []string{"data: x", "\n"},
			expected: []string{"data: x"},
		},
		{
			name:     "empty lines discarded",
			chunks:   []string{"\n\n\ndata: a\n\n"},
			expected: []string{"data: a"},
		},
		{
			name:     "trailing fragment flushed at end",
			chunks:   []string{"data: a\ndata: tail"},
			expected: []string{"data: a", "data: tail"},
		},
		{
			name:     "carriage returns kept for the extractor",
			chunks:   []string{"data: a\r\n\r\n"},
			expected: []string{"data: a\r", "\r"},
		},
		{
			name:     "byte at a time",
			chunks:   strings.Split("data: abc\nx\n", ""),
			expected: []string{"data: abc", "x"},
		},
		{
			name:     "no input",
			chunks:   nil,
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, collect(t, 8, tt.chunks...))
		})
	}
}

func TestReassembler_KeepsOnlyIncompleteTail(t *testing.T) {
	r := NewReassembler(0)
	noop := func([]byte) error { return nil }

	require.NoError(t, r.Feed([]byte("data: one\ndata: tw"), noop))
	assert.Equal(t, len("data: tw"), r.Buffered())

	require.NoError(t, r.Feed([]byte("o\n"), noop))
	assert.Equal(t, 0, r.Buffered())

	require.NoError(t, r.Feed([]byte("partial"), noop))
	assert.Equal(t, len("partial"), r.Buffered())
}

func TestReassembler_EmitErrorStopsFeed(t *testing.T) {
	r := NewReassembler(0)
	stop := errors.New("consumer gone")

	var seen []string
	err := r.Feed([]byte("a\nb\nc\n"), func(line []byte) error {
		seen = append(seen, string(line))
		if string(line) == "b" {
			return stop
		}
		return nil
	})

	require.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestReassembler_NegativeSizeHint(t *testing.T) {
	assert.Equal(t, []string{"x"}, collect(t, -5, "x\n"))
}

// streamAlphabet builds byte streams dense in line boundaries, prefixes and
// whitespace so that random splits hit the interesting cases.
var streamAlphabet = []string{"data: ", "data:", "d", "a", "é", " ", "\t", "\r", "\n", "\n\n", ":", "event: ping", "[DONE]", "{\"k\":1}"}

func drawStream(t *rapid.T) string {
	pieces := rapid.SliceOfN(rapid.SampledFrom(streamAlphabet), 0, 60).Draw(t, "pieces")
	return strings.Join(pieces, "")
}

func drawPartition(t *rapid.T, s string) []string {
	cuts := rapid.SliceOfN(rapid.IntRange(0, len(s)), 0, 20).Draw(t, "cuts")
	sort.Ints(cuts)
	chunks := make([]string, 0, len(cuts)+1)
	prev := 0
	for _, c := range cuts {
		chunks = append(chunks, s[prev:c])
		prev = c
	}
	return append(chunks, s[prev:])
}

// splitPerLine cuts s right after every newline: one chunk per line boundary.
func splitPerLine(s string) []string {
	return strings.SplitAfter(s, "\n")
}

func TestReassembler_SplitInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stream := drawStream(t)
		chunks := drawPartition(t, stream)
		hint := rapid.IntRange(0, 64).Draw(t, "hint")

		got := collect(t, hint, chunks...)
		want := collect(t, hint, splitPerLine(stream)...)

		if !assert.ObjectsAreEqual(want, got) {
			t.Fatalf("chunks %q produced %q, want %q", chunks, got, want)
		}
	})
}

func TestReassembler_NoBytesLostOrDuplicated(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stream := drawStream(t)
		got := collect(t, 0, drawPartition(t, stream)...)

		var want []string
		for _, line := range strings.Split(stream, "\n") {
			if line != "" {
				want = append(want, line)
			}
		}

		if strings.Join(got, "\n") != strings.Join(want, "\n") {
			t.Fatalf("stream %q reassembled to %q, want %q", stream, got, want)
		}
	})
}
