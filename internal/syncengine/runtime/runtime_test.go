package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	stream string
	line   string
}

func TestLineWriterSplitsLines(t *testing.T) {
	var got []captured
	w := newLineWriter("c-1", "stdout", func(_, stream, line string) {
		got = append(got, captured{stream, line})
	})

	_, err := w.Write([]byte("hello\nwor"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ld\n"))
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, captured{"stdout", "hello"}, got[0])
	assert.Equal(t, captured{"stdout", "world"}, got[1])
}

func TestLineWriterHoldsPartialLine(t *testing.T) {
	var got []captured
	w := newLineWriter("c-1", "stderr", func(_, stream, line string) {
		got = append(got, captured{stream, line})
	})

	_, err := w.Write([]byte("no newline yet"))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = w.Write([]byte(" and now\n"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "no newline yet and now", got[0].line)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcdef123456", shortID("abcdef1234567890"))
	assert.Equal(t, "short", shortID("short"))
}
