package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogStoreParsesLevelPrefix(t *testing.T) {
	l := NewLogStore()
	l.Append("hello", 0, "stdout", "[INFO] listening on :15001")

	lines := l.Lines("hello")
	require.Len(t, lines, 1)
	assert.Equal(t, "INFO", lines[0].Level)
	assert.Equal(t, "listening on :15001", lines[0].Message)
	assert.Equal(t, "stdout", lines[0].Stream)
}

func TestLogStoreKeepsRawMessageWhenUnparseable(t *testing.T) {
	l := NewLogStore()
	l.Append("hello", 0, "stderr", "panic: boom")

	lines := l.Lines("hello")
	require.Len(t, lines, 1)
	assert.Empty(t, lines[0].Level)
	assert.Equal(t, "panic: boom", lines[0].Message)
}

func TestLogStoreEvictsOldestBeyondCap(t *testing.T) {
	l := NewLogStore()
	for i := 0; i < MaxStoredLogLines+10; i++ {
		l.Append("hello", 0, "stdout", "[INFO] tick")
	}

	lines := l.Lines("hello")
	assert.Len(t, lines, MaxStoredLogLines)
}

func TestLogStoreUnknownServiceReturnsEmpty(t *testing.T) {
	l := NewLogStore()
	assert.Empty(t, l.Lines("nowhere"))
}
