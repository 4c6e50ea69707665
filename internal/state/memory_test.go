package state

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampleRSSOwnProcess(t *testing.T) {
	bytes, ok := SampleRSS(os.Getpid())
	if !ok {
		t.Skip("no /proc filesystem on this platform")
	}
	assert.Greater(t, bytes, int64(0))
}

func TestSampleRSSMissingProcess(t *testing.T) {
	_, ok := SampleRSS(1 << 30)
	assert.False(t, ok)
}
