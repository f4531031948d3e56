package tails

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigesterKnownVector(t *testing.T) {
	t.Parallel()

	d := NewDigester()
	_, err := d.Write([]byte("hello world"))
	require.NoError(t, err, "writing payload")

	require.Equal(t, "DULfJyE3WQqNxy3ymuhAChyNR3yufT88pmqvAazKFMG4", d.TextSum(), "base58 sha256 of payload")
}

func TestDigesterChunkedEqualsWhole(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	whole := NewDigester()
	_, err := whole.Write(payload)
	require.NoError(t, err, "writing whole payload")

	chunked := NewDigester()
	for start := 0; start < len(payload); start += claim(len(payload) - start) {
		n := claim(len(payload) - start)
		_, err := chunked.Write(payload[start : start+n])
		require.NoError(t, err, "writing chunk")
	}

	require.Equal(t, whole.TextSum(), chunked.TextSum(), "chunked digest must match whole digest")
}

// claim returns the next chunk length for the chunked-digest test.
func claim(remaining int) int {
	if remaining > 257 {
		return 257
	}
	return remaining
}
