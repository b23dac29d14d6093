package blockhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeccakDeterministic(t *testing.T) {
	h := New()
	block := make([]byte, 4096)
	for i := range block {
		block[i] = byte(i)
	}

	a := h.Sum(block)
	b := h.Sum(block)
	require.Equal(t, a, b)
}

func TestKeccakDiffersOnChange(t *testing.T) {
	h := New()
	a := h.Sum(make([]byte, 4096))
	modified := make([]byte, 4096)
	modified[0] = 1
	b := h.Sum(modified)
	require.NotEqual(t, a, b)
}

func TestKeccakVariableLength(t *testing.T) {
	h := New()
	// superblock self-hash covers everything but the trailing hash field
	sub := h.Sum(make([]byte, 4064))
	require.Len(t, sub, Size)
}
