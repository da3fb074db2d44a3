package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{"completed", "Completed", "PUBLISHED", "failed", "Error", " failed "} {
		require.True(t, IsTerminal(s), s)
	}
	for _, s := range []string{"pending", "processing", "queued", ""} {
		require.False(t, IsTerminal(s), s)
	}
}

func TestIsFailure(t *testing.T) {
	require.True(t, IsFailure("failed"))
	require.True(t, IsFailure("ERROR"))
	require.False(t, IsFailure("completed"))
	require.False(t, IsFailure("published"))
}
