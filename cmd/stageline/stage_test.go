package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStageData(t *testing.T) {
	data, err := parseStageData([]string{"owner=alice", "budget=1200", "signed=true", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"owner":  "alice",
		"budget": float64(1200),
		"signed": true,
		"note":   "a=b",
	}, data)

	data, err = parseStageData(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	_, err = parseStageData([]string{"novalue"})
	require.Error(t, err)
	_, err = parseStageData([]string{"=x"})
	require.Error(t, err)
}
