package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"param1_kb=64", "ratio=0.5", "verbose=true", "label=L1 cache", "timeout=2.5"})

	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"param1_kb": int64(64),
		"ratio":     0.5,
		"verbose":   true,
		"label":     "L1 cache",
		"timeout":   2.5,
	}, params)
}

func TestParseParamsRejectsMalformed(t *testing.T) {
	_, err := parseParams([]string{"novalue"})
	assert.Error(t, err)

	_, err = parseParams([]string{"=1"})
	assert.Error(t, err)

	params, err := parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"discover", "info", "list", "execute", "cancel", "raw"} {
		assert.True(t, names[want], want)
	}
}
