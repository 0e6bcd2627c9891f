package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courseportal.dev/consult/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func TestTriggerFor(t *testing.T) {
	patterns, err := config.DefaultPrompts().CompileSearchIntent()
	require.NoError(t, err)

	searchy := "Can you look up the latest guidance on citations?"
	plain := "Explain recursion"

	off := TriggerFor(boolPtr(false), true, patterns)
	assert.False(t, off.IsHeuristic())
	assert.False(t, off.ShouldRetrieve(searchy), "explicit false wins over the heuristic")

	on := TriggerFor(boolPtr(true), true, patterns)
	assert.True(t, on.ShouldRetrieve(plain))

	h := TriggerFor(nil, true, patterns)
	assert.True(t, h.IsHeuristic())
	assert.True(t, h.ShouldRetrieve(searchy))
	assert.False(t, h.ShouldRetrieve(plain))

	disabled := TriggerFor(nil, false, patterns)
	assert.False(t, disabled.ShouldRetrieve(searchy))
	assert.Equal(t, "off", disabled.String())
}
