package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	assert.True(t, Match("hydro/a/b/c/+/command", "hydro/a/b/c/pump/command"))
	assert.False(t, Match("hydro/a/b/c/+/command", "hydro/a/b/c/pump/telemetry"))
	assert.True(t, Match("hydro/#", "hydro/a/b"))
	assert.False(t, Match("hydro/a", "hydro/a/b"))
	assert.False(t, Match("hydro/a/b", "hydro/a"))
}
