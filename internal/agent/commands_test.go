package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	assert.Nil(t, ParseCommand("hello"))
	assert.Nil(t, ParseCommand("/"))

	cmd := ParseCommand("  /Research@hearth_bot   what is  a heron? ")
	require.NotNil(t, cmd)
	assert.Equal(t, "research", cmd.Name)
	assert.Equal(t, []string{"what", "is", "a", "heron?"}, cmd.Args)
	assert.Equal(t, "what is  a heron?", cmd.Rest)
}

func TestCommandProfiles_Match(t *testing.T) {
	cmds := CommandProfiles{"research": "research"}

	profile, rest, ok := cmds.Match("/research find herons")
	assert.True(t, ok)
	assert.Equal(t, "research", profile)
	assert.Equal(t, "find herons", rest)

	_, rest, ok = cmds.Match("/unknown stuff")
	assert.False(t, ok)
	assert.Equal(t, "/unknown stuff", rest)

	_, _, ok = CommandProfiles(nil).Match("/research x")
	assert.False(t, ok)
}
