package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandControllerLastWriterWins(t *testing.T) {
	c := NewCommandController()

	_, ok := c.Since(0)
	assert.False(t, ok, "empty controller must report no command")

	c.Set(Command{Kind: CommandPause, Reason: "first", Timestamp: 100})
	c.Set(Command{Kind: CommandResume, Timestamp: 200})

	cmd, ok := c.Since(0)
	require.True(t, ok)
	assert.Equal(t, CommandResume, cmd.Kind)
	assert.Equal(t, int64(200), cmd.Timestamp)
}

func TestCommandControllerIgnoresStaleWrites(t *testing.T) {
	c := NewCommandController()
	c.Set(Command{Kind: CommandResume, Timestamp: 200})

	// A command delivered late, stamped before the current one, loses.
	c.Set(Command{Kind: CommandPause, Reason: "late", Timestamp: 150})

	cmd, ok := c.Since(0)
	require.True(t, ok)
	assert.Equal(t, CommandResume, cmd.Kind)

	// Same timestamp is also stale: duplicate deliveries apply once.
	c.Set(Command{Kind: CommandStop, Timestamp: 200})
	cmd, _ = c.Since(0)
	assert.Equal(t, CommandResume, cmd.Kind)
}

func TestCommandControllerSinceTracksApplied(t *testing.T) {
	c := NewCommandController()
	c.Set(Command{Kind: CommandPause, Timestamp: 100})

	cmd, ok := c.Since(0)
	require.True(t, ok)
	assert.Equal(t, CommandPause, cmd.Kind)

	// Once applied, the same command is not reported again.
	_, ok = c.Since(cmd.Timestamp)
	assert.False(t, ok)

	c.Set(Command{Kind: CommandStep, Timestamp: 300})
	cmd, ok = c.Since(100)
	require.True(t, ok)
	assert.Equal(t, CommandStep, cmd.Kind)
}

func TestNewCommandStampsSenderTime(t *testing.T) {
	before := NewCommand(CommandPause, "why")
	assert.Equal(t, CommandPause, before.Kind)
	assert.Equal(t, "why", before.Reason)
	assert.Positive(t, before.Timestamp)

	after := NewCommand(CommandResume, "")
	assert.GreaterOrEqual(t, after.Timestamp, before.Timestamp)
}
