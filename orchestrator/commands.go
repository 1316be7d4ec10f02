package orchestrator

import (
	"sync"
	"time"
)

// CommandKind names one control command.
type CommandKind string

// Commands carried on the COMMAND topic.
const (
	CommandStop   CommandKind = "STOP"
	CommandPause  CommandKind = "PAUSE"
	CommandResume CommandKind = "RESUME"
	CommandStep   CommandKind = "STEP"
)

// Command is one control instruction. Timestamp is assigned by the sender
// and orders commands: holders keep only the newest one, so duplicate
// deliveries and stale retries are idempotent.
type Command struct {
	Kind      CommandKind `json:"command"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp int64       `json:"commandTimestamp"`
}

// NewCommand stamps a command with the current time.
func NewCommand(kind CommandKind, reason string) Command {
	return Command{Kind: kind, Reason: reason, Timestamp: time.Now().UnixNano()}
}

// CommandController shares the latest debugger command between the
// workflow's polling loop and the engine-side timer inside the atomic step.
// Writes are last-writer-wins on the command timestamp; readers either see
// the previous command or a strictly newer one.
type CommandController struct {
	mu  sync.Mutex
	cur Command
}

// NewCommandController returns an empty controller.
func NewCommandController() *CommandController {
	return &CommandController{}
}

// Set records cmd unless a command with an equal or newer timestamp is
// already held.
func (c *CommandController) Set(cmd Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cmd.Timestamp <= c.cur.Timestamp {
		return
	}
	c.cur = cmd
}

// Since returns the held command when it is strictly newer than after.
func (c *CommandController) Since(after int64) (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur.Timestamp <= after {
		return Command{}, false
	}
	return c.cur, true
}
