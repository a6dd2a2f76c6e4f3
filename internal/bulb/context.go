package bulb

import (
	"math"
	"time"

	"github.com/dokzlo13/milightd/internal/milight"
)

// Context is the last observed state of a bulb and when it was observed.
type Context struct {
	State    milight.DeviceState
	SyncedAt time.Time
}

// Synced reports whether the context has ever been refreshed from the hub.
func (c Context) Synced() bool {
	return !c.SyncedAt.IsZero()
}

// Age returns how long ago the context was refreshed.
// A never-synced context is infinitely old.
func (c Context) Age(now time.Time) time.Duration {
	if !c.Synced() {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(c.SyncedAt)
}

// observe replaces the cached state with a fresh hub response. A response
// without a bulb mode keeps the previously known mode.
func (c *Context) observe(state milight.DeviceState, at time.Time) {
	if state.Mode == milight.ModeUnknown {
		state.Mode = c.State.Mode
	}
	c.State = state
	c.SyncedAt = at
}
