package core

import "sync"

// rollbackGuard runs its action once when fired, unless it has been disarmed.
type rollbackGuard struct {
	action func()
	armed  bool
	once   sync.Once
}

func newRollbackGuard(action func()) *rollbackGuard {
	return &rollbackGuard{action: action, armed: true}
}

// Disarm must only be called on the success path.
func (g *rollbackGuard) Disarm() {
	g.armed = false
}

// Fire is deferred right after the guard is created.
func (g *rollbackGuard) Fire() {
	if !g.armed {
		return
	}
	g.once.Do(g.action)
}
