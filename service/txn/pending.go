package txn

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// Pending transaction states.
const (
	StateSubmitted = "submitted"
	StateMined     = "mined"
	StateFailed    = "failed"
)

const (
	eventMine = "mine"
	eventFail = "fail"
)

// Pending is a write that has been acknowledged by the ledger. It is
// discarded once it reaches a terminal state.
type Pending struct {
	Handle      string
	SubmittedAt time.Time

	mu      sync.Mutex
	machine *fsm.FSM
}

func newPending(handle string, at time.Time) *Pending {
	return &Pending{
		Handle:      handle,
		SubmittedAt: at,
		machine: fsm.NewFSM(
			StateSubmitted,
			fsm.Events{
				{Name: eventMine, Src: []string{StateSubmitted}, Dst: StateMined},
				{Name: eventFail, Src: []string{StateSubmitted}, Dst: StateFailed},
			},
			fsm.Callbacks{},
		),
	}
}

// State returns the current state.
func (p *Pending) State() string {
	return p.machine.Current()
}

func (p *Pending) transition(ctx context.Context, event string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Event(ctx, event)
}

// PendingInfo is a snapshot of the in-flight write.
type PendingInfo struct {
	Handle      string    `json:"handle"`
	SubmittedAt time.Time `json:"submitted_at"`
	State       string    `json:"state"`
}

func (p *Pending) info() PendingInfo {
	return PendingInfo{Handle: p.Handle, SubmittedAt: p.SubmittedAt, State: p.State()}
}
