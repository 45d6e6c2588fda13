// Package portal is the host component: it owns the pending message text,
// wires the wallet session, record store, coordinator and notification queue
// together, and publishes state snapshots to the render surface.
package portal

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/brojonat/waveportal/service/notify"
	"github.com/brojonat/waveportal/service/records"
	"github.com/brojonat/waveportal/service/txn"
	"github.com/brojonat/waveportal/service/wallet"
)

// State is everything the render surface draws.
type State struct {
	Account            string                `json:"account"`
	PendingMessageText string                `json:"pending_message_text"`
	Records            []records.Record      `json:"records"`
	Notifications      []notify.Notification `json:"notifications"`
	InFlight           bool                  `json:"in_flight"`
	Pending            *txn.PendingInfo      `json:"pending,omitempty"`
	// TotalWaves counts the reconciled records held locally. It is not read
	// from the program.
	TotalWaves         int                   `json:"total_waves"`
	FeedActive         bool                  `json:"feed_active"`
}

// Portal coordinates one user's view.
type Portal struct {
	session       *wallet.Session
	store         *records.Store
	coordinator   *txn.Coordinator
	notifications *notify.Queue
	logger        *slog.Logger

	// bmu serializes broadcasts so watchers never see an older snapshot
	// after a newer one.
	bmu sync.Mutex

	mu       sync.Mutex
	message  string
	mounted  bool
	closed   bool
	watchers map[int]chan State
	nextID   int
}

// New wires the components. Successful connects activate and load the
// store; acknowledged submissions clear the pending text.
func New(session *wallet.Session, store *records.Store, coordinator *txn.Coordinator, notifications *notify.Queue, logger *slog.Logger) *Portal {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	p := &Portal{
		session:       session,
		store:         store,
		coordinator:   coordinator,
		notifications: notifications,
		logger:        logger,
		watchers:      make(map[int]chan State),
	}

	// The feed opens before the bulk read so a wave landing between the
	// read's snapshot and the subscription is still delivered.
	session.OnConnect(func(ctx context.Context, account string) {
		p.store.Activate(ctx)
		p.store.LoadAll(ctx)
	})
	coordinator.OnSubmitted(func(string) {
		p.mu.Lock()
		p.message = ""
		p.mu.Unlock()
	})

	store.OnChange(p.broadcast)
	coordinator.OnChange(p.broadcast)
	notifications.OnChange(p.broadcast)
	return p
}

// Mount runs once per portal: it checks for an existing authorization,
// activates the live feed and, if already connected, loads the log.
func (p *Portal) Mount(ctx context.Context) {
	p.mu.Lock()
	if p.mounted {
		p.mu.Unlock()
		return
	}
	p.mounted = true
	p.mu.Unlock()

	account, _ := p.session.CheckExistingAuthorization(ctx)
	p.store.Activate(ctx)
	if account != "" {
		p.store.LoadAll(ctx)
	}
	p.logger.InfoContext(ctx, "portal mounted", "account", account)
}

// Connect asks the wallet for access.
func (p *Portal) Connect(ctx context.Context) error {
	_, err := p.session.Connect(ctx)
	p.broadcast()
	return err
}

// SetMessageText replaces the pending message.
func (p *Portal) SetMessageText(text string) {
	p.mu.Lock()
	p.message = text
	p.mu.Unlock()
	p.broadcast()
}

// Submit sends the pending message and waits for confirmation.
func (p *Portal) Submit(ctx context.Context) (*txn.Result, error) {
	p.mu.Lock()
	message := p.message
	p.mu.Unlock()

	res, err := p.coordinator.Submit(ctx, message)
	p.broadcast()
	return res, err
}

// Dismiss closes a notification.
func (p *Portal) Dismiss(id string) bool {
	return p.notifications.Dismiss(id)
}

// Refresh re-reads the log and reopens the live feed if it dropped.
func (p *Portal) Refresh(ctx context.Context) error {
	activateErr := p.store.Activate(ctx)
	if err := p.store.LoadAll(ctx); err != nil {
		return err
	}
	return activateErr
}

// State returns a snapshot.
func (p *Portal) State() State {
	p.mu.Lock()
	message := p.message
	p.mu.Unlock()

	st := State{
		Account:            p.session.Account(),
		PendingMessageText: message,
		Records:            p.store.Records(),
		Notifications:      p.notifications.List(),
		TotalWaves:         p.store.Len(),
		FeedActive:         p.store.Active(),
	}
	if info, ok := p.coordinator.InFlight(); ok {
		st.InFlight = true
		st.Pending = &info
	}
	return st
}

// Watch streams state snapshots until ctx ends. Slow readers only see the
// latest snapshot.
func (p *Portal) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, 1)
	ch <- p.State()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(ch)
		return ch
	}
	id := p.nextID
	p.nextID++
	p.watchers[id] = ch
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.watchers[id]; ok {
			delete(p.watchers, id)
			close(ch)
		}
	}()
	return ch
}

func (p *Portal) broadcast() {
	p.bmu.Lock()
	defer p.bmu.Unlock()

	p.mu.Lock()
	if p.closed || len(p.watchers) == 0 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	st := p.State()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.watchers {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// Close releases the live feed, stops notification timers and ends all
// watches.
func (p *Portal) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id, ch := range p.watchers {
		delete(p.watchers, id)
		close(ch)
	}
	p.mu.Unlock()

	p.store.Deactivate()
	p.notifications.Close()
	p.logger.Info("portal closed")
}
