package wallet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/brojonat/waveportal/service/errs"
	"github.com/brojonat/waveportal/service/ledger"
	"github.com/brojonat/waveportal/service/metrics"
	"github.com/brojonat/waveportal/service/notify"
	"github.com/looplab/fsm"
)

// Session states.
const (
	StateDisconnected = "disconnected"
	StateConnected    = "connected"
)

const eventConnect = "connect"

// Session is the connection state machine. It only moves from disconnected
// to connected; a failed reconnect never drops an established account.
type Session struct {
	provider      Provider
	notifications *notify.Queue
	logger        *slog.Logger
	metrics       *metrics.Metrics

	mu      sync.Mutex
	machine *fsm.FSM
	account string
	hooks   []func(ctx context.Context, account string)
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// NewSession creates a disconnected session. provider may be nil.
func NewSession(provider Provider, notifications *notify.Queue, opts ...Option) *Session {
	s := &Session{
		provider:      provider,
		notifications: notifications,
		logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.machine = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected}, Dst: StateConnected},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				s.logger.InfoContext(ctx, "wallet session state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

// OnConnect registers fn to run after every successful Connect. Hooks run
// synchronously, outside the session lock.
func (s *Session) OnConnect(fn func(ctx context.Context, account string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Account returns the connected account, or "" when disconnected.
func (s *Session) Account() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// State returns the current state name.
func (s *Session) State() string {
	return s.machine.Current()
}

// Ready reports whether writes and reads can proceed.
func (s *Session) Ready() error {
	if s.provider == nil {
		return errs.New(errs.ProviderMissing, "wallet ready", errs.ErrProviderMissing)
	}
	if s.Account() == "" {
		return errs.New(errs.NotConnected, "wallet ready", errs.ErrNotConnected)
	}
	return nil
}

// CheckExistingAuthorization connects silently if the provider already
// authorized an account. It never prompts and never runs OnConnect hooks.
func (s *Session) CheckExistingAuthorization(ctx context.Context) (string, error) {
	if s.provider == nil {
		s.logger.WarnContext(ctx, "no wallet provider found")
		s.notifications.Push(notify.Warning, "Wallet not found", "Install a wallet to connect.")
		s.metrics.RecordWalletConnect("silent", "provider_missing")
		return "", errs.New(errs.ProviderMissing, "check authorization", errs.ErrProviderMissing)
	}
	s.logger.DebugContext(ctx, "found wallet provider", "provider", s.provider.Name())

	accounts, err := s.provider.AuthorizedAccounts(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to query authorized accounts", "error", err)
		s.notifications.Push(notify.Warning, "Wallet check failed", err.Error())
		s.metrics.RecordWalletConnect("silent", "error")
		return "", errs.New(errs.Unknown, "check authorization", err)
	}
	if len(accounts) == 0 {
		s.logger.InfoContext(ctx, "no authorized account found")
		s.notifications.Push(notify.Info, "No authorized account", "Connect your wallet to wave.")
		s.metrics.RecordWalletConnect("silent", "none")
		return "", nil
	}

	account := accounts[0]
	if err := s.setAccount(ctx, account); err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "found an authorized account", "account", account)
	s.notifications.Push(notify.Success, "Wallet connected", fmt.Sprintf("%s via %s", account, s.provider.Name()))
	s.metrics.RecordWalletConnect("silent", "connected")
	return account, nil
}

// Connect prompts the provider for account access. On success the OnConnect
// hooks run; on failure the session is unchanged and Connect may be retried.
func (s *Session) Connect(ctx context.Context) (string, error) {
	if s.provider == nil {
		s.logger.WarnContext(ctx, "connect requested without a wallet provider")
		s.notifications.Push(notify.Error, "Wallet not found", "Install a wallet to connect.")
		s.metrics.RecordWalletConnect("prompt", "provider_missing")
		return "", errs.New(errs.ProviderMissing, "connect", errs.ErrProviderMissing)
	}

	accounts, err := s.provider.RequestAccounts(ctx)
	if err == nil && len(accounts) == 0 {
		err = fmt.Errorf("provider returned no accounts")
	}
	if err != nil {
		s.logger.WarnContext(ctx, "wallet connection denied", "error", err)
		s.notifications.Push(notify.Error, "Connection denied", err.Error())
		s.metrics.RecordWalletConnect("prompt", "denied")
		return "", errs.New(errs.PermissionDenied, "connect", err)
	}

	account := accounts[0]
	if err := s.setAccount(ctx, account); err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "wallet connected", "account", account)
	s.notifications.Push(notify.Success, "Wallet connected", account)
	s.metrics.RecordWalletConnect("prompt", "connected")

	s.mu.Lock()
	hooks := make([]func(context.Context, string), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx, account)
	}
	return account, nil
}

func (s *Session) setAccount(ctx context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.Is(StateDisconnected) {
		if err := s.machine.Event(ctx, eventConnect); err != nil {
			return errs.New(errs.Unknown, "connect", err)
		}
	}
	s.account = account
	return nil
}

// Signer returns a signer for the connected account.
func (s *Session) Signer(ctx context.Context) (ledger.Signer, error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	signer, err := s.provider.Signer(ctx, s.Account())
	if err != nil {
		return nil, errs.New(errs.SubmissionRejected, "signer", err)
	}
	return signer, nil
}
