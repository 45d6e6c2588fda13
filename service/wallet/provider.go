// Package wallet tracks the user's wallet connection and exposes a signer for
// the connected account.
package wallet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/brojonat/waveportal/service/errs"
	"github.com/brojonat/waveportal/service/ledger"
	"github.com/gagliardetto/solana-go"
)

// Provider is the external wallet. A nil Provider means no wallet is
// installed.
type Provider interface {
	// Name identifies the provider in diagnostics.
	Name() string
	// RequestAccounts asks the user for account access.
	RequestAccounts(ctx context.Context) ([]string, error)
	// AuthorizedAccounts returns accounts already authorized, without
	// prompting.
	AuthorizedAccounts(ctx context.Context) ([]string, error)
	// Signer returns a signer for an authorized account.
	Signer(ctx context.Context, account string) (ledger.Signer, error)
}

// Approver asks the user to confirm wallet actions.
type Approver interface {
	ApproveConnection(ctx context.Context, account string) (bool, error)
	ApproveTransaction(ctx context.Context, account, summary string) (bool, error)
}

// AutoApprove approves everything. The server uses it because the HTTP intent
// itself is the user's confirmation.
type AutoApprove struct{}

func (AutoApprove) ApproveConnection(context.Context, string) (bool, error) { return true, nil }
func (AutoApprove) ApproveTransaction(context.Context, string, string) (bool, error) { return true, nil }

// PromptApprover asks on a terminal. Anything other than y/yes declines.
type PromptApprover struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func NewPromptApprover(in io.Reader, out io.Writer) *PromptApprover {
	return &PromptApprover{in: bufio.NewReader(in), out: out}
}

func (p *PromptApprover) ApproveConnection(ctx context.Context, account string) (bool, error) {
	return p.ask(fmt.Sprintf("Connect account %s? [y/N] ", account))
}

func (p *PromptApprover) ApproveTransaction(ctx context.Context, account, summary string) (bool, error) {
	return p.ask(fmt.Sprintf("Sign %s from %s? [y/N] ", summary, account))
}

func (p *PromptApprover) ask(question string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := io.WriteString(p.out, question); err != nil {
		return false, err
	}
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// KeypairProvider is a wallet backed by a local Solana keypair.
type KeypairProvider struct {
	key      solana.PrivateKey
	approver Approver

	mu         sync.Mutex
	authorized bool
}

var _ Provider = (*KeypairProvider)(nil)

// NewKeypairProvider wraps key. If preAuthorized is true the account is
// returned by AuthorizedAccounts without a prompt.
func NewKeypairProvider(key solana.PrivateKey, approver Approver, preAuthorized bool) *KeypairProvider {
	if approver == nil {
		approver = AutoApprove{}
	}
	return &KeypairProvider{
		key:        key,
		approver:   approver,
		authorized: preAuthorized,
	}
}

// LoadKeypairProvider reads a solana-keygen JSON keypair file. Accounts
// listed in authorized are treated as already connected.
func LoadKeypairProvider(path string, approver Approver, authorized []string) (*KeypairProvider, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair %s: %w", path, err)
	}
	account := key.PublicKey().String()
	pre := false
	for _, a := range authorized {
		if a == account {
			pre = true
			break
		}
	}
	return NewKeypairProvider(key, approver, pre), nil
}

func (p *KeypairProvider) Name() string {
	return "keypair:" + p.key.PublicKey().String()
}

func (p *KeypairProvider) RequestAccounts(ctx context.Context) ([]string, error) {
	account := p.key.PublicKey().String()
	ok, err := p.approver.ApproveConnection(ctx, account)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrUserRejected
	}

	p.mu.Lock()
	p.authorized = true
	p.mu.Unlock()
	return []string{account}, nil
}

func (p *KeypairProvider) AuthorizedAccounts(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.authorized {
		return nil, nil
	}
	return []string{p.key.PublicKey().String()}, nil
}

func (p *KeypairProvider) Signer(ctx context.Context, account string) (ledger.Signer, error) {
	if account != p.key.PublicKey().String() {
		return nil, fmt.Errorf("account %s is not held by this wallet", account)
	}
	p.mu.Lock()
	authorized := p.authorized
	p.mu.Unlock()
	if !authorized {
		return nil, errs.ErrNotConnected
	}
	return &keypairSigner{key: p.key, approver: p.approver}, nil
}

type keypairSigner struct {
	key      solana.PrivateKey
	approver Approver
}

func (s *keypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *keypairSigner) SignTransaction(ctx context.Context, tx *solana.Transaction, summary string) error {
	pub := s.key.PublicKey()
	ok, err := s.approver.ApproveTransaction(ctx, pub.String(), summary)
	if err != nil {
		return errs.New(errs.SubmissionRejected, "approve transaction", err)
	}
	if !ok {
		return errs.New(errs.SubmissionRejected, "approve transaction", errs.ErrUserRejected)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}
