// Package solana implements the wave ledger on Solana: bulk reads walk the
// contract account's signature history, writes submit a memo transaction
// and confirmation polls signature status.
package solana

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/brojonat/waveportal/service/errs"
	"github.com/brojonat/waveportal/service/ledger"
	"github.com/brojonat/waveportal/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// preflightFailureCode is returned by sendTransaction when simulation fails.
const preflightFailureCode = -32002

// ErrMessageTooLong is returned for waves that cannot fit in a memo.
var ErrMessageTooLong = errors.New("message too long")

// Config controls how the ledger talks to the cluster.
type Config struct {
	Contract            solana.PublicKey
	PageSize            int
	ConfirmPollInterval time.Duration
	Commitment          rpc.CommitmentType
}

// Ledger reads and writes waves on Solana.
type Ledger struct {
	rpc     RPCClient
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var (
	_ ledger.Reader = (*Ledger)(nil)
	_ ledger.Writer = (*Ledger)(nil)
)

// NewLedger creates a Solana ledger. If metrics is nil, no metrics will be recorded.
func NewLedger(rpcClient RPCClient, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	if cfg.PageSize <= 0 || cfg.PageSize > 1000 {
		cfg.PageSize = 1000
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = time.Second
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Ledger{
		rpc:     rpcClient,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Contract returns the contract account.
func (l *Ledger) Contract() solana.PublicKey {
	return l.cfg.Contract
}

// ReadAll returns every wave recorded against the contract, oldest first.
func (l *Ledger) ReadAll(ctx context.Context) ([]ledger.RawRecord, error) {
	var (
		records []ledger.RawRecord
		before  solana.Signature
	)
	for {
		limit := l.cfg.PageSize
		opts := &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Before:     before,
			Commitment: l.cfg.Commitment,
		}

		start := time.Now()
		signatures, err := l.rpc.GetSignaturesForAddressWithOpts(ctx, l.cfg.Contract, opts)
		l.metrics.RecordLedgerCall("GetSignaturesForAddress", time.Since(start).Seconds(), err)
		if err != nil {
			return nil, fmt.Errorf("failed to list contract signatures: %w", err)
		}

		l.logger.DebugContext(ctx, "fetched contract signatures",
			"contract", l.cfg.Contract.String(),
			"count", len(signatures),
			"before", before.String(),
		)

		for _, sig := range signatures {
			if sig.Err != nil {
				continue
			}
			rec, err := l.fetchRecord(ctx, sig.Signature)
			switch {
			case errors.Is(err, errNotWave), errors.Is(err, rpc.ErrNotFound):
				l.logger.DebugContext(ctx, "skipping transaction",
					"signature", sig.Signature.String(),
					"reason", err.Error(),
				)
				continue
			case err != nil:
				return nil, err
			}
			records = append(records, rec)
		}

		if len(signatures) < limit {
			break
		}
		before = signatures[len(signatures)-1].Signature
	}

	// Signatures arrive newest first.
	slices.Reverse(records)

	l.logger.InfoContext(ctx, "read waves from ledger",
		"contract", l.cfg.Contract.String(),
		"count", len(records),
	)
	return records, nil
}

// fetchRecord loads one transaction and parses it as a wave. Errors wrap
// rpc.ErrNotFound for transactions not yet visible and errNotWave for
// transactions that carry no wave.
func (l *Ledger) fetchRecord(ctx context.Context, signature solana.Signature) (ledger.RawRecord, error) {
	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     l.cfg.Commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	start := time.Now()
	result, err := l.rpc.GetTransaction(ctx, signature, opts)
	l.metrics.RecordLedgerCall("GetTransaction", time.Since(start).Seconds(), err)
	if err == nil && result == nil {
		err = rpc.ErrNotFound
	}
	if err != nil {
		return ledger.RawRecord{}, fmt.Errorf("failed to get transaction %s: %w", signature, err)
	}

	rec, err := parseWave(signature, result, l.cfg.Contract)
	if err != nil {
		if !errors.Is(err, errNotWave) {
			l.logger.WarnContext(ctx, "failed to parse transaction",
				"signature", signature.String(),
				"error", err,
			)
			err = fmt.Errorf("%w: %w", errNotWave, err)
		}
		return ledger.RawRecord{}, err
	}
	return rec, nil
}

// Write builds, signs and sends a wave. The returned handle tracks
// confirmation.
func (l *Ledger) Write(ctx context.Context, signer ledger.Signer, message string, opts ledger.WriteOptions) (ledger.Handle, error) {
	if len(message) > maxMemoBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit is %d", ErrMessageTooLong, len(message), maxMemoBytes)
	}
	payer := signer.PublicKey()

	start := time.Now()
	latest, err := l.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	l.metrics.RecordLedgerCall("GetLatestBlockhash", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if latest == nil || latest.Value == nil {
		return nil, fmt.Errorf("failed to get latest blockhash: empty response")
	}

	instructions, err := waveInstructions(payer, l.cfg.Contract, message, opts.ComputeUnitLimit, opts.TipLamports)
	if err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction(instructions, latest.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	summary := fmt.Sprintf("wave %q to %s (tip %d lamports, compute limit %d)",
		message, l.cfg.Contract, opts.TipLamports, opts.ComputeUnitLimit)
	if err := signer.SignTransaction(ctx, tx, summary); err != nil {
		return nil, err
	}

	start = time.Now()
	signature, err := l.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: l.cfg.Commitment,
	})
	l.metrics.RecordLedgerCall("SendTransaction", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, classifySendError(err)
	}

	l.logger.InfoContext(ctx, "wave submitted",
		"signature", signature.String(),
		"waver", payer.String(),
	)
	return &pendingWrite{ledger: l, signature: signature}, nil
}

func classifySendError(err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == preflightFailureCode {
		return errs.New(errs.TransactionReverted, "send transaction", err)
	}
	if strings.Contains(err.Error(), "Transaction simulation failed") {
		return errs.New(errs.TransactionReverted, "send transaction", err)
	}
	return fmt.Errorf("failed to send transaction: %w", err)
}

// pendingWrite is the handle for a sent transaction.
type pendingWrite struct {
	ledger    *Ledger
	signature solana.Signature
}

func (p *pendingWrite) Hash() string {
	return p.signature.String()
}

// Wait polls the signature status until the transaction is confirmed, fails,
// or ctx ends.
func (p *pendingWrite) Wait(ctx context.Context) (ledger.Receipt, error) {
	l := p.ledger
	for {
		start := time.Now()
		statuses, err := l.rpc.GetSignatureStatuses(ctx, true, p.signature)
		l.metrics.RecordLedgerCall("GetSignatureStatuses", time.Since(start).Seconds(), err)

		if err != nil {
			l.logger.DebugContext(ctx, "signature status lookup failed",
				"signature", p.signature.String(),
				"error", err,
			)
		} else if statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return ledger.Receipt{}, errs.New(errs.TransactionReverted, "confirm transaction",
					fmt.Errorf("transaction %s failed: %v", p.signature, status.Err))
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return p.receipt(ctx, status.Slot), nil
			}
		}

		select {
		case <-ctx.Done():
			return ledger.Receipt{}, fmt.Errorf("waiting for confirmation of %s: %w", p.signature, ctx.Err())
		case <-time.After(l.cfg.ConfirmPollInterval):
		}
	}
}

func (p *pendingWrite) receipt(ctx context.Context, slot uint64) ledger.Receipt {
	l := p.ledger
	receipt := ledger.Receipt{
		Signature: p.signature.String(),
		Slot:      slot,
	}

	start := time.Now()
	blockTime, err := l.rpc.GetBlockTime(ctx, slot)
	l.metrics.RecordLedgerCall("GetBlockTime", time.Since(start).Seconds(), err)
	if err != nil || blockTime == nil {
		l.logger.WarnContext(ctx, "block time unavailable",
			"signature", p.signature.String(),
			"slot", slot,
			"error", err,
		)
		return receipt
	}
	receipt.BlockTime = blockTime.Time()
	return receipt
}
