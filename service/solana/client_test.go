package solana

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/waveportal/service/errs"
	"github.com/brojonat/waveportal/service/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu sync.Mutex

	signatures   []*rpc.TransactionSignature // newest first
	transactions map[string]*rpc.GetTransactionResult
	err          error

	sendErr   error
	sent      []*solana.Transaction
	statuses  []*rpc.SignatureStatusesResult // returned in order, last one repeats
	statusN   int
	blockTime *solana.UnixTimeSeconds
}

func (m *mockRPCClient) GetSignaturesForAddressWithOpts(
	ctx context.Context,
	account solana.PublicKey,
	opts *rpc.GetSignaturesForAddressOpts,
) ([]*rpc.TransactionSignature, error) {
	if m.err != nil {
		return nil, m.err
	}
	start := 0
	if opts.Before != (solana.Signature{}) {
		for i, sig := range m.signatures {
			if sig.Signature.Equals(opts.Before) {
				start = i + 1
			}
		}
	}
	end := len(m.signatures)
	if opts.Limit != nil && start+*opts.Limit < end {
		end = start + *opts.Limit
	}
	return m.signatures[start:end], nil
}

func (m *mockRPCClient) GetTransaction(
	ctx context.Context,
	signature solana.Signature,
	opts *rpc.GetTransactionOpts,
) (*rpc.GetTransactionResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	result, ok := m.transactions[signature.String()]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return result, nil
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1, 2, 3}},
	}, nil
}

func (m *mockRPCClient) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	return testSig1, nil
}

func (m *mockRPCClient) GetSignatureStatuses(
	ctx context.Context,
	searchTransactionHistory bool,
	signatures ...solana.Signature,
) (*rpc.GetSignatureStatusesResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.statuses) == 0 {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	idx := min(m.statusN, len(m.statuses)-1)
	m.statusN++
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{m.statuses[idx]}}, nil
}

func (m *mockRPCClient) GetBlockTime(ctx context.Context, block uint64) (*solana.UnixTimeSeconds, error) {
	if m.blockTime == nil {
		return nil, errors.New("block not available")
	}
	return m.blockTime, nil
}

func newTestLedger(mock *mockRPCClient, pageSize int) *Ledger {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLedger(mock, Config{
		Contract:            testContract,
		PageSize:            pageSize,
		ConfirmPollInterval: time.Millisecond,
	}, nil, logger)
}

// fakeSigner records what it was asked to sign.
type fakeSigner struct {
	key     solana.PublicKey
	err     error
	summary string
}

func (s *fakeSigner) PublicKey() solana.PublicKey { return s.key }

func (s *fakeSigner) SignTransaction(ctx context.Context, tx *solana.Transaction, summary string) error {
	s.summary = summary
	return s.err
}

func TestReadAll_PaginatesOldestFirst(t *testing.T) {
	ctx := context.Background()

	other := solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	failedSig := solana.Signature{9, 9, 9}

	mock := &mockRPCClient{
		signatures: []*rpc.TransactionSignature{
			{Signature: testSig3, Slot: 30},
			{Signature: failedSig, Slot: 25, Err: map[string]any{"InstructionError": []any{0, "Custom"}}},
			{Signature: testSig2, Slot: 20},
			{Signature: testSig1, Slot: 10},
		},
		transactions: map[string]*rpc.GetTransactionResult{
			testSig1.String(): makeResult(t, waveTx(testWaver, testContract, []byte("first")), 10, 100),
			testSig2.String(): makeResult(t, waveTx(testWaver, other, []byte("not ours")), 20, 200),
			testSig3.String(): makeResult(t, waveTx(testWaver, testContract, []byte("third")), 30, 300),
		},
	}

	records, err := newTestLedger(mock, 2).ReadAll(ctx)

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "first", records[0].Message)
	assert.Equal(t, int64(100), records[0].Timestamp)
	assert.Equal(t, "third", records[1].Message)
	assert.Equal(t, testWaver.String(), records[1].Waver)
}

func TestReadAll_SkipsMissingTransactions(t *testing.T) {
	mock := &mockRPCClient{
		signatures: []*rpc.TransactionSignature{{Signature: testSig1, Slot: 10}},
	}

	records, err := newTestLedger(mock, 10).ReadAll(context.Background())

	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReadAll_ErrorFromRPC(t *testing.T) {
	mock := &mockRPCClient{err: assert.AnError}

	records, err := newTestLedger(mock, 10).ReadAll(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, records)
}

func TestWrite_BuildsWaveTransaction(t *testing.T) {
	mock := &mockRPCClient{}
	signer := &fakeSigner{key: testWaver}

	handle, err := newTestLedger(mock, 10).Write(context.Background(), signer, "gm", ledger.WriteOptions{
		ComputeUnitLimit: 500000,
		TipLamports:      1000,
	})

	require.NoError(t, err)
	assert.Equal(t, testSig1.String(), handle.Hash())
	assert.Contains(t, signer.summary, `"gm"`)
	require.Len(t, mock.sent, 1)

	tx := mock.sent[0]
	keys := tx.Message.AccountKeys
	require.NotEmpty(t, keys)
	assert.Equal(t, testWaver, keys[0], "waver pays the fee")
	assert.Contains(t, keys, testContract)
	require.Len(t, tx.Message.Instructions, 3)

	// SetComputeUnitLimit: u8 discriminator 2, then the units.
	wantBudget := []byte{2, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(wantBudget[1:], 500000)
	budget := tx.Message.Instructions[0]
	assert.Equal(t, solana.ComputeBudget, keys[budget.ProgramIDIndex])
	assert.Equal(t, wantBudget, []byte(budget.Data))

	// System transfer: u32 discriminator 2, then the lamports.
	wantTransfer := make([]byte, 12)
	binary.LittleEndian.PutUint32(wantTransfer[0:4], 2)
	binary.LittleEndian.PutUint64(wantTransfer[4:12], 1000)
	transfer := tx.Message.Instructions[1]
	assert.Equal(t, solana.SystemProgramID, keys[transfer.ProgramIDIndex])
	assert.Equal(t, wantTransfer, []byte(transfer.Data))
	require.Len(t, transfer.Accounts, 2)
	assert.Equal(t, testWaver, keys[transfer.Accounts[0]])
	assert.Equal(t, testContract, keys[transfer.Accounts[1]])

	memo := tx.Message.Instructions[2]
	assert.Equal(t, solana.MemoProgramID, keys[memo.ProgramIDIndex])
	assert.True(t, bytes.Equal([]byte("gm"), memo.Data), "memo data is the raw message")
}

func TestWaveInstructions(t *testing.T) {
	t.Run("zero tip still transfers to the contract", func(t *testing.T) {
		instructions, err := waveInstructions(testWaver, testContract, "gm", 0, 0)
		require.NoError(t, err)
		require.Len(t, instructions, 2)

		transfer := instructions[0]
		assert.Equal(t, solana.SystemProgramID, transfer.ProgramID())
		accounts := transfer.Accounts()
		require.Len(t, accounts, 2)
		assert.Equal(t, testContract, accounts[1].PublicKey)
		assert.True(t, accounts[1].IsWritable)
	})

	t.Run("empty message is an empty memo", func(t *testing.T) {
		instructions, err := waveInstructions(testWaver, testContract, "", 0, 0)
		require.NoError(t, err)
		require.Len(t, instructions, 2)

		memo := instructions[1]
		assert.Equal(t, solana.MemoProgramID, memo.ProgramID())
		data, err := memo.Data()
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("compute limit above the runtime maximum", func(t *testing.T) {
		_, err := waveInstructions(testWaver, testContract, "gm", 1_400_001, 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid compute unit limit")
	})
}

func TestWrite_NoComputeLimit(t *testing.T) {
	mock := &mockRPCClient{}

	_, err := newTestLedger(mock, 10).Write(context.Background(), &fakeSigner{key: testWaver}, "gm", ledger.WriteOptions{})

	require.NoError(t, err)
	require.Len(t, mock.sent, 1)
	assert.Len(t, mock.sent[0].Message.Instructions, 2)
}

func TestWrite_SignerRejection(t *testing.T) {
	mock := &mockRPCClient{}
	signer := &fakeSigner{key: testWaver, err: errs.New(errs.SubmissionRejected, "sign", errs.ErrUserRejected)}

	handle, err := newTestLedger(mock, 10).Write(context.Background(), signer, "gm", ledger.WriteOptions{})

	require.Error(t, err)
	assert.Nil(t, handle)
	assert.Equal(t, errs.SubmissionRejected, errs.KindOf(err))
	assert.Empty(t, mock.sent, "nothing is sent after a rejected signature")
}

func TestWrite_PreflightFailureIsReverted(t *testing.T) {
	mock := &mockRPCClient{sendErr: &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed"}}

	_, err := newTestLedger(mock, 10).Write(context.Background(), &fakeSigner{key: testWaver}, "gm", ledger.WriteOptions{})

	require.Error(t, err)
	assert.Equal(t, errs.TransactionReverted, errs.KindOf(err))
}

func TestWrite_OtherSendErrorsPassThrough(t *testing.T) {
	mock := &mockRPCClient{sendErr: errors.New("connection reset")}

	_, err := newTestLedger(mock, 10).Write(context.Background(), &fakeSigner{key: testWaver}, "gm", ledger.WriteOptions{})

	require.Error(t, err)
	assert.Equal(t, errs.Unknown, errs.KindOf(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestWrite_MessageTooLong(t *testing.T) {
	mock := &mockRPCClient{}
	long := string(bytes.Repeat([]byte("a"), maxMemoBytes+1))

	_, err := newTestLedger(mock, 10).Write(context.Background(), &fakeSigner{key: testWaver}, long, ledger.WriteOptions{})

	assert.ErrorIs(t, err, ErrMessageTooLong)
}

func TestWait_PollsUntilConfirmed(t *testing.T) {
	bt := solana.UnixTimeSeconds(1700000000)
	mock := &mockRPCClient{
		statuses: []*rpc.SignatureStatusesResult{
			nil,
			{Slot: 77, ConfirmationStatus: rpc.ConfirmationStatusProcessed},
			{Slot: 77, ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
		},
		blockTime: &bt,
	}
	l := newTestLedger(mock, 10)

	handle, err := l.Write(context.Background(), &fakeSigner{key: testWaver}, "gm", ledger.WriteOptions{})
	require.NoError(t, err)

	receipt, err := handle.Wait(context.Background())

	require.NoError(t, err)
	assert.Equal(t, uint64(77), receipt.Slot)
	assert.Equal(t, testSig1.String(), receipt.Signature)
	assert.Equal(t, int64(1700000000), receipt.BlockTime.Unix())
	assert.Equal(t, 3, mock.statusN)
}

func TestWait_MissingBlockTime(t *testing.T) {
	mock := &mockRPCClient{
		statuses: []*rpc.SignatureStatusesResult{{Slot: 5, ConfirmationStatus: rpc.ConfirmationStatusFinalized}},
	}
	h := &pendingWrite{ledger: newTestLedger(mock, 10), signature: testSig1}

	receipt, err := h.Wait(context.Background())

	require.NoError(t, err)
	assert.True(t, receipt.BlockTime.IsZero())
}

func TestWait_FailedTransactionIsReverted(t *testing.T) {
	mock := &mockRPCClient{
		statuses: []*rpc.SignatureStatusesResult{{Slot: 5, Err: map[string]any{"InstructionError": []any{1, "Custom"}}}},
	}
	h := &pendingWrite{ledger: newTestLedger(mock, 10), signature: testSig1}

	_, err := h.Wait(context.Background())

	require.Error(t, err)
	assert.Equal(t, errs.TransactionReverted, errs.KindOf(err))
}

func TestWait_ContextCancelled(t *testing.T) {
	mock := &mockRPCClient{}
	h := &pendingWrite{ledger: newTestLedger(mock, 10), signature: testSig1}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
