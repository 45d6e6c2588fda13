package solana

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/brojonat/waveportal/service/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// errNotWave marks transactions that touch the contract but carry no wave.
var errNotWave = errors.New("transaction is not a wave")

// parseWave extracts a wave from a fetched transaction. A wave is a
// successful transaction that references the contract account and carries a
// memo; the waver is the fee payer and the timestamp is the block time.
func parseWave(signature solana.Signature, result *rpc.GetTransactionResult, contract solana.PublicKey) (ledger.RawRecord, error) {
	if result == nil || result.Transaction == nil {
		return ledger.RawRecord{}, fmt.Errorf("transaction %s has no body", signature)
	}
	if result.Meta != nil && result.Meta.Err != nil {
		return ledger.RawRecord{}, fmt.Errorf("%w: transaction failed: %v", errNotWave, result.Meta.Err)
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return ledger.RawRecord{}, fmt.Errorf("failed to decode transaction: %w", err)
	}

	accountKeys := tx.Message.AccountKeys
	if len(accountKeys) == 0 {
		return ledger.RawRecord{}, fmt.Errorf("transaction %s has no accounts", signature)
	}

	touchesContract := false
	for _, key := range accountKeys {
		if key.Equals(contract) {
			touchesContract = true
			break
		}
	}
	if !touchesContract {
		return ledger.RawRecord{}, fmt.Errorf("%w: contract not referenced", errNotWave)
	}

	message, found := "", false
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		programID := accountKeys[instruction.ProgramIDIndex]
		if programID.Equals(solana.MemoProgramID) || programID.Equals(MemoProgramIDLegacy) {
			if memo, ok := parseMemo(instruction.Data); ok {
				message, found = memo, true
			}
		}
	}
	if !found {
		return ledger.RawRecord{}, fmt.Errorf("%w: no memo", errNotWave)
	}

	if result.BlockTime == nil {
		return ledger.RawRecord{}, fmt.Errorf("transaction %s has no block time", signature)
	}

	return ledger.RawRecord{
		Waver:     accountKeys[0].String(),
		Timestamp: int64(*result.BlockTime),
		Message:   message,
		Signature: signature.String(),
		Slot:      result.Slot,
	}, nil
}

// parseMemo returns the memo text. Memo program data is raw UTF-8.
func parseMemo(data []byte) (string, bool) {
	if !utf8.Valid(data) {
		return "", false
	}
	return string(data), true
}
