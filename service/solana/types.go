package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
)

// MemoProgramIDLegacy is the legacy memo program (v1). Older waves may carry
// their message there instead of in the SPL memo program.
var MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")

const maxMemoBytes = 566

// waveInstructions builds the instructions of one wave: an optional compute
// unit ceiling, a transfer to the contract and the memo carrying the message.
// The transfer always runs, even for a zero tip, because the writable
// contract account is what tags the transaction for signature lookups.
func waveInstructions(payer, contract solana.PublicKey, message string, computeUnitLimit uint32, tipLamports uint64) ([]solana.Instruction, error) {
	instructions := make([]solana.Instruction, 0, 3)

	if computeUnitLimit > 0 {
		budget, err := computebudget.NewSetComputeUnitLimitInstruction(computeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("invalid compute unit limit: %w", err)
		}
		instructions = append(instructions, budget)
	}

	transfer, err := system.NewTransferInstruction(tipLamports, payer, contract).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("invalid transfer: %w", err)
	}
	instructions = append(instructions, transfer)

	// The memo program takes the message bytes as they are. The memo builder
	// in programs/memo prefixes a length, which would end up in the message.
	instructions = append(instructions, solana.NewInstruction(
		solana.MemoProgramID,
		solana.AccountMetaSlice{solana.NewAccountMeta(payer, false, true)},
		[]byte(message),
	))

	return instructions, nil
}
