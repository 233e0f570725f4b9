// Package chain is the facade over the Solana token ledger. The rest of the
// core talks to this narrow interface; the SPL mechanics (associated token
// accounts, blockhashes, confirmation polling) stay behind it.
package chain

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// MicroPerToken converts between display units and the 6-decimal base units
// used everywhere in the payout core.
const MicroPerToken = 1_000_000

// VerifyTolerance is the accepted deviation, in micro-units, between the
// expected amount of a verified transfer and the observed balance delta.
const VerifyTolerance = 10_000

// ErrFeePayerUnavailable indicates the oracle keypair was not configured.
var ErrFeePayerUnavailable = errors.New("chain: fee payer keypair unavailable")

// Client is the on-chain facade consumed by the escrow store, the payout
// worker, and finalization.
type Client interface {
	// VerifyTransfer checks that the transaction behind signature succeeded,
	// was signed by sender, and increased recipient's token balance by the
	// expected amount within VerifyTolerance. A transaction that is missing
	// or not yet confirmed yields (false, nil) so callers can retry.
	VerifyTransfer(ctx context.Context, signature, sender, recipient string, expectedMicro int64) (bool, error)

	// TokenBalance reads the payout-token balance of the owner's associated
	// token account in micro-units. A missing token account reads as zero.
	TokenBalance(ctx context.Context, owner string) (int64, error)

	// Transfer moves micro base units from the escrow signer's token account
	// to the recipient wallet, with the fee payer covering fees and any
	// account rent. It returns the chain-assigned transaction signature once
	// the transfer is confirmed.
	Transfer(ctx context.Context, escrow, feePayer solana.PrivateKey, recipient string, micro int64) (string, error)
}

// DisplayAmount converts micro base units to token display units.
func DisplayAmount(micro int64) float64 {
	return float64(micro) / MicroPerToken
}
