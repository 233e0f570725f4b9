package chain

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// FeePayer loads and caches the oracle keypair that pays transaction fees so
// escrow wallets never need to hold gas. The keypair is resolved lazily at
// first transfer, not at startup: the service boots without it and only
// chain-touching operations fail.
type FeePayer struct {
	once sync.Once
	key  solana.PrivateKey
	err  error
}

// Key resolves the fee payer from ORACLE_KEYPAIR_JSON or ORACLE_KEYPAIR_PATH.
func (f *FeePayer) Key() (solana.PrivateKey, error) {
	f.once.Do(func() {
		f.key, f.err = loadFeePayerFromEnv()
	})
	return f.key, f.err
}

func loadFeePayerFromEnv() (solana.PrivateKey, error) {
	if raw := strings.TrimSpace(os.Getenv("ORACLE_KEYPAIR_JSON")); raw != "" {
		return parseKeypairJSON([]byte(raw))
	}
	if path := strings.TrimSpace(os.Getenv("ORACLE_KEYPAIR_PATH")); path != "" {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
		if err != nil {
			return nil, fmt.Errorf("chain: read oracle keypair file: %w", err)
		}
		return key, nil
	}
	return nil, ErrFeePayerUnavailable
}

// parseKeypairJSON accepts the standard solana-keygen format: a JSON array of
// 64 byte values (secret key followed by public key).
func parseKeypairJSON(raw []byte) (solana.PrivateKey, error) {
	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("chain: parse oracle keypair json: %w", err)
	}
	if len(values) != 64 {
		return nil, fmt.Errorf("chain: oracle keypair must be 64 bytes, got %d", len(values))
	}
	key := make(solana.PrivateKey, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("chain: oracle keypair byte %d out of range", i)
		}
		key[i] = byte(v)
	}
	return key, nil
}
