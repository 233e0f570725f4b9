// Package escrow manages the per-challenge keypair lifecycle. Secret keys are
// sealed with AES-256-GCM under a key derived from the process master secret
// and only ever exist in plaintext inside this process for the duration of a
// signing operation.
package escrow

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proven/chain"
	"proven/models"
)

// MasterKeyEnv names the environment variable carrying the base64-encoded
// 32-byte master secret.
const MasterKeyEnv = "ESCROW_ENCRYPTION_KEY"

var (
	// ErrKeyUnavailable is returned when the wallet row or the master key is
	// missing for a load.
	ErrKeyUnavailable = errors.New("escrow: key unavailable")
	// ErrChallengeNotFound indicates an unknown challenge id.
	ErrChallengeNotFound = errors.New("escrow: challenge not found")
)

// Store provisions, persists, and decrypts escrow wallets.
type Store struct {
	db    *gorm.DB
	chain chain.Client
	now   func() time.Time

	masterOnce sync.Once
	masterKey  []byte
	masterErr  error
}

// NewStore constructs a Store. The master key is resolved lazily at first
// escrow use so the service can boot without it.
func NewStore(db *gorm.DB, chainClient chain.Client, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, chain: chainClient, now: now}
}

func (s *Store) master() ([]byte, error) {
	s.masterOnce.Do(func() {
		raw := strings.TrimSpace(os.Getenv(MasterKeyEnv))
		if raw == "" {
			s.masterErr = fmt.Errorf("%w: %s not set", ErrKeyUnavailable, MasterKeyEnv)
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			s.masterErr = fmt.Errorf("escrow: decode master key: %w", err)
			return
		}
		// Derive the AES key from whatever entropy the operator supplied so
		// the cipher always receives exactly 32 bytes.
		derived := sha256.Sum256(decoded)
		s.masterKey = derived[:]
	})
	return s.masterKey, s.masterErr
}

// Create generates a keypair for the challenge, seals the secret key, and
// persists the wallet row together with the challenge's escrow address in one
// transaction. Repeated calls for the same challenge return the existing
// address unchanged.
func (s *Store) Create(ctx context.Context, challengeID uuid.UUID) (string, error) {
	key, err := s.master()
	if err != nil {
		return "", err
	}

	var address string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var challenge models.Challenge
		if err := tx.First(&challenge, "id = ?", challengeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChallengeNotFound
			}
			return err
		}

		var existing models.EscrowWallet
		err := tx.First(&existing, "challenge_id = ?", challengeID).Error
		switch {
		case err == nil:
			address = existing.PublicKey
			if challenge.EscrowAddress != existing.PublicKey {
				challenge.EscrowAddress = existing.PublicKey
				challenge.UpdatedAt = s.now()
				return tx.Save(&challenge).Error
			}
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fall through to generation
		default:
			return err
		}

		generated, err := solana.NewRandomPrivateKey()
		if err != nil {
			return fmt.Errorf("escrow: generate keypair: %w", err)
		}
		cipherText, nonce, err := seal(key, generated)
		if err != nil {
			return err
		}
		now := s.now()
		wallet := models.EscrowWallet{
			ID:           uuid.New(),
			ChallengeID:  challengeID,
			PublicKey:    generated.PublicKey().String(),
			SecretCipher: cipherText,
			SecretNonce:  nonce,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Create(&wallet).Error; err != nil {
			return err
		}
		challenge.EscrowAddress = wallet.PublicKey
		challenge.UpdatedAt = now
		if err := tx.Save(&challenge).Error; err != nil {
			return err
		}
		address = wallet.PublicKey
		return nil
	})
	if err != nil {
		return "", err
	}
	return address, nil
}

// Load decrypts and returns the signer for a challenge's escrow wallet.
func (s *Store) Load(ctx context.Context, challengeID uuid.UUID) (solana.PrivateKey, error) {
	key, err := s.master()
	if err != nil {
		return nil, err
	}
	var wallet models.EscrowWallet
	if err := s.db.WithContext(ctx).First(&wallet, "challenge_id = ?", challengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no wallet for challenge %s", ErrKeyUnavailable, challengeID)
		}
		return nil, err
	}
	secret, err := open(key, wallet.SecretCipher, wallet.SecretNonce)
	if err != nil {
		return nil, err
	}
	return solana.PrivateKey(secret), nil
}

// Balance reads the escrow wallet's token balance in micro-units. It never
// caches; callers decide whether stale reads are acceptable.
func (s *Store) Balance(ctx context.Context, publicAddress string) (int64, error) {
	if s.chain == nil {
		return 0, fmt.Errorf("escrow: chain client not configured")
	}
	return s.chain.TokenBalance(ctx, publicAddress)
}

func seal(key []byte, secret []byte) (cipherText, nonce string, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("escrow: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("escrow: init gcm: %w", err)
	}
	nonceBytes := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", "", fmt.Errorf("escrow: nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonceBytes, secret, nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonceBytes), nil
}

func open(key []byte, cipherText, nonce string) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("escrow: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("escrow: init gcm: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return nil, fmt.Errorf("escrow: decode ciphertext: %w", err)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return nil, fmt.Errorf("escrow: decode nonce: %w", err)
	}
	secret, err := gcm.Open(nil, nonceBytes, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("escrow: decrypt secret key: %w", err)
	}
	return secret, nil
}
