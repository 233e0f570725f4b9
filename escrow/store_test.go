package escrow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proven/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func setMasterKey(t *testing.T) {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("entropy: %v", err)
	}
	t.Setenv(MasterKeyEnv, base64.StdEncoding.EncodeToString(raw))
}

func createChallenge(t *testing.T, db *gorm.DB) models.Challenge {
	t.Helper()
	now := time.Now().UTC()
	challenge := models.Challenge{
		ID:          uuid.New(),
		Title:       "30 days of running",
		StakeAmount: 100_000_000,
		StartDate:   now,
		EndDate:     now.AddDate(0, 0, 30),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.Create(&challenge).Error; err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	return challenge
}

func TestCreateAndLoadRoundTrip(t *testing.T) {
	setMasterKey(t)
	db := setupTestDB(t)
	challenge := createChallenge(t, db)
	store := NewStore(db, nil, nil)

	address, err := store.Create(context.Background(), challenge.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if address == "" {
		t.Fatalf("expected a public address")
	}

	var updated models.Challenge
	if err := db.First(&updated, "id = ?", challenge.ID).Error; err != nil {
		t.Fatalf("reload challenge: %v", err)
	}
	if updated.EscrowAddress != address {
		t.Fatalf("challenge escrow address not set: %q", updated.EscrowAddress)
	}

	signer, err := store.Load(context.Background(), challenge.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if signer.PublicKey().String() != address {
		t.Fatalf("decrypted signer does not match address")
	}
}

func TestCreateIdempotent(t *testing.T) {
	setMasterKey(t)
	db := setupTestDB(t)
	challenge := createChallenge(t, db)
	store := NewStore(db, nil, nil)

	first, err := store.Create(context.Background(), challenge.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.Create(context.Background(), challenge.ID)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first != second {
		t.Fatalf("create not idempotent: %s vs %s", first, second)
	}
	var count int64
	if err := db.Model(&models.EscrowWallet{}).Where("challenge_id = ?", challenge.ID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one wallet row, got %d", count)
	}
}

func TestCreateUnknownChallenge(t *testing.T) {
	setMasterKey(t)
	db := setupTestDB(t)
	store := NewStore(db, nil, nil)
	if _, err := store.Create(context.Background(), uuid.New()); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestMissingMasterKey(t *testing.T) {
	t.Setenv(MasterKeyEnv, "")
	db := setupTestDB(t)
	challenge := createChallenge(t, db)
	store := NewStore(db, nil, nil)
	if _, err := store.Create(context.Background(), challenge.ID); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
	if _, err := store.Load(context.Background(), challenge.ID); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable on load, got %v", err)
	}
}

func TestLoadMissingWallet(t *testing.T) {
	setMasterKey(t)
	db := setupTestDB(t)
	challenge := createChallenge(t, db)
	store := NewStore(db, nil, nil)
	if _, err := store.Load(context.Background(), challenge.ID); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
}

func TestSealOpenTamperDetected(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("entropy: %v", err)
	}
	cipherText, nonce, err := seal(key, []byte("super secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := open(key, cipherText, nonce)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(opened) != "super secret" {
		t.Fatalf("round trip mismatch")
	}
	// Flip a ciphertext byte; GCM must refuse.
	raw, _ := base64.StdEncoding.DecodeString(cipherText)
	raw[0] ^= 0xff
	if _, err := open(key, base64.StdEncoding.EncodeToString(raw), nonce); err == nil {
		t.Fatalf("expected authentication failure")
	}
}
