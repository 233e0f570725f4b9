package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

const tokenDecimals = 6

// SolanaConfig configures the RPC-backed facade implementation.
type SolanaConfig struct {
	RPCURL            string
	Mint              string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	ConfirmPoll       time.Duration
}

// SolanaClient implements Client over a Solana JSON-RPC endpoint. All RPC
// calls share a client-side rate limiter and a per-call timeout.
type SolanaClient struct {
	rpc         *rpc.Client
	mint        solana.PublicKey
	timeout     time.Duration
	confirmPoll time.Duration
	limiter     *rate.Limiter
}

// NewSolanaClient validates the configuration and constructs the facade.
func NewSolanaClient(cfg SolanaConfig) (*SolanaClient, error) {
	url := strings.TrimSpace(cfg.RPCURL)
	if url == "" {
		return nil, fmt.Errorf("chain: rpc url is required")
	}
	mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(cfg.Mint))
	if err != nil {
		return nil, fmt.Errorf("chain: parse mint: %w", err)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	poll := cfg.ConfirmPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &SolanaClient{
		rpc:         rpc.New(url),
		mint:        mint,
		timeout:     timeout,
		confirmPoll: poll,
		limiter:     rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}, nil
}

func (c *SolanaClient) throttled(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	bounded, cancel := context.WithTimeout(ctx, c.timeout)
	return bounded, cancel, nil
}

// TokenBalance implements Client.
func (c *SolanaClient) TokenBalance(ctx context.Context, owner string) (int64, error) {
	ownerKey, err := solana.PublicKeyFromBase58(strings.TrimSpace(owner))
	if err != nil {
		return 0, fmt.Errorf("chain: parse owner address: %w", err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerKey, c.mint)
	if err != nil {
		return 0, fmt.Errorf("chain: derive token account: %w", err)
	}
	callCtx, cancel, err := c.throttled(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	result, err := c.rpc.GetTokenAccountBalance(callCtx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		// An owner that never received the token has no token account.
		if isAccountMissing(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("chain: token balance: %w", err)
	}
	if result == nil || result.Value == nil {
		return 0, nil
	}
	var micro int64
	if _, err := fmt.Sscan(result.Value.Amount, &micro); err != nil {
		return 0, fmt.Errorf("chain: parse balance %q: %w", result.Value.Amount, err)
	}
	return micro, nil
}

// VerifyTransfer implements Client.
func (c *SolanaClient) VerifyTransfer(ctx context.Context, signature, sender, recipient string, expectedMicro int64) (bool, error) {
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(signature))
	if err != nil {
		return false, fmt.Errorf("chain: parse signature: %w", err)
	}
	senderKey, err := solana.PublicKeyFromBase58(strings.TrimSpace(sender))
	if err != nil {
		return false, fmt.Errorf("chain: parse sender: %w", err)
	}
	recipientKey, err := solana.PublicKeyFromBase58(strings.TrimSpace(recipient))
	if err != nil {
		return false, fmt.Errorf("chain: parse recipient: %w", err)
	}

	callCtx, cancel, err := c.throttled(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	maxVersion := uint64(0)
	result, err := c.rpc.GetTransaction(callCtx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil || result == nil {
		// Not found or not yet confirmed: retryable, not an error.
		return false, nil
	}
	meta := result.Meta
	if meta == nil || meta.Err != nil {
		return false, nil
	}
	tx, err := result.Transaction.GetTransaction()
	if err != nil || tx == nil {
		return false, nil
	}
	signers := int(tx.Message.Header.NumRequiredSignatures)
	if signers > len(tx.Message.AccountKeys) {
		signers = len(tx.Message.AccountKeys)
	}
	senderSigned := false
	for _, key := range tx.Message.AccountKeys[:signers] {
		if key.Equals(senderKey) {
			senderSigned = true
			break
		}
	}
	if !senderSigned {
		return false, nil
	}

	delta := tokenDelta(meta, c.mint, recipientKey)
	diff := delta - expectedMicro
	if diff < 0 {
		diff = -diff
	}
	return diff <= VerifyTolerance, nil
}

func tokenDelta(meta *rpc.TransactionMeta, mint, owner solana.PublicKey) int64 {
	pre := ownerTokenAmount(meta.PreTokenBalances, mint, owner)
	post := ownerTokenAmount(meta.PostTokenBalances, mint, owner)
	return post - pre
}

func ownerTokenAmount(balances []rpc.TokenBalance, mint, owner solana.PublicKey) int64 {
	var total int64
	for _, balance := range balances {
		if balance.Owner == nil || !balance.Owner.Equals(owner) {
			continue
		}
		if !balance.Mint.Equals(mint) {
			continue
		}
		if balance.UiTokenAmount == nil {
			continue
		}
		var micro int64
		if _, err := fmt.Sscan(balance.UiTokenAmount.Amount, &micro); err != nil {
			continue
		}
		total += micro
	}
	return total
}

// Transfer implements Client.
func (c *SolanaClient) Transfer(ctx context.Context, escrow, feePayer solana.PrivateKey, recipient string, micro int64) (string, error) {
	if micro <= 0 {
		return "", fmt.Errorf("chain: transfer amount must be positive")
	}
	if len(feePayer) == 0 {
		return "", ErrFeePayerUnavailable
	}
	recipientKey, err := solana.PublicKeyFromBase58(strings.TrimSpace(recipient))
	if err != nil {
		return "", fmt.Errorf("chain: parse recipient: %w", err)
	}
	escrowPub := escrow.PublicKey()
	feePayerPub := feePayer.PublicKey()

	sourceATA, _, err := solana.FindAssociatedTokenAddress(escrowPub, c.mint)
	if err != nil {
		return "", fmt.Errorf("chain: derive escrow token account: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(recipientKey, c.mint)
	if err != nil {
		return "", fmt.Errorf("chain: derive recipient token account: %w", err)
	}

	instructions := make([]solana.Instruction, 0, 2)
	exists, err := c.accountExists(ctx, destATA)
	if err != nil {
		return "", err
	}
	if !exists {
		// Fee payer funds rent for the new associated token account.
		createIx, err := associatedtokenaccount.NewCreateInstruction(feePayerPub, recipientKey, c.mint).ValidateAndBuild()
		if err != nil {
			return "", fmt.Errorf("chain: build create account instruction: %w", err)
		}
		instructions = append(instructions, createIx)
	}
	transferIx, err := token.NewTransferCheckedInstruction(
		uint64(micro),
		tokenDecimals,
		sourceATA,
		c.mint,
		destATA,
		escrowPub,
		nil,
	).ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("chain: build transfer instruction: %w", err)
	}
	instructions = append(instructions, transferIx)

	blockhashCtx, cancel, err := c.throttled(ctx)
	if err != nil {
		return "", err
	}
	recent, err := c.rpc.GetLatestBlockhash(blockhashCtx, rpc.CommitmentConfirmed)
	cancel()
	if err != nil {
		return "", fmt.Errorf("chain: latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(feePayerPub))
	if err != nil {
		return "", fmt.Errorf("chain: build transaction: %w", err)
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		switch {
		case key.Equals(escrowPub):
			return &escrow
		case key.Equals(feePayerPub):
			return &feePayer
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("chain: sign transaction: %w", err)
	}

	sendCtx, cancel, err := c.throttled(ctx)
	if err != nil {
		return "", err
	}
	sig, err := c.rpc.SendTransactionWithOpts(sendCtx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	cancel()
	if err != nil {
		return "", fmt.Errorf("chain: send transaction: %w", err)
	}

	if err := c.awaitConfirmed(ctx, sig); err != nil {
		return "", err
	}
	slog.Debug("transfer confirmed", slog.String("tx_signature", sig.String()))
	return sig.String(), nil
}

func (c *SolanaClient) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	callCtx, cancel, err := c.throttled(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	info, err := c.rpc.GetAccountInfo(callCtx, account)
	if err != nil {
		if isAccountMissing(err) {
			return false, nil
		}
		return false, fmt.Errorf("chain: account info: %w", err)
	}
	return info != nil && info.Value != nil, nil
}

func (c *SolanaClient) awaitConfirmed(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(c.confirmPoll)
	defer ticker.Stop()
	deadline, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	for {
		select {
		case <-deadline.Done():
			return fmt.Errorf("chain: confirmation wait for %s: %w", sig, deadline.Err())
		case <-ticker.C:
		}
		statusCtx, statusCancel, err := c.throttled(ctx)
		if err != nil {
			return err
		}
		statuses, err := c.rpc.GetSignatureStatuses(statusCtx, true, sig)
		statusCancel()
		if err != nil {
			continue
		}
		if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
			continue
		}
		status := statuses.Value[0]
		if status.Err != nil {
			return fmt.Errorf("chain: transaction %s failed on chain", sig)
		}
		switch status.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return nil
		}
	}
}

func isAccountMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not find account") ||
		strings.Contains(msg, "account not found") ||
		strings.Contains(msg, "not found")
}
