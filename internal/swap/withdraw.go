package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-resolver/internal/chain"
	"github.com/Klingon-tech/klingdex-resolver/internal/contracts/escrow"
	"github.com/Klingon-tech/klingdex-resolver/internal/hashlock"
	"github.com/Klingon-tech/klingdex-resolver/internal/metrics"
	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
	"github.com/Klingon-tech/klingdex-resolver/pkg/logging"
)

// WithdrawTarget is one escrow that can be claimed with a known secret.
type WithdrawTarget struct {
	Escrow     common.Address
	Hashlock   hashlock.Hashlock
	OrderHash  string
	Secret     hashlock.Secret
	ChainID    uint64
	IsSource   bool
	Immutables escrow.Immutables
}

// Side names the escrow side for logs and metrics.
func (t WithdrawTarget) Side() string {
	if t.IsSource {
		return "src"
	}
	return "dst"
}

// WithdrawResult is a confirmed withdrawal.
type WithdrawResult struct {
	Target   WithdrawTarget
	Tx       chain.TxRef
	GasUsed  uint64
	Attempts int
}

// WithdrawalEngineConfig holds the collaborators of a WithdrawalEngine.
type WithdrawalEngineConfig struct {
	Store  *storage.Storage
	Chains *chain.Registry
	Codec  EscrowCodec

	InitialDelay time.Duration // default 1s
	MaxDelay     time.Duration // default 5m

	// NewBackOff overrides the retry schedule, mainly for tests.
	NewBackOff func() backoff.BackOff

	// Now overrides the clock used to check withdrawal windows.
	Now func() time.Time

	Metrics *metrics.Collectors
}

// WithdrawalEngine claims escrows with revealed secrets.
type WithdrawalEngine struct {
	store  *storage.Storage
	chains *chain.Registry
	codec  EscrowCodec

	initialDelay time.Duration
	maxDelay     time.Duration
	newBackOff   func() backoff.BackOff
	now          func() time.Time

	metrics *metrics.Collectors
	log     *logging.Logger
}

// NewWithdrawalEngine creates a withdrawal engine.
func NewWithdrawalEngine(cfg *WithdrawalEngineConfig) (*WithdrawalEngine, error) {
	if cfg.Store == nil || cfg.Chains == nil || cfg.Codec == nil {
		return nil, fmt.Errorf("withdrawal engine requires store, chains and codec")
	}
	e := &WithdrawalEngine{
		store:        cfg.Store,
		chains:       cfg.Chains,
		codec:        cfg.Codec,
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		newBackOff:   cfg.NewBackOff,
		now:          cfg.Now,
		metrics:      cfg.Metrics,
		log:          logging.GetDefault().Component("withdraw"),
	}
	if e.initialDelay <= 0 {
		e.initialDelay = time.Second
	}
	if e.maxDelay <= 0 {
		e.maxDelay = 5 * time.Minute
	}
	if e.newBackOff == nil {
		e.newBackOff = e.exponential
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// exponential waits initialDelay * 2^attempt, capped at maxDelay.
func (e *WithdrawalEngine) exponential() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = e.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Withdraw submits one withdrawal. The call is simulated first so
// deterministic reverts fail without spending gas.
func (e *WithdrawalEngine) Withdraw(ctx context.Context, target WithdrawTarget, secret hashlock.Secret) (*WithdrawResult, error) {
	if !hashlock.Verify(secret, target.Hashlock) {
		return nil, &Error{
			Class:     ClassValidation,
			Op:        "withdraw",
			OrderHash: target.OrderHash,
			Err:       fmt.Errorf("%w: secret does not hash to %s", ErrInvalidSecret, target.Hashlock.Hex()),
		}
	}
	if target.Escrow == (common.Address{}) {
		return nil, classify("withdraw", target.OrderHash, fmt.Errorf("%w: zero escrow address", ErrPlaceholderResult))
	}

	client, err := e.chains.Get(target.ChainID)
	if err != nil {
		return nil, classify("withdraw", target.OrderHash, err)
	}

	call, err := e.codec.EncodeWithdraw(target.Escrow, [32]byte(secret), target.Immutables)
	if err != nil {
		return nil, classify("withdraw", target.OrderHash, err)
	}
	if _, err := client.Simulate(ctx, call); err != nil {
		return nil, classify("withdraw", target.OrderHash, err)
	}

	ref, err := client.Submit(ctx, call)
	if err != nil {
		return nil, classify("withdraw", target.OrderHash, err)
	}
	if ref.IsZero() {
		return nil, classify("withdraw", target.OrderHash, fmt.Errorf("%w: zero withdraw tx hash", ErrPlaceholderResult))
	}

	receipt, err := client.WaitForConfirmation(ctx, ref)
	if err != nil {
		return nil, classify("withdraw", target.OrderHash, err)
	}
	if receipt == nil {
		return nil, classify("withdraw", target.OrderHash, fmt.Errorf("%w: empty withdraw receipt", ErrPlaceholderResult))
	}
	if !receipt.Success {
		return nil, classify("withdraw", target.OrderHash, fmt.Errorf("%w: withdraw %s", ErrTxReverted, ref.Hash.Hex()))
	}

	return &WithdrawResult{Target: target, Tx: ref, GasUsed: receipt.GasUsed}, nil
}

// WithdrawWithRetry retries transient failures with exponential backoff, up
// to maxAttempts attempts in total. Non-retryable errors end after one attempt.
// Running out of attempts returns ErrAttemptsExhausted.
func (e *WithdrawalEngine) WithdrawWithRetry(ctx context.Context, target WithdrawTarget, secret hashlock.Secret, maxAttempts int) (*WithdrawResult, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	log := e.log.With("order", helpers.ShortHex(target.OrderHash), "side", target.Side(), "chain", chain.Name(target.ChainID))

	attempt := 0
	bo := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(maxAttempts-1)), ctx)
	res, err := backoff.RetryWithData(func() (*WithdrawResult, error) {
		attempt++
		log.Debug("Withdrawal attempt", "attempt", attempt, "max", maxAttempts)

		res, err := e.Withdraw(ctx, target, secret)
		if err == nil {
			e.metrics.WithdrawAttempt(target.Side(), "ok")
			return res, nil
		}
		class := Classify(err)
		e.metrics.WithdrawAttempt(target.Side(), string(class))
		log.Warn("Withdrawal attempt failed", "attempt", attempt, "max", maxAttempts, "class", class, "error", err)
		if class != ClassTransient {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, bo)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, classify("withdraw", target.OrderHash, err)
		}
		if Classify(err) != ClassTransient {
			return nil, err
		}
		cause := err
		var se *Error
		if errors.As(err, &se) {
			cause = se.Err
		}
		return nil, &Error{
			Class:     ClassTransient,
			Op:        "withdraw",
			OrderHash: target.OrderHash,
			Err:       fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, cause),
		}
	}

	res.Attempts = attempt
	log.Info("Escrow withdrawn", "tx", res.Tx.Hash.Hex(), "gas", res.GasUsed, "attempts", attempt)
	return res, nil
}

// ListWithdrawable returns the destination then source escrow of every
// revealed swap whose secret is known and not failed. Escrows whose private
// withdrawal window has not opened yet are left for a later tick, and the
// source waits while the destination is still locked.
func (e *WithdrawalEngine) ListWithdrawable(ctx context.Context) ([]WithdrawTarget, error) {
	recs, err := e.store.ListSwapsByStatus(storage.SwapSecretRevealed)
	if err != nil {
		return nil, err
	}
	now := e.now()

	var targets []WithdrawTarget
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		secret, ok := e.secretFor(rec)
		if !ok {
			continue
		}
		h, err := hashlock.ParseHashlock(rec.Hashlock)
		if err != nil {
			e.log.Warn("Skipping record with bad hashlock", "order", helpers.ShortHex(rec.OrderHash), "error", err)
			continue
		}
		orderHash, err := helpers.HexToBytes32(rec.OrderHash)
		if err != nil {
			e.log.Warn("Skipping record with bad order hash", "order", rec.OrderHash, "error", err)
			continue
		}

		tl, _ := UnpackTimelocks(rec.Timelocks)
		dstPending := rec.DstEscrow != "" && rec.DstWithdrawnAt.IsZero()
		if opens := tl.Deadline(StageDstWithdrawal, rec.DstDeployedAt); dstPending && now.Before(opens) {
			e.log.Debug("Destination withdrawal window not open", "order", helpers.ShortHex(rec.OrderHash), "opens", opens)
			continue
		}

		base := WithdrawTarget{
			Hashlock:  h,
			OrderHash: rec.OrderHash,
			Secret:    secret,
		}
		if dstPending {
			t := base
			t.Escrow = common.HexToAddress(rec.DstEscrow)
			t.ChainID = rec.DstChainID
			t.Immutables = immutablesFor(rec, orderHash, false)
			targets = append(targets, t)
		}
		if rec.SrcEscrow != "" && rec.SrcWithdrawTx == "" {
			if opens := tl.Deadline(StageSrcWithdrawal, rec.SrcDeployedAt); now.Before(opens) {
				e.log.Debug("Source withdrawal window not open", "order", helpers.ShortHex(rec.OrderHash), "opens", opens)
				continue
			}
			t := base
			t.Escrow = common.HexToAddress(rec.SrcEscrow)
			t.ChainID = rec.SrcChainID
			t.IsSource = true
			t.Immutables = immutablesFor(rec, orderHash, true)
			targets = append(targets, t)
		}
	}
	return targets, nil
}

func (e *WithdrawalEngine) secretFor(rec *storage.SwapRecord) (hashlock.Secret, bool) {
	stored, err := e.store.GetSecretByHash(rec.Hashlock)
	switch {
	case err == nil:
		if stored.Status == storage.SecretFailed {
			return hashlock.Secret{}, false
		}
	case errors.Is(err, storage.ErrSecretNotFound):
		if rec.Secret == "" {
			return hashlock.Secret{}, false
		}
	default:
		e.log.Warn("Failed to load secret", "order", helpers.ShortHex(rec.OrderHash), "error", err)
		return hashlock.Secret{}, false
	}

	hex := rec.Secret
	if stored != nil {
		hex = stored.Secret
	}
	secret, err := hashlock.ParseSecret(hex)
	if err != nil {
		e.log.Warn("Skipping unparseable secret", "order", helpers.ShortHex(rec.OrderHash), "error", err)
		return hashlock.Secret{}, false
	}
	return secret, true
}

// immutablesFor rebuilds the escrow identity of one side from the record.
func immutablesFor(rec *storage.SwapRecord, orderHash [32]byte, source bool) escrow.Immutables {
	h, _ := helpers.HexToBytes32(rec.Hashlock)
	imm := escrow.Immutables{
		OrderHash: orderHash,
		Hashlock:  h,
		Maker:     common.HexToAddress(rec.Maker),
		Taker:     common.HexToAddress(rec.Taker),
	}
	if source {
		imm.Token = common.HexToAddress(rec.SrcToken)
		imm.Amount = rec.SrcAmount
		imm.SafetyDeposit = rec.SrcSafetyDeposit
		imm.Timelocks = escrow.WithDeployedAt(rec.Timelocks, rec.SrcDeployedAt)
	} else {
		imm.Token = common.HexToAddress(rec.DstToken)
		imm.Amount = rec.DstAmount
		imm.SafetyDeposit = rec.DstSafetyDeposit
		imm.Timelocks = escrow.WithDeployedAt(rec.Timelocks, rec.DstDeployedAt)
	}
	return imm
}
