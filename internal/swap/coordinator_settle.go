package swap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingdex-resolver/internal/hashlock"
	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
)

// reveal ingests secrets and moves funded swaps with a known secret to
// SECRET_REVEALED.
func (c *Coordinator) reveal(ctx context.Context, rep *TickReport) {
	if c.index != nil {
		qctx, cancel := context.WithTimeout(ctx, c.indexTimeout)
		rows, err := c.index.RevealedSecrets(qctx)
		cancel()
		if err != nil {
			c.log.Warn("Index secret query failed", "error", err)
			rows = nil
		}
		for _, row := range rows {
			if c.ingestIndexSecret(row) {
				rep.SecretsStored++
			}
		}
	}

	funded, err := c.store.ListSwapsByStatus(storage.SwapDstFunded)
	if err != nil {
		c.log.Warn("Failed to list funded swaps", "error", err)
		return
	}
	for _, rec := range funded {
		if ctx.Err() != nil {
			return
		}
		if c.queue != nil && rec.Source == storage.SourceQueue {
			if c.ingestMakerSecret(rec) {
				rep.SecretsStored++
			}
		}

		stored, err := c.store.GetSecretByHash(rec.Hashlock)
		if errors.Is(err, storage.ErrSecretNotFound) {
			continue
		}
		if err != nil {
			c.log.Warn("Failed to load secret", "order", helpers.ShortHex(rec.OrderHash), "error", err)
			continue
		}
		if stored.Status == storage.SecretFailed {
			continue
		}
		if _, err := c.transition(rec, storage.SwapSecretRevealed, &storage.SwapPatch{Secret: stored.Secret}); err != nil {
			if c.recordError(rec, "reveal", err) {
				rep.Failed++
			}
			continue
		}
		rep.Revealed++
	}
}

func (c *Coordinator) ingestIndexSecret(row IndexRow) bool {
	h, err := hashlock.ParseHashlock(row.Hashlock)
	if err != nil {
		c.log.Warn("Skipping revealed secret with bad hashlock", "order", helpers.ShortHex(row.OrderHash), "error", err)
		return false
	}
	secret, err := hashlock.ParseSecret(row.Secret)
	if err != nil {
		c.log.Warn("Skipping unparseable revealed secret", "order", helpers.ShortHex(row.OrderHash), "error", err)
		return false
	}
	if !hashlock.Verify(secret, h) {
		c.log.Warn("Skipping revealed secret that does not match its hashlock",
			"order", helpers.ShortHex(row.OrderHash), "hashlock", h.Hex(), "error", ErrInvalidSecret)
		return false
	}

	rec, err := c.store.GetSwapByHashlock(h.Hex())
	if errors.Is(err, storage.ErrSwapNotFound) || (err == nil && rec.Status.IsTerminal()) {
		return false
	}
	if err != nil {
		c.log.Warn("Failed to look up swap for secret", "hashlock", helpers.ShortHex(h.Hex()), "error", err)
		return false
	}

	stored, err := c.storeSecret(secret, rec, "index")
	if err != nil {
		c.log.Warn("Failed to store revealed secret", "order", helpers.ShortHex(rec.OrderHash), "error", err)
		return false
	}
	return stored
}

func (c *Coordinator) ingestMakerSecret(rec *storage.SwapRecord) bool {
	h, err := hashlock.ParseHashlock(rec.Hashlock)
	if err != nil {
		return false
	}
	secret, ok, err := c.queue.ReadSecret(h)
	if err != nil {
		c.log.Warn("Unusable maker secret file", "order", helpers.ShortHex(rec.OrderHash), "error", err)
		return false
	}
	if !ok {
		return false
	}
	stored, err := c.storeSecret(secret, rec, "queue")
	if err != nil {
		c.log.Warn("Failed to store maker secret", "order", helpers.ShortHex(rec.OrderHash), "error", err)
		return false
	}
	return stored
}

// withdrawOutcome is what one chain group reports back.
type withdrawOutcome struct {
	withdrawn int
	errors    int
	failed    int
	dstFailed []string
}

// withdrawAll claims destination escrows first, then source escrows. Each
// wave runs one goroutine per chain; targets on the same chain go in order.
func (c *Coordinator) withdrawAll(ctx context.Context, rep *TickReport) {
	targets, err := c.withdraw.ListWithdrawable(ctx)
	if err != nil {
		c.log.Warn("Failed to list withdrawable escrows", "error", err)
		return
	}
	if len(targets) == 0 {
		return
	}

	var dst, src []WithdrawTarget
	for _, t := range targets {
		if t.IsSource {
			src = append(src, t)
		} else {
			dst = append(dst, t)
		}
	}

	out := c.withdrawWave(ctx, dst)
	skip := make(map[string]bool, len(out.dstFailed))
	for _, h := range out.dstFailed {
		skip[h] = true
	}
	var remaining []WithdrawTarget
	for _, t := range src {
		if !skip[t.OrderHash] {
			remaining = append(remaining, t)
		}
	}
	srcOut := c.withdrawWave(ctx, remaining)

	rep.Withdrawn += out.withdrawn + srcOut.withdrawn
	rep.WithdrawErrors += out.errors + srcOut.errors
	rep.Failed += out.failed + srcOut.failed
}

func (c *Coordinator) withdrawWave(ctx context.Context, targets []WithdrawTarget) withdrawOutcome {
	groups := make(map[uint64][]WithdrawTarget)
	for _, t := range targets {
		groups[t.ChainID] = append(groups[t.ChainID], t)
	}
	ids := make([]uint64, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var (
		mu  sync.Mutex
		out withdrawOutcome
		g   errgroup.Group
	)
	for _, id := range ids {
		group := groups[id]
		g.Go(func() error {
			for _, t := range group {
				if ctx.Err() != nil {
					return nil
				}
				ok, failed := c.withdrawTarget(ctx, t)
				mu.Lock()
				switch {
				case ok:
					out.withdrawn++
				default:
					out.errors++
					if failed {
						out.failed++
					}
					if !t.IsSource {
						out.dstFailed = append(out.dstFailed, t.OrderHash)
					}
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// withdrawTarget claims one escrow and records the outcome. failed is true
// when the swap was demoted.
func (c *Coordinator) withdrawTarget(ctx context.Context, t WithdrawTarget) (ok, failed bool) {
	res, err := c.withdraw.WithdrawWithRetry(ctx, t, t.Secret, c.withdrawMaxAttempts)
	if err != nil {
		c.metrics.Withdrawal(t.Side(), string(Classify(err)))
		rec, gerr := c.store.GetSwap(t.OrderHash)
		if gerr != nil {
			c.log.Warn("Failed to load swap after withdrawal error", "order", helpers.ShortHex(t.OrderHash), "error", gerr)
			return false, false
		}
		if rec.Status.IsTerminal() {
			return false, false
		}
		if errors.Is(err, ErrAttemptsExhausted) {
			return false, c.failSwap(rec, classify("withdraw "+t.Side(), rec.OrderHash, err))
		}
		return false, c.recordError(rec, "withdraw "+t.Side(), err)
	}
	c.metrics.Withdrawal(t.Side(), "ok")
	c.emitEvent(t.OrderHash, EventWithdrawal, map[string]interface{}{
		"side":     t.Side(),
		"chain_id": t.ChainID,
		"escrow":   strings.ToLower(t.Escrow.Hex()),
		"tx":       res.Tx.Hash.Hex(),
		"gas_used": res.GasUsed,
		"attempts": res.Attempts,
	})

	if !t.IsSource {
		if _, err := c.store.PatchSwap(t.OrderHash, &storage.SwapPatch{
			DstWithdrawTx:  res.Tx.Hash.Hex(),
			DstWithdrawnAt: time.Now(),
			ClearError:     true,
		}); err != nil {
			c.log.Error("Failed to record destination withdrawal", "order", helpers.ShortHex(t.OrderHash), "tx", res.Tx.Hash.Hex(), "error", err)
		}
		return true, false
	}

	if err := c.store.ConfirmSecret(t.Hashlock.Hex(), res.Tx.Hash.Hex(), res.GasUsed); err != nil && !errors.Is(err, storage.ErrSecretNotFound) {
		c.log.Warn("Failed to confirm secret", "order", helpers.ShortHex(t.OrderHash), "error", err)
	}
	rec, err := c.store.GetSwap(t.OrderHash)
	if err != nil {
		c.log.Error("Failed to load swap after withdrawal", "order", helpers.ShortHex(t.OrderHash), "error", err)
		return true, false
	}
	rec, err = c.transition(rec, storage.SwapSrcWithdrawn, &storage.SwapPatch{
		SrcWithdrawTx: res.Tx.Hash.Hex(),
		ClearError:    true,
	})
	if err != nil {
		c.log.Error("Failed to record source withdrawal", "order", helpers.ShortHex(t.OrderHash), "tx", res.Tx.Hash.Hex(), "error", err)
		return true, false
	}
	if _, err := c.transition(rec, storage.SwapCompleted, nil); err != nil {
		c.log.Error("Failed to complete swap", "order", helpers.ShortHex(t.OrderHash), "error", err)
	}
	return true, false
}

// sweep expires swaps past their source cancellation deadline and reports
// swaps that never saw a deposit.
func (c *Coordinator) sweep(ctx context.Context, rep *TickReport) {
	recs, err := c.store.ListPendingSwaps()
	if err != nil {
		c.log.Warn("Failed to list pending swaps", "error", err)
		return
	}

	now := c.now()
	current := make(map[string]bool)
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		if rec.Status.Rank() >= storage.SwapSrcWithdrawn.Rank() || rec.SrcDeployedAt.IsZero() {
			continue
		}

		tl, _ := UnpackTimelocks(rec.Timelocks)
		deadline := tl.Deadline(StageSrcCancellation, rec.SrcDeployedAt)
		if now.After(deadline) {
			msg := fmt.Sprintf("source cancellation deadline %s passed", deadline.UTC().Format(time.RFC3339))
			if _, err := c.transition(rec, storage.SwapExpired, &storage.SwapPatch{LastError: msg}); err != nil {
				c.log.Warn("Failed to expire swap", "order", helpers.ShortHex(rec.OrderHash), "error", err)
				continue
			}
			rep.Expired++
			continue
		}

		if rec.Status != storage.SwapSrcEscrowCreated || rec.SrcEscrowCreatedAt.IsZero() {
			continue
		}
		waited := now.Sub(rec.SrcEscrowCreatedAt)
		if waited <= c.stuckAfter {
			continue
		}
		current[rec.OrderHash] = true
		if c.stuck[rec.OrderHash] {
			continue
		}
		c.stuck[rec.OrderHash] = true
		rep.Stuck++

		se := &Error{
			Class:     ClassStuck,
			Op:        "observe",
			OrderHash: rec.OrderHash,
			Err:       fmt.Errorf("%w: no source deposit after %s", ErrStuck, waited.Round(time.Second)),
		}
		if _, err := c.store.PatchSwap(rec.OrderHash, &storage.SwapPatch{
			LastError:  se.Error(),
			ErrorClass: string(se.Class),
		}); err != nil {
			c.log.Warn("Failed to record stuck swap", "order", helpers.ShortHex(rec.OrderHash), "error", err)
		}
		c.metrics.SwapStuck()
		c.log.Warn("Swap stuck", "order", helpers.ShortHex(rec.OrderHash), "escrow", rec.SrcEscrow, "waited", waited.Round(time.Second))
		c.emitEvent(rec.OrderHash, EventSwapStuck, map[string]interface{}{
			"status": string(rec.Status),
			"waited": waited.Round(time.Second).String(),
		})
	}

	for h := range c.stuck {
		if !current[h] {
			delete(c.stuck, h)
		}
	}
}
