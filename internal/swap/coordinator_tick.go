package swap

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Klingon-tech/klingdex-resolver/internal/chain"
	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
)

// RunOnce runs a single tick. Ticks never overlap: a call made while the
// loop is mid-tick waits for it. Per-order failures are recorded on the
// swap and never returned; the error is only set when ctx ends.
func (c *Coordinator) RunOnce(ctx context.Context) (*TickReport, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	rep := &TickReport{ID: uuid.NewString(), StartedAt: time.Now()}
	log := c.log.With("tick", rep.ID[:8])
	log.Debug("Tick started")

	c.intake(ctx, rep)
	c.observe(ctx, rep)
	c.reveal(ctx, rep)
	c.withdrawAll(ctx, rep)
	c.sweep(ctx, rep)

	rep.Duration = time.Since(rep.StartedAt)

	c.mu.Lock()
	c.ticks++
	c.lastTick = rep.StartedAt
	c.mu.Unlock()

	c.metrics.ObserveTick(rep.Duration)
	if stats, err := c.store.SecretStatistics(); err == nil {
		c.metrics.SetSecretStats(stats.Pending, stats.Confirmed, stats.Failed)
	}
	if pending, _, err := c.store.SwapCount(); err == nil {
		c.metrics.SetPendingSwaps(pending)
	}

	log.Debug("Tick finished",
		"duration", rep.Duration,
		"filled", rep.Filled,
		"advanced", rep.Advanced,
		"withdrawn", rep.Withdrawn,
		"failed", rep.Failed,
	)
	c.emitEvent("", EventTick, rep)
	return rep, ctx.Err()
}

// intake fills newly discovered profitable orders in discovery order.
func (c *Coordinator) intake(ctx context.Context, rep *TickReport) {
	orders, err := c.fill.Discover(ctx)
	if err != nil {
		c.log.Warn("Order discovery failed", "error", err)
		return
	}

	for _, p := range orders {
		if ctx.Err() != nil {
			return
		}
		rep.Discovered++

		if !c.fill.IsProfitable(p) {
			rep.Skipped++
			if !c.unprofitable[p.OrderHash] {
				c.unprofitable[p.OrderHash] = true
				c.mu.Lock()
				c.ordersSkipped++
				c.mu.Unlock()
				c.metrics.OrderSkipped("unprofitable")
				c.log.Info("Skipping unprofitable order",
					"order", p.Short(),
					"src_amount", chain.FormatAmount(p.SrcChainID, p.SrcToken, p.SrcAmount),
					"dst_amount", chain.FormatAmount(p.DstChainID, p.DstToken, p.DstAmount),
				)
			}
			continue
		}
		delete(c.unprofitable, p.OrderHash)

		res, err := c.fill.Fill(ctx, p)
		if err != nil {
			rep.FillErrors++
			if Classify(err) != ClassTransient {
				rep.Failed++
			}
			continue
		}
		if res.Skipped {
			continue
		}

		rep.Filled++
		c.mu.Lock()
		c.ordersFilled++
		c.mu.Unlock()

		c.emitEvent(p.OrderHash, EventOrderFilled, map[string]interface{}{
			"chain_id":   p.SrcChainID,
			"src_escrow": strings.ToLower(res.SrcEscrow.Hex()),
			"tx":         res.Tx.Hash.Hex(),
			"adopted":    res.Adopted,
		})
		c.emitEvent(p.OrderHash, EventSwapStatus, map[string]interface{}{
			"from":   string(storage.SwapCreated),
			"status": string(storage.SwapSrcEscrowCreated),
		})
	}
}

// observe advances every pending record as far as chain state allows.
func (c *Coordinator) observe(ctx context.Context, rep *TickReport) {
	recs, err := c.store.ListPendingSwaps()
	if err != nil {
		c.log.Warn("Failed to list pending swaps", "error", err)
		return
	}

	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		n, err := c.observeSwap(ctx, rec)
		rep.Advanced += n
		if err != nil {
			if c.recordError(rec, "observe", err) {
				rep.Failed++
			}
		}
	}
}

// observeSwap takes forward edges one at a time until no further evidence
// is available. It returns the number of edges taken.
func (c *Coordinator) observeSwap(ctx context.Context, rec *storage.SwapRecord) (int, error) {
	var (
		row     *IndexRow
		fetched bool
	)
	indexRow := func() *IndexRow {
		if !fetched {
			fetched = true
			row = c.indexRow(ctx, rec.OrderHash)
		}
		return row
	}

	steps := 0
	for {
		next, patch, err := c.nextStep(ctx, rec, indexRow)
		if err != nil || next == "" {
			return steps, err
		}
		updated, err := c.transition(rec, next, patch)
		if err != nil {
			return steps, err
		}
		rec = updated
		steps++
		if patch != nil && patch.ClearError {
			if err := c.store.ResetSwapRetry(rec.OrderHash); err != nil {
				c.log.Debug("Retry counter not reset", "order", helpers.ShortHex(rec.OrderHash), "error", err)
			}
		}
	}
}

// nextStep returns the next status rec can move to, or "" to wait.
func (c *Coordinator) nextStep(ctx context.Context, rec *storage.SwapRecord, indexRow func() *IndexRow) (storage.SwapStatus, *storage.SwapPatch, error) {
	switch rec.Status {
	case storage.SwapSrcEscrowCreated:
		if rec.SrcEscrow == "" {
			return "", nil, nil
		}
		funded, err := c.escrowFunded(ctx, rec.SrcChainID, rec.SrcToken, rec.SrcEscrow, rec.SrcAmount)
		if err != nil || !funded {
			return "", nil, err
		}
		return storage.SwapSrcDeposited, &storage.SwapPatch{ClearError: true}, nil

	case storage.SwapSrcDeposited:
		if rec.DstEscrow != "" {
			return storage.SwapDstEscrowCreated, nil, nil
		}
		if row := indexRow(); row != nil && row.DstEscrow != "" {
			return storage.SwapDstEscrowCreated, &storage.SwapPatch{
				DstEscrow:     strings.ToLower(row.DstEscrow),
				DstDeployedAt: row.DstDeployedAt,
			}, nil
		}
		if c.deployer == nil {
			return "", nil, nil
		}
		patch, err := c.deployDst(ctx, rec)
		if err != nil {
			return "", nil, err
		}
		return storage.SwapDstEscrowCreated, patch, nil

	case storage.SwapDstEscrowCreated:
		funded, err := c.escrowFunded(ctx, rec.DstChainID, rec.DstToken, rec.DstEscrow, rec.DstAmount)
		if err != nil || !funded {
			return "", nil, err
		}
		return storage.SwapDstFunded, &storage.SwapPatch{ClearError: true}, nil

	case storage.SwapSrcWithdrawn:
		// A crash between the source withdrawal and completion.
		return storage.SwapCompleted, nil, nil
	}
	return "", nil, nil
}

func (c *Coordinator) indexRow(ctx context.Context, orderHash string) *IndexRow {
	if c.index == nil {
		return nil
	}
	qctx, cancel := context.WithTimeout(ctx, c.indexTimeout)
	defer cancel()
	row, err := c.index.SwapByOrderHash(qctx, orderHash)
	if err != nil {
		c.log.Warn("Index lookup failed", "order", helpers.ShortHex(orderHash), "error", err)
		return nil
	}
	return row
}

// escrowFunded reports whether escrow holds at least amount of token.
func (c *Coordinator) escrowFunded(ctx context.Context, chainID uint64, token, escrowAddr string, amount *big.Int) (bool, error) {
	client, err := c.chains.Get(chainID)
	if err != nil {
		return false, err
	}
	bal, err := client.BalanceOf(ctx, common.HexToAddress(token), common.HexToAddress(escrowAddr))
	if err != nil {
		return false, err
	}
	if bal == nil || amount == nil {
		return false, nil
	}
	return bal.Cmp(amount) >= 0, nil
}

// deployDst creates the destination escrow with the resolver as taker. An
// interrupted deploy resumes from the stored transaction.
func (c *Coordinator) deployDst(ctx context.Context, rec *storage.SwapRecord) (*storage.SwapPatch, error) {
	client, err := c.chains.Get(rec.DstChainID)
	if err != nil {
		return nil, err
	}

	var ref chain.TxRef
	if rec.DstDeployTx != "" {
		ref = chain.TxRef{ChainID: rec.DstChainID, Hash: common.HexToHash(rec.DstDeployTx)}
		c.log.Info("Resuming destination deploy", "order", helpers.ShortHex(rec.OrderHash), "tx", rec.DstDeployTx)
	} else {
		orderHash, err := helpers.HexToBytes32(rec.OrderHash)
		if err != nil {
			return nil, fmt.Errorf("%w: order hash: %v", ErrInvalidOrder, err)
		}
		if rec.SrcDeployedAt.IsZero() {
			return nil, fmt.Errorf("%w: source deploy time unknown", ErrInvalidTimelocks)
		}
		tl, _ := UnpackTimelocks(rec.Timelocks)
		srcCancellation := tl.Deadline(StageSrcCancellation, rec.SrcDeployedAt)

		token := common.HexToAddress(rec.DstToken)
		if token != chain.NativeToken {
			if err := c.ensureAllowance(ctx, client, rec.DstChainID, token, rec.DstAmount); err != nil {
				return nil, err
			}
		}

		imm := immutablesFor(rec, orderHash, false)
		call, err := c.deployer.EncodeDeployDst(rec.DstChainID, imm, srcCancellation)
		if err != nil {
			return nil, err
		}
		if _, err := client.Simulate(ctx, call); err != nil {
			return nil, err
		}
		if ref, err = client.Submit(ctx, call); err != nil {
			return nil, err
		}
		if ref.IsZero() {
			return nil, fmt.Errorf("%w: zero deploy tx hash", ErrPlaceholderResult)
		}
		if _, err := c.store.PatchSwap(rec.OrderHash, &storage.SwapPatch{DstDeployTx: ref.Hash.Hex()}); err != nil {
			c.log.Warn("Failed to record deploy tx", "order", helpers.ShortHex(rec.OrderHash), "error", err)
		}
	}

	receipt, err := client.WaitForConfirmation(ctx, ref)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, fmt.Errorf("%w: empty deploy receipt", ErrPlaceholderResult)
	}
	if !receipt.Success {
		return nil, fmt.Errorf("%w: deploy %s", ErrTxReverted, ref.Hash.Hex())
	}
	created, err := c.deployer.ParseDstEscrow(ctx, client, receipt)
	if err != nil {
		return nil, err
	}
	if created == nil || created.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero destination escrow address", ErrPlaceholderResult)
	}

	c.log.Info("Destination escrow deployed",
		"order", helpers.ShortHex(rec.OrderHash),
		"chain", chain.Name(rec.DstChainID),
		"escrow", created.Address.Hex(),
		"tx", ref.Hash.Hex(),
	)
	deployedAt := created.DeployedAt
	if deployedAt.IsZero() {
		deployedAt = receipt.BlockTime
	}
	return &storage.SwapPatch{
		DstEscrow:     strings.ToLower(created.Address.Hex()),
		DstDeployedAt: deployedAt,
		DstDeployTx:   ref.Hash.Hex(),
		ClearError:    true,
	}, nil
}

// ensureAllowance approves the escrow factory for amount when the current
// allowance falls short.
func (c *Coordinator) ensureAllowance(ctx context.Context, client chain.Client, chainID uint64, token common.Address, amount *big.Int) error {
	spender, err := c.deployer.Spender(chainID)
	if err != nil {
		return err
	}
	allowance, err := client.Allowance(ctx, token, client.Address(), spender)
	if err != nil {
		return err
	}
	if allowance != nil && allowance.Cmp(amount) >= 0 {
		return nil
	}

	ref, err := client.Approve(ctx, token, spender, amount)
	if err != nil {
		return err
	}
	if ref.IsZero() {
		return fmt.Errorf("%w: zero approve tx hash", ErrPlaceholderResult)
	}
	receipt, err := client.WaitForConfirmation(ctx, ref)
	if err != nil {
		return err
	}
	if receipt == nil || !receipt.Success {
		return fmt.Errorf("%w: approve %s", ErrTxReverted, ref.Hash.Hex())
	}
	c.log.Info("Token approved", "chain", chain.Name(chainID), "token", token.Hex(), "spender", spender.Hex())
	return nil
}
