package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-resolver/internal/chain"
	"github.com/Klingon-tech/klingdex-resolver/internal/contracts/escrow"
	"github.com/Klingon-tech/klingdex-resolver/internal/hashlock"
	"github.com/Klingon-tech/klingdex-resolver/internal/metrics"
	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
	"github.com/Klingon-tech/klingdex-resolver/pkg/logging"
)

// FillEngineConfig holds the collaborators of a FillEngine.
type FillEngineConfig struct {
	Store    *storage.Storage
	Chains   *chain.Registry
	Filler   OrderFiller
	Queue    *OrderQueue    // optional
	Index    SwapIndexQuery // optional
	Signer   OrderSigner    // optional, verifies queue signatures
	Resolver common.Address

	MinProfitBps int64
	MaxAttempts  int           // fill attempts before FAILED, default 3
	IndexTimeout time.Duration // default 5s

	Metrics *metrics.Collectors
}

// FillResult is the outcome of one Fill call.
type FillResult struct {
	OrderHash  string
	Tx         chain.TxRef
	GasUsed    uint64
	SrcEscrow  common.Address
	DeployedAt time.Time
	Timelocks  *big.Int // from the creation event, without deployedAt
	Record     *storage.SwapRecord

	Skipped bool // record was already past CREATED, nothing sent
	Adopted bool // source escrow reported by the index, nothing sent
}

// FillEngine discovers orders and fills them on the source chain.
type FillEngine struct {
	store    *storage.Storage
	chains   *chain.Registry
	filler   OrderFiller
	queue    *OrderQueue
	index    SwapIndexQuery
	signer   OrderSigner
	resolver common.Address

	minProfitBps int64
	maxAttempts  int
	indexTimeout time.Duration

	mu        sync.Mutex
	processed map[string]struct{}

	metrics *metrics.Collectors
	log     *logging.Logger
}

// NewFillEngine creates a fill engine and seeds the processed set from the
// ledger. Records still at CREATED stay discoverable so their fill can resume.
func NewFillEngine(cfg *FillEngineConfig) (*FillEngine, error) {
	if cfg.Store == nil || cfg.Chains == nil || cfg.Filler == nil {
		return nil, fmt.Errorf("fill engine requires store, chains and filler")
	}
	e := &FillEngine{
		store:        cfg.Store,
		chains:       cfg.Chains,
		filler:       cfg.Filler,
		queue:        cfg.Queue,
		index:        cfg.Index,
		signer:       cfg.Signer,
		resolver:     cfg.Resolver,
		minProfitBps: cfg.MinProfitBps,
		maxAttempts:  cfg.MaxAttempts,
		indexTimeout: cfg.IndexTimeout,
		processed:    make(map[string]struct{}),
		metrics:      cfg.Metrics,
		log:          logging.GetDefault().Component("intake"),
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = 3
	}
	if e.indexTimeout <= 0 {
		e.indexTimeout = 5 * time.Second
	}

	hashes, err := cfg.Store.ProcessedOrderHashes()
	if err != nil {
		return nil, fmt.Errorf("failed to seed processed orders: %w", err)
	}
	unfilled, err := cfg.Store.ListSwapsByStatus(storage.SwapCreated)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfilled orders: %w", err)
	}
	resume := make(map[string]bool, len(unfilled))
	for _, rec := range unfilled {
		resume[rec.OrderHash] = true
	}
	for _, h := range hashes {
		if !resume[h] {
			e.processed[h] = struct{}{}
		}
	}
	e.log.Debug("Seeded processed orders", "count", len(e.processed), "resumable", len(resume))
	return e, nil
}

// IsProfitable reports whether the destination amount beats the source
// amount by the configured basis points.
func (e *FillEngine) IsProfitable(p *PendingOrder) bool {
	return IsProfitable(p.SrcAmount, p.DstAmount, e.minProfitBps)
}

// Processed reports whether an order hash is already handled.
func (e *FillEngine) Processed(orderHash string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.processed[strings.ToLower(orderHash)]
	return ok
}

// ProcessedCount returns the number of handled order hashes.
func (e *FillEngine) ProcessedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.processed)
}

func (e *FillEngine) markProcessed(orderHash string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processed[strings.ToLower(orderHash)] = struct{}{}
}

// release makes an order discoverable again after a retryable failure.
func (e *FillEngine) release(orderHash string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.processed, strings.ToLower(orderHash))
}

// Discover returns queue orders followed by index rows, in FIFO order, minus
// anything already processed. Invalid documents are logged and skipped.
func (e *FillEngine) Discover(ctx context.Context) ([]*PendingOrder, error) {
	var out []*PendingOrder
	seen := make(map[string]bool)
	add := func(p *PendingOrder) {
		key := strings.ToLower(p.OrderHash)
		if seen[key] || e.Processed(key) {
			return
		}
		seen[key] = true
		out = append(out, p)
		e.metrics.OrderDiscovered(string(p.Source))
	}

	if e.queue != nil {
		docs, err := e.queue.List()
		if err != nil {
			e.log.Warn("Failed to read order queue", "error", err)
		}
		nonces := make(map[string]string)
		for _, doc := range docs {
			p, err := e.fromQueue(doc)
			if err != nil {
				e.log.Warn("Skipping invalid queue order", "file", doc.File(), "error", err)
				e.metrics.OrderSkipped("invalid")
				continue
			}
			if n := p.Order.Nonce(); n != 0 {
				key := fmt.Sprintf("%s/%d", strings.ToLower(p.Order.Maker), n)
				if first, dup := nonces[key]; dup && first != p.OrderHash {
					e.log.Warn("Skipping queue order with reused nonce",
						"file", doc.File(), "maker", p.Order.Maker, "nonce", n, "error", ErrNonceReused)
					e.metrics.OrderSkipped("nonce")
					continue
				}
				nonces[key] = p.OrderHash
			}
			add(p)
		}
	}

	if e.index != nil {
		qctx, cancel := context.WithTimeout(ctx, e.indexTimeout)
		rows, err := e.index.PendingOrders(qctx, e.resolver)
		cancel()
		if err != nil {
			e.log.Warn("Index query failed", "error", err)
			rows = nil
		}
		for _, row := range rows {
			p, err := e.fromIndex(row)
			if err != nil {
				e.log.Warn("Skipping invalid index row", "order", helpers.ShortHex(row.OrderHash), "error", err)
				e.metrics.OrderSkipped("invalid")
				continue
			}
			add(p)
		}
	}

	return out, nil
}

func (e *FillEngine) fromQueue(doc *QueueDocument) (*PendingOrder, error) {
	order, err := doc.ParseOrder()
	if err != nil {
		return nil, err
	}
	h, err := hashlock.ParseHashlock(doc.Hashlock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	chainID, err := doc.ChainID.Uint64()
	if err != nil || chainID == 0 {
		return nil, fmt.Errorf("%w: invalid chainId %q", ErrInvalidOrder, doc.ChainID)
	}
	sig, err := helpers.HexToBytes(doc.Signature)
	if err != nil || (len(sig) != 64 && len(sig) != 65) || helpers.IsZeroBytes(sig) {
		return nil, fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	var ext []byte
	if doc.Extension != "" && doc.Extension != "0x" {
		if ext, err = helpers.HexToBytes(doc.Extension); err != nil {
			return nil, fmt.Errorf("%w: extension: %v", ErrInvalidOrder, err)
		}
	}

	p := &PendingOrder{
		Hashlock:   h,
		Order:      order,
		Signature:  sig,
		Extension:  ext,
		Maker:      order.Maker,
		SrcChainID: chainID,
		DstChainID: chainID,
		SrcToken:   order.MakerAsset,
		DstToken:   order.TakerAsset,
		SrcAmount:  order.MakingAmount,
		Timelocks:  DefaultTimelocks(),
		Source:     storage.SourceQueue,
		CreatedAt:  doc.Created(),
		QueueFile:  doc.File(),
	}
	if id, err := doc.DstChainID.Uint64(); err != nil {
		return nil, fmt.Errorf("%w: invalid dstChainId", ErrInvalidOrder)
	} else if id != 0 {
		p.DstChainID = id
	}
	if doc.DstToken != "" {
		if p.DstToken, err = parseAddress(doc.DstToken); err != nil {
			return nil, fmt.Errorf("%w: dstToken: %v", ErrInvalidOrder, err)
		}
	}
	if p.DstAmount, err = doc.DstAmount.BigOr(order.TakingAmount); err != nil || p.DstAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: invalid dstAmount", ErrInvalidOrder)
	}
	if p.SafetyDeposit, err = doc.SafetyDeposit.BigOr(new(big.Int)); err != nil {
		return nil, fmt.Errorf("%w: safetyDeposit: %v", ErrInvalidOrder, err)
	}
	if p.DstSafetyDeposit, err = doc.DstSafetyDeposit.BigOr(new(big.Int)); err != nil {
		return nil, fmt.Errorf("%w: dstSafetyDeposit: %v", ErrInvalidOrder, err)
	}
	if doc.Timelocks != nil {
		p.Timelocks = *doc.Timelocks
	}
	if err := p.Timelocks.Validate(); err != nil {
		return nil, err
	}

	hash, err := e.filler.OrderHash(chainID, order.ABI())
	if err != nil {
		return nil, err
	}
	p.OrderHash = helpers.BytesToHex(hash[:])

	if e.signer != nil {
		if err := e.signer.Verify(hash, sig, common.HexToAddress(order.Maker)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	}
	return p, nil
}

func (e *FillEngine) fromIndex(row IndexRow) (*PendingOrder, error) {
	if _, err := helpers.HexToBytes32(row.OrderHash); err != nil {
		return nil, fmt.Errorf("%w: order hash: %v", ErrInvalidOrder, err)
	}
	h, err := hashlock.ParseHashlock(row.Hashlock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if row.SrcAmount == nil || row.SrcAmount.Sign() <= 0 || row.DstAmount == nil || row.DstAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amounts must be positive", ErrInvalidOrder)
	}

	tl, packedAt := UnpackTimelocks(row.Timelocks)
	deployedAt := row.SrcDeployedAt
	if deployedAt.IsZero() {
		deployedAt = packedAt
	}
	p := &PendingOrder{
		OrderHash:        strings.ToLower(row.OrderHash),
		Hashlock:         h,
		Order:            row.Order,
		Signature:        row.Signature,
		Extension:        row.Extension,
		Maker:            strings.ToLower(row.SrcMaker),
		SrcChainID:       row.SrcChainID,
		DstChainID:       row.DstChainID,
		SrcToken:         strings.ToLower(row.SrcToken),
		DstToken:         strings.ToLower(row.DstToken),
		SrcAmount:        row.SrcAmount,
		DstAmount:        row.DstAmount,
		SafetyDeposit:    row.SafetyDeposit,
		DstSafetyDeposit: row.DstSafetyDeposit,
		Timelocks:        tl,
		Source:           storage.SourceIndex,
		CreatedAt:        row.CreatedAt,
		SrcEscrow:        strings.ToLower(row.SrcEscrow),
		SrcDeployedAt:    deployedAt,
	}

	if row.Timelocks == nil {
		return nil, fmt.Errorf("%w: index row carries no timelocks", ErrInvalidTimelocks)
	}
	if err := tl.Validate(); err != nil {
		return nil, err
	}
	if p.SrcEscrow != "" {
		if !strings.EqualFold(row.SrcTaker, e.resolver.Hex()) {
			return nil, fmt.Errorf("%w: source escrow taker %q is not this resolver", ErrUnauthorized, row.SrcTaker)
		}
		if deployedAt.IsZero() {
			return nil, fmt.Errorf("%w: source escrow deploy time unknown", ErrInvalidTimelocks)
		}
		return p, nil
	}
	if p.Order == nil {
		return nil, fmt.Errorf("%w: no signed payload and no source escrow", ErrInvalidOrder)
	}
	if err := p.Order.Validate(); err != nil {
		return nil, err
	}
	hash, err := e.filler.OrderHash(p.SrcChainID, p.Order.ABI())
	if err != nil {
		return nil, err
	}
	if helpers.BytesToHex(hash[:]) != p.OrderHash {
		return nil, fmt.Errorf("%w: payload hashes to %s", ErrInvalidOrder, helpers.BytesToHex(hash[:]))
	}
	return p, nil
}

// Fill locks the source side of an order. A record already past CREATED is a
// no-op. An interrupted fill resumes from the stored transaction instead of
// sending a second one.
func (e *FillEngine) Fill(ctx context.Context, p *PendingOrder) (*FillResult, error) {
	rec, err := e.store.GetSwap(p.OrderHash)
	switch {
	case err == nil:
		if rec.Status != storage.SwapCreated {
			e.markProcessed(p.OrderHash)
			return &FillResult{OrderHash: rec.OrderHash, Record: rec, Skipped: true}, nil
		}
	case errors.Is(err, storage.ErrSwapNotFound):
		rec = e.newRecord(p)
		if err := e.store.CreateSwap(rec); err != nil {
			return nil, classify("fill", p.OrderHash, err)
		}
	default:
		return nil, classify("fill", p.OrderHash, err)
	}
	e.markProcessed(p.OrderHash)

	if p.SrcEscrow != "" {
		return e.adopt(p)
	}
	if p.Order == nil {
		return nil, e.recordFailure(rec, fmt.Errorf("%w: nothing to fill", ErrInvalidOrder))
	}

	res, err := e.submitFill(ctx, p, rec)
	if err != nil {
		return nil, e.recordFailure(rec, err)
	}

	patch := &storage.SwapPatch{
		SrcEscrow:     strings.ToLower(res.SrcEscrow.Hex()),
		FillTx:        res.Tx.Hash.Hex(),
		SrcDeployedAt: res.DeployedAt,
		Timelocks:     res.Timelocks,
		ClearError:    true,
	}
	updated, err := e.store.UpdateSwapStatus(p.OrderHash, storage.SwapSrcEscrowCreated, patch)
	if err != nil {
		return nil, classify("fill", p.OrderHash, err)
	}
	if err := e.store.ResetSwapRetry(p.OrderHash); err != nil {
		e.log.Warn("Failed to reset retry counter", "order", p.Short(), "error", err)
	}

	res.Record = updated
	e.metrics.OrderFilled(p.SrcChainID)
	e.log.Info("Order filled",
		"order", p.Short(),
		"chain", chain.Name(p.SrcChainID),
		"tx", res.Tx.Hash.Hex(),
		"escrow", res.SrcEscrow.Hex(),
	)
	return res, nil
}

func (e *FillEngine) adopt(p *PendingOrder) (*FillResult, error) {
	updated, err := e.store.UpdateSwapStatus(p.OrderHash, storage.SwapSrcEscrowCreated, &storage.SwapPatch{
		SrcEscrow:     p.SrcEscrow,
		SrcDeployedAt: p.SrcDeployedAt,
	})
	if err != nil {
		return nil, classify("adopt", p.OrderHash, err)
	}
	e.log.Info("Adopted source escrow from index", "order", p.Short(), "escrow", p.SrcEscrow)
	return &FillResult{
		OrderHash:  p.OrderHash,
		SrcEscrow:  common.HexToAddress(p.SrcEscrow),
		DeployedAt: p.SrcDeployedAt,
		Record:     updated,
		Adopted:    true,
	}, nil
}

func (e *FillEngine) submitFill(ctx context.Context, p *PendingOrder, rec *storage.SwapRecord) (*FillResult, error) {
	client, err := e.chains.Get(p.SrcChainID)
	if err != nil {
		return nil, err
	}

	var ref chain.TxRef
	if rec.FillTx != "" {
		ref = chain.TxRef{ChainID: p.SrcChainID, Hash: common.HexToHash(rec.FillTx)}
		e.log.Info("Resuming fill", "order", p.Short(), "tx", rec.FillTx)
	} else {
		call, err := e.filler.EncodeFill(p.SrcChainID, p.Order.ABI(), p.Signature, p.Extension, p.SafetyDeposit)
		if err != nil {
			return nil, err
		}
		if _, err := client.Simulate(ctx, call); err != nil {
			return nil, err
		}
		ref, err = client.Submit(ctx, call)
		if err != nil {
			return nil, err
		}
		if ref.IsZero() {
			return nil, fmt.Errorf("%w: zero fill tx hash", ErrPlaceholderResult)
		}
		if _, err := e.store.PatchSwap(p.OrderHash, &storage.SwapPatch{FillTx: ref.Hash.Hex()}); err != nil {
			e.log.Warn("Failed to record fill tx", "order", p.Short(), "error", err)
		}
	}

	receipt, err := client.WaitForConfirmation(ctx, ref)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, fmt.Errorf("%w: empty fill receipt", ErrPlaceholderResult)
	}
	if !receipt.Success {
		return nil, fmt.Errorf("%w: fill %s", ErrTxReverted, ref.Hash.Hex())
	}

	created, err := e.filler.ParseSrcEscrow(ctx, client, receipt)
	if err != nil {
		return nil, err
	}
	if created == nil || created.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero source escrow address", ErrPlaceholderResult)
	}

	res := &FillResult{
		OrderHash:  p.OrderHash,
		Tx:         ref,
		GasUsed:    receipt.GasUsed,
		SrcEscrow:  created.Address,
		DeployedAt: created.DeployedAt,
	}
	if res.DeployedAt.IsZero() {
		res.DeployedAt = receipt.BlockTime
	}
	if created.Immutables.Timelocks != nil && created.Immutables.Timelocks.Sign() > 0 {
		res.Timelocks = escrow.WithDeployedAt(created.Immutables.Timelocks, time.Time{})
	}
	return res, nil
}

// recordFailure persists a classified fill failure. Transient failures keep
// the record at CREATED until the attempt budget runs out.
func (e *FillEngine) recordFailure(rec *storage.SwapRecord, err error) error {
	se := classify("fill", rec.OrderHash, err)
	e.metrics.FillFailed(string(se.Class))
	if isCanceled(err) {
		e.release(rec.OrderHash)
		return se
	}

	if se.Class == ClassTransient {
		n, ierr := e.store.IncrementSwapRetry(rec.OrderHash)
		if ierr == nil && n < e.maxAttempts {
			if _, perr := e.store.PatchSwap(rec.OrderHash, &storage.SwapPatch{
				LastError:  se.Error(),
				ErrorClass: string(se.Class),
			}); perr != nil {
				e.log.Warn("Failed to record fill error", "order", helpers.ShortHex(rec.OrderHash), "error", perr)
			}
			e.log.Warn("Fill attempt failed", "order", helpers.ShortHex(rec.OrderHash), "attempt", n, "max", e.maxAttempts, "error", err)
			e.release(rec.OrderHash)
			return se
		}
	}

	if _, uerr := e.store.UpdateSwapStatus(rec.OrderHash, storage.SwapFailed, &storage.SwapPatch{
		LastError:  se.Error(),
		ErrorClass: string(se.Class),
	}); uerr != nil {
		e.log.Error("Failed to mark swap failed", "order", helpers.ShortHex(rec.OrderHash), "error", uerr)
	}
	e.log.Error("Fill failed", "order", helpers.ShortHex(rec.OrderHash), "class", se.Class, "error", err)
	return se
}

func (e *FillEngine) newRecord(p *PendingOrder) *storage.SwapRecord {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &storage.SwapRecord{
		OrderHash:        p.OrderHash,
		Hashlock:         p.Hashlock.Hex(),
		Maker:            p.Maker,
		Taker:            strings.ToLower(e.resolver.Hex()),
		SrcChainID:       p.SrcChainID,
		DstChainID:       p.DstChainID,
		SrcToken:         p.SrcToken,
		DstToken:         p.DstToken,
		SrcAmount:        p.SrcAmount,
		DstAmount:        p.DstAmount,
		SrcSafetyDeposit: p.SafetyDeposit,
		DstSafetyDeposit: p.DstSafetyDeposit,
		Timelocks:        p.Timelocks.Pack(time.Time{}),
		Status:           storage.SwapCreated,
		Source:           p.Source,
		CreatedAt:        created,
	}
}
