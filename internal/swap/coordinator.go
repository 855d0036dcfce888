package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-resolver/internal/chain"
	"github.com/Klingon-tech/klingdex-resolver/internal/hashlock"
	"github.com/Klingon-tech/klingdex-resolver/internal/metrics"
	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
	"github.com/Klingon-tech/klingdex-resolver/pkg/logging"
)

// Coordinator drives every tracked swap from discovery to a terminal status,
// one tick at a time.
type Coordinator struct {
	store    *storage.Storage
	chains   *chain.Registry
	fill     *FillEngine
	withdraw *WithdrawalEngine
	index    SwapIndexQuery
	queue    *OrderQueue
	deployer DstEscrowDeployer
	resolver common.Address

	tickInterval        time.Duration
	withdrawMaxAttempts int
	maxRetries          int
	stuckAfter          time.Duration
	indexTimeout        time.Duration
	now                 func() time.Time

	// tickMu serializes ticks from the loop and RunOnce.
	tickMu       sync.Mutex
	stuck        map[string]bool
	unprofitable map[string]bool

	mu            sync.RWMutex
	eventHandlers []EventHandler
	running       bool
	stop          chan struct{}
	done          chan struct{}
	ordersFilled  int
	ordersSkipped int
	ticks         uint64
	lastTick      time.Time

	metrics *metrics.Collectors
	log     *logging.Logger
}

// NewCoordinator creates a coordinator. Nothing runs until Start or RunOnce.
func NewCoordinator(cfg *CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Chains == nil || cfg.Fill == nil || cfg.Withdraw == nil {
		return nil, fmt.Errorf("coordinator requires store, chains, fill and withdrawal engines")
	}
	c := &Coordinator{
		store:               cfg.Store,
		chains:              cfg.Chains,
		fill:                cfg.Fill,
		withdraw:            cfg.Withdraw,
		index:               cfg.Index,
		queue:               cfg.Queue,
		deployer:            cfg.Deployer,
		resolver:            cfg.Resolver,
		tickInterval:        cfg.TickInterval,
		withdrawMaxAttempts: cfg.WithdrawMaxAttempts,
		maxRetries:          cfg.MaxRetries,
		stuckAfter:          cfg.StuckAfter,
		indexTimeout:        cfg.IndexTimeout,
		now:                 cfg.Now,
		stuck:               make(map[string]bool),
		unprofitable:        make(map[string]bool),
		eventHandlers:       make([]EventHandler, 0),
		metrics:             cfg.Metrics,
		log:                 logging.GetDefault().Component("swap"),
	}
	if c.tickInterval <= 0 {
		c.tickInterval = 10 * time.Second
	}
	if c.withdrawMaxAttempts <= 0 {
		c.withdrawMaxAttempts = 5
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 5
	}
	if c.stuckAfter <= 0 {
		c.stuckAfter = 30 * time.Minute
	}
	if c.indexTimeout <= 0 {
		c.indexTimeout = 5 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// OnEvent registers an event handler.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

// emitEvent emits an event to all handlers.
func (c *Coordinator) emitEvent(orderHash, eventType string, data interface{}) {
	event := SwapEvent{
		OrderHash: orderHash,
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now(),
	}

	c.mu.RLock()
	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)
	c.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// Start runs ticks every tick interval until Stop is called or ctx ends.
// The first tick runs immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	c.log.Info("Coordinator started", "interval", c.tickInterval, "resolver", c.resolver.Hex())
	go c.run(ctx, stop, done)
	return nil
}

// Stop ends the loop and waits for the in-flight tick to finish.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	stop, done := c.stop, c.done
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	<-done
	c.log.Info("Coordinator stopped")
	return nil
}

func (c *Coordinator) run(ctx context.Context, stop, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("Tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// IsRunning reports whether the tick loop is active.
func (c *Coordinator) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Status returns a snapshot of counters and store statistics.
func (c *Coordinator) Status() (*Status, error) {
	stats, err := c.store.SecretStatistics()
	if err != nil {
		return nil, err
	}
	pending, archived, err := c.store.SwapCount()
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Status{
		OrdersProcessed:   c.fill.ProcessedCount(),
		OrdersFilled:      c.ordersFilled,
		OrdersSkipped:     c.ordersSkipped,
		SecretsStatistics: stats,
		IsRunning:         c.running,
		LastTick:          c.lastTick,
		Ticks:             c.ticks,
		PendingSwaps:      pending,
		ArchivedSwaps:     archived,
	}, nil
}

// SubmitSecret stores an operator-supplied secret for a tracked swap.
func (c *Coordinator) SubmitSecret(ctx context.Context, hashlockHex, secretHex string) (*storage.SecretRecord, error) {
	h, err := hashlock.ParseHashlock(hashlockHex)
	if err != nil {
		return nil, &Error{Class: ClassValidation, Op: "submit secret", Err: err}
	}
	secret, err := hashlock.ParseSecret(secretHex)
	if err != nil {
		return nil, &Error{Class: ClassValidation, Op: "submit secret", Err: err}
	}
	if !hashlock.Verify(secret, h) {
		return nil, &Error{
			Class: ClassValidation,
			Op:    "submit secret",
			Err:   fmt.Errorf("%w: secret does not hash to %s", ErrInvalidSecret, h.Hex()),
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, err := c.store.GetSwapByHashlock(h.Hex())
	if err != nil {
		return nil, classify("submit secret", "", err)
	}
	if _, err := c.storeSecret(secret, rec, "operator"); err != nil {
		return nil, classify("submit secret", rec.OrderHash, err)
	}
	return c.store.GetSecretByHash(h.Hex())
}

// storeSecret records a verified secret for rec. It reports false when the
// secret was already known.
func (c *Coordinator) storeSecret(secret hashlock.Secret, rec *storage.SwapRecord, source string) (bool, error) {
	h := hashlock.Hash(secret).Hex()
	if _, err := c.store.GetSecretByHash(h); err == nil {
		return false, nil
	} else if !errors.Is(err, storage.ErrSecretNotFound) {
		return false, err
	}

	if _, err := c.store.PutSecret(secret, rec.OrderHash, rec.SrcEscrow, rec.SrcChainID); err != nil {
		return false, err
	}
	c.metrics.SecretStored(source)
	c.log.Info("Secret stored", "order", helpers.ShortHex(rec.OrderHash), "hashlock", helpers.ShortHex(h), "source", source)
	c.emitEvent(rec.OrderHash, EventSecretStored, map[string]interface{}{
		"hashlock": h,
		"source":   source,
	})
	return true, nil
}

// transition moves rec to status and announces it.
func (c *Coordinator) transition(rec *storage.SwapRecord, status storage.SwapStatus, patch *storage.SwapPatch) (*storage.SwapRecord, error) {
	updated, err := c.store.UpdateSwapStatus(rec.OrderHash, status, patch)
	if err != nil {
		return nil, err
	}
	c.metrics.SwapTransition(string(status))
	c.log.Info("Swap status changed",
		"order", helpers.ShortHex(rec.OrderHash),
		"from", rec.Status,
		"to", status,
	)
	data := map[string]interface{}{
		"from":   string(rec.Status),
		"status": string(status),
	}
	if updated.LastError != "" && status == storage.SwapFailed {
		data["error"] = updated.LastError
	}
	c.emitEvent(rec.OrderHash, EventSwapStatus, data)
	return updated, nil
}

// failSwap demotes a record to FAILED and marks its secret failed.
func (c *Coordinator) failSwap(rec *storage.SwapRecord, se *Error) bool {
	if _, err := c.transition(rec, storage.SwapFailed, &storage.SwapPatch{
		LastError:  se.Error(),
		ErrorClass: string(se.Class),
	}); err != nil {
		c.log.Error("Failed to mark swap failed", "order", helpers.ShortHex(rec.OrderHash), "error", err)
		return false
	}
	if err := c.store.MarkSecretFailed(rec.Hashlock, se.Error()); err != nil && !errors.Is(err, storage.ErrSecretNotFound) {
		c.log.Debug("Secret not marked failed", "order", helpers.ShortHex(rec.OrderHash), "error", err)
	}
	c.log.Error("Swap failed", "order", helpers.ShortHex(rec.OrderHash), "class", se.Class, "error", se.Err)
	return true
}

// recordError persists a per-order failure. Transient errors count against
// max_retries; anything else fails the swap at once. It reports whether the
// swap was demoted.
func (c *Coordinator) recordError(rec *storage.SwapRecord, op string, err error) bool {
	se := classify(op, rec.OrderHash, err)
	if isCanceled(err) {
		return false
	}
	if se.Class != ClassTransient {
		return c.failSwap(rec, se)
	}

	n, ierr := c.store.IncrementSwapRetry(rec.OrderHash)
	if ierr != nil {
		c.log.Warn("Failed to increment retry counter", "order", helpers.ShortHex(rec.OrderHash), "error", ierr)
		return false
	}
	if n >= c.maxRetries {
		return c.failSwap(rec, se)
	}
	if _, perr := c.store.PatchSwap(rec.OrderHash, &storage.SwapPatch{
		LastError:  se.Error(),
		ErrorClass: string(se.Class),
	}); perr != nil {
		c.log.Warn("Failed to record error", "order", helpers.ShortHex(rec.OrderHash), "error", perr)
	}
	c.log.Warn("Swap step failed, will retry", "order", helpers.ShortHex(rec.OrderHash), "op", op, "retry", n, "max", c.maxRetries, "error", se.Err)
	return false
}
