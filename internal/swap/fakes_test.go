package swap

import (
	"context"
	"math/big"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Klingon-tech/klingdex-resolver/internal/chain"
	"github.com/Klingon-tech/klingdex-resolver/internal/contracts/escrow"
	"github.com/Klingon-tech/klingdex-resolver/internal/hashlock"
	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
)

const (
	srcChain uint64 = 1
	dstChain uint64 = 137
)

var (
	testResolver = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	testMaker    = "0x00000000000000000000000000000000000000aa"
	testSrcToken = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	testDstToken = "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359"
	oneEther     = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// deployedAgo is far enough back for every withdrawal window of
// DefaultTimelocks to be open and well before source cancellation.
func deployedAgo() time.Time {
	return time.Now().Add(-10 * time.Minute).Truncate(time.Second)
}

// fakeChain is an in-memory ledger. Every submitted call succeeds unless
// simulate or submit say otherwise.
type fakeChain struct {
	mu sync.Mutex

	id        uint64
	blockTime time.Time
	balances  map[common.Address]*big.Int
	allowance *big.Int

	simulate func(call chain.Call) error
	revert   bool // receipts report failure

	nonce     uint64
	simulated []chain.Call
	submitted []chain.Call
	waited    []chain.TxRef
	approvals int
}

func newFakeChain(id uint64) *fakeChain {
	return &fakeChain{
		id:        id,
		blockTime: deployedAgo(),
		balances:  make(map[common.Address]*big.Int),
		allowance: new(big.Int),
	}
}

func (f *fakeChain) ChainID() uint64          { return f.id }
func (f *fakeChain) Address() common.Address { return testResolver }

func (f *fakeChain) BalanceOf(_ context.Context, _, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[owner]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) setBalance(owner string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[common.HexToAddress(owner)] = amount
}

func (f *fakeChain) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.allowance), nil
}

func (f *fakeChain) Approve(_ context.Context, _, _ common.Address, amount *big.Int) (chain.TxRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals++
	f.allowance = new(big.Int).Set(amount)
	return f.nextRef(), nil
}

func (f *fakeChain) Simulate(_ context.Context, call chain.Call) ([]byte, error) {
	f.mu.Lock()
	f.simulated = append(f.simulated, call)
	sim := f.simulate
	f.mu.Unlock()
	if sim != nil {
		if err := sim(call); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (f *fakeChain) Submit(_ context.Context, call chain.Call) (chain.TxRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, call)
	return f.nextRef(), nil
}

// nextRef is called with f.mu held.
func (f *fakeChain) nextRef() chain.TxRef {
	f.nonce++
	return chain.TxRef{
		ChainID: f.id,
		Hash:    common.BigToHash(new(big.Int).SetUint64(f.id<<32 | f.nonce)),
	}
}

func (f *fakeChain) WaitForConfirmation(_ context.Context, ref chain.TxRef) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = append(f.waited, ref)
	return &chain.Receipt{
		Tx:          ref,
		Success:     !f.revert,
		GasUsed:     21000,
		BlockNumber: 100,
		BlockTime:   f.blockTime,
	}, nil
}

func (f *fakeChain) ParseEvents(_ context.Context, r *chain.Receipt) ([]types.Log, error) {
	return r.Logs, nil
}

func (f *fakeChain) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeChain) simulations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.simulated)
}

// escrowFor derives a deterministic escrow address from a transaction.
func escrowFor(ref chain.TxRef) common.Address {
	return common.BytesToAddress(ref.Hash[12:])
}

// fakeFiller uses the real order hash and calldata but reads the escrow
// from the transaction hash instead of event logs.
type fakeFiller struct {
	*escrow.Codec
}

func newFakeFiller() *fakeFiller {
	return &fakeFiller{Codec: escrow.NewCodec(map[uint64]escrow.Deployment{
		srcChain: escrow.DefaultDeployment(),
		dstChain: escrow.DefaultDeployment(),
	})}
}

func (f *fakeFiller) ParseSrcEscrow(_ context.Context, _ chain.Client, r *chain.Receipt) (*escrow.Created, error) {
	return &escrow.Created{
		Address:    escrowFor(r.Tx),
		DeployedAt: r.BlockTime,
		Immutables: escrow.Immutables{Timelocks: DefaultTimelocks().Pack(r.BlockTime)},
	}, nil
}

func (f *fakeFiller) ParseDstEscrow(_ context.Context, _ chain.Client, r *chain.Receipt) (*escrow.Created, error) {
	return &escrow.Created{Address: escrowFor(r.Tx), DeployedAt: r.BlockTime}, nil
}

// fakeIndex serves canned rows.
type fakeIndex struct {
	mu       sync.Mutex
	pending  []IndexRow
	revealed []IndexRow
	rows     map[string]*IndexRow
	err      error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{rows: make(map[string]*IndexRow)}
}

func (f *fakeIndex) PendingOrders(context.Context, common.Address) ([]IndexRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]IndexRow(nil), f.pending...), f.err
}

func (f *fakeIndex) RevealedSecrets(context.Context) ([]IndexRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]IndexRow(nil), f.revealed...), f.err
}

func (f *fakeIndex) SwapByOrderHash(_ context.Context, orderHash string) (*IndexRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[strings.ToLower(orderHash)], nil
}

func (f *fakeIndex) setRow(row IndexRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[strings.ToLower(row.OrderHash)] = &row
}

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "resolver-swap-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestQueue(t *testing.T) *OrderQueue {
	t.Helper()
	q, err := NewOrderQueue(t.TempDir())
	if err != nil {
		t.Fatalf("NewOrderQueue() error = %v", err)
	}
	return q
}

// testDoc builds a queue document for a fresh secret.
func testDoc(t *testing.T, salt int64, making, taking *big.Int) (*QueueDocument, hashlock.Secret) {
	t.Helper()
	secret, h, err := hashlock.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	sig := make([]byte, 65)
	for i := range sig {
		sig[i] = byte(i + 1)
	}
	sig[64] = 27
	doc := &QueueDocument{
		Order: NewQueueOrder(&Order{
			Salt:         big.NewInt(salt),
			Maker:        testMaker,
			MakerAsset:   testSrcToken,
			TakerAsset:   testDstToken,
			MakingAmount: making,
			TakingAmount: taking,
			MakerTraits:  new(big.Int),
		}),
		Signature:  helpers.BytesToHex(sig),
		ChainID:    DecimalOf(new(big.Int).SetUint64(srcChain)),
		DstChainID: DecimalOf(new(big.Int).SetUint64(dstChain)),
		Hashlock:   h.Hex(),
		CreatedAt:  DecimalOf(big.NewInt(time.Now().UnixMilli() + salt)),
	}
	return doc, secret
}

// orderHashOf computes the hash the fill engine will use for doc.
func orderHashOf(t *testing.T, filler OrderFiller, doc *QueueDocument) string {
	t.Helper()
	o, err := doc.ParseOrder()
	if err != nil {
		t.Fatalf("ParseOrder() error = %v", err)
	}
	h, err := filler.OrderHash(srcChain, o.ABI())
	if err != nil {
		t.Fatalf("OrderHash() error = %v", err)
	}
	return helpers.BytesToHex(h[:])
}

type harness struct {
	store    *storage.Storage
	src, dst *fakeChain
	chains   *chain.Registry
	filler   *fakeFiller
	queue    *OrderQueue
	index    *fakeIndex

	// now is the withdrawal engine clock; nil means time.Now.
	now func() time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  newTestStore(t),
		src:    newFakeChain(srcChain),
		dst:    newFakeChain(dstChain),
		filler: newFakeFiller(),
		queue:  newTestQueue(t),
		index:  newFakeIndex(),
	}
	var err error
	if h.chains, err = chain.NewRegistry(h.src, h.dst); err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return h
}

func (h *harness) fillEngine(t *testing.T, minProfitBps int64) *FillEngine {
	t.Helper()
	e, err := NewFillEngine(&FillEngineConfig{
		Store:        h.store,
		Chains:       h.chains,
		Filler:       h.filler,
		Queue:        h.queue,
		Index:        h.index,
		Resolver:     testResolver,
		MinProfitBps: minProfitBps,
		MaxAttempts:  2,
	})
	if err != nil {
		t.Fatalf("NewFillEngine() error = %v", err)
	}
	return e
}

func (h *harness) withdrawEngine(t *testing.T) *WithdrawalEngine {
	t.Helper()
	e, err := NewWithdrawalEngine(&WithdrawalEngineConfig{
		Store:      h.store,
		Chains:     h.chains,
		Codec:      h.filler,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		Now:        h.now,
	})
	if err != nil {
		t.Fatalf("NewWithdrawalEngine() error = %v", err)
	}
	return e
}

func (h *harness) coordinator(t *testing.T, minProfitBps int64, mutate func(*CoordinatorConfig)) *Coordinator {
	t.Helper()
	cfg := &CoordinatorConfig{
		Store:               h.store,
		Chains:              h.chains,
		Fill:                h.fillEngine(t, minProfitBps),
		Withdraw:            h.withdrawEngine(t),
		Index:               h.index,
		Queue:               h.queue,
		Resolver:            testResolver,
		WithdrawMaxAttempts: 3,
		MaxRetries:          2,
	}
	if mutate != nil {
		mutate(cfg)
	}
	c, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	return c
}

// seedSwap inserts a record and walks it along the happy path to status.
func seedSwap(t *testing.T, store *storage.Storage, status storage.SwapStatus) (*storage.SwapRecord, hashlock.Secret) {
	t.Helper()
	secret, h, err := hashlock.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	rec := &storage.SwapRecord{
		OrderHash:        helpers.BytesToHex(h[:16]) + strings.Repeat("ab", 16),
		Hashlock:         h.Hex(),
		Maker:            testMaker,
		Taker:            strings.ToLower(testResolver.Hex()),
		SrcChainID:       srcChain,
		DstChainID:       dstChain,
		SrcToken:         testSrcToken,
		DstToken:         testDstToken,
		SrcAmount:        new(big.Int).Set(oneEther),
		DstAmount:        new(big.Int).Set(oneEther),
		SrcSafetyDeposit: new(big.Int),
		DstSafetyDeposit: new(big.Int),
		Timelocks:        DefaultTimelocks().Pack(time.Time{}),
		Status:           storage.SwapCreated,
		Source:           storage.SourceIndex,
	}
	if err := store.CreateSwap(rec); err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}

	deployed := deployedAgo()
	path, ok := storage.PathTo(storage.SwapCreated, status)
	if !ok && status != storage.SwapCreated {
		t.Fatalf("no path to %s", status)
	}
	for _, st := range path {
		patch := &storage.SwapPatch{}
		switch st {
		case storage.SwapSrcEscrowCreated:
			patch.SrcEscrow = "0x00000000000000000000000000000000000000c1"
			patch.SrcDeployedAt = deployed
		case storage.SwapDstEscrowCreated:
			patch.DstEscrow = "0x00000000000000000000000000000000000000d1"
			patch.DstDeployedAt = deployed
		}
		if rec, err = store.UpdateSwapStatus(rec.OrderHash, st, patch); err != nil {
			t.Fatalf("UpdateSwapStatus(%s) error = %v", st, err)
		}
	}
	return rec, secret
}
