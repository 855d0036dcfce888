package storage

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func createTestSwapRecord(orderHash, h string) *SwapRecord {
	return &SwapRecord{
		OrderHash:        orderHash,
		Hashlock:         h,
		Maker:            "0x1111111111111111111111111111111111111111",
		Taker:            "0x2222222222222222222222222222222222222222",
		SrcChainID:       1,
		DstChainID:       137,
		SrcToken:         "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		DstToken:         "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		SrcAmount:        big.NewInt(1_000_000),
		DstAmount:        big.NewInt(990_000),
		SrcSafetyDeposit: big.NewInt(1000),
		DstSafetyDeposit: big.NewInt(1000),
		Timelocks:        big.NewInt(0),
		Source:           SourceQueue,
	}
}

func TestSwapCRUD(t *testing.T) {
	store := newTestStorage(t, false)

	rec := createTestSwapRecord("0xAAA1", "0xBBB1")
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	rec.SrcAmount = huge

	if err := store.CreateSwap(rec); err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}
	if err := store.CreateSwap(createTestSwapRecord("0xaaa1", "0xother")); !errors.Is(err, ErrSwapExists) {
		t.Errorf("CreateSwap(duplicate) error = %v, want ErrSwapExists", err)
	}

	got, err := store.GetSwap("0xaaa1")
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if got.Status != SwapCreated {
		t.Errorf("Status = %s, want %s", got.Status, SwapCreated)
	}
	if got.SrcAmount.Cmp(huge) != 0 {
		t.Errorf("SrcAmount = %s, want %s", got.SrcAmount, huge)
	}
	if got.DstAmount.Cmp(big.NewInt(990_000)) != 0 {
		t.Errorf("DstAmount = %s", got.DstAmount)
	}
	if got.DstChainID != 137 {
		t.Errorf("DstChainID = %d, want 137", got.DstChainID)
	}

	byLock, err := store.GetSwapByHashlock("0xbbb1")
	if err != nil {
		t.Fatalf("GetSwapByHashlock() error = %v", err)
	}
	if byLock.OrderHash != "0xaaa1" {
		t.Errorf("OrderHash = %s", byLock.OrderHash)
	}

	if _, err := store.GetSwap("0xnope"); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("GetSwap(missing) error = %v, want ErrSwapNotFound", err)
	}
}

func TestCreateSwapValidation(t *testing.T) {
	store := newTestStorage(t, false)

	tests := []struct {
		name   string
		mutate func(*SwapRecord)
	}{
		{"missing order hash", func(r *SwapRecord) { r.OrderHash = "" }},
		{"missing hashlock", func(r *SwapRecord) { r.Hashlock = "" }},
		{"zero amount", func(r *SwapRecord) { r.SrcAmount = big.NewInt(0) }},
		{"nil dst amount", func(r *SwapRecord) { r.DstAmount = nil }},
		{"terminal status", func(r *SwapRecord) { r.Status = SwapCompleted }},
		{"unknown status", func(r *SwapRecord) { r.Status = "BOGUS" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := createTestSwapRecord("0xorder", "0xlock")
			tt.mutate(rec)
			if err := store.CreateSwap(rec); !errors.Is(err, ErrInvalidSwap) {
				t.Errorf("CreateSwap() error = %v, want ErrInvalidSwap", err)
			}
		})
	}
}

func TestUpdateSwapStatus(t *testing.T) {
	store := newTestStorage(t, false)
	if err := store.CreateSwap(createTestSwapRecord("0xo1", "0xh1")); err != nil {
		t.Fatal(err)
	}

	deployed := time.Unix(1_700_000_000, 0)
	got, err := store.UpdateSwapStatus("0xo1", SwapSrcEscrowCreated, &SwapPatch{
		SrcEscrow:     "0xEscrow1",
		SrcDeployedAt: deployed,
		FillTx:        "0xfill",
	})
	if err != nil {
		t.Fatalf("UpdateSwapStatus() error = %v", err)
	}
	if got.Status != SwapSrcEscrowCreated {
		t.Errorf("Status = %s", got.Status)
	}
	if got.SrcEscrow != "0xescrow1" || got.FillTx != "0xfill" {
		t.Errorf("patch not applied: %+v", got)
	}
	if !got.SrcDeployedAt.Equal(deployed) {
		t.Errorf("SrcDeployedAt = %v, want %v", got.SrcDeployedAt, deployed)
	}
	if got.SrcEscrowCreatedAt.IsZero() {
		t.Error("SrcEscrowCreatedAt not stamped")
	}

	// Skipping states is rejected and leaves the record unchanged.
	if _, err := store.UpdateSwapStatus("0xo1", SwapDstFunded, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("skip transition error = %v, want ErrInvalidTransition", err)
	}
	// Backward moves are rejected.
	if _, err := store.UpdateSwapStatus("0xo1", SwapCreated, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("backward transition error = %v, want ErrInvalidTransition", err)
	}

	// Escrow addresses are set once.
	if _, err := store.UpdateSwapStatus("0xo1", SwapSrcDeposited, &SwapPatch{SrcEscrow: "0xother"}); !errors.Is(err, ErrEscrowImmutable) {
		t.Errorf("escrow overwrite error = %v, want ErrEscrowImmutable", err)
	}
	got, _ = store.GetSwap("0xo1")
	if got.Status != SwapSrcEscrowCreated || got.SrcEscrow != "0xescrow1" {
		t.Errorf("record changed after rejected update: %s %s", got.Status, got.SrcEscrow)
	}

	// Re-sending the same escrow is fine.
	if _, err := store.UpdateSwapStatus("0xo1", SwapSrcDeposited, &SwapPatch{SrcEscrow: "0xESCROW1"}); err != nil {
		t.Errorf("same escrow error = %v", err)
	}

	if _, err := store.UpdateSwapStatus("0xmissing", SwapFailed, nil); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("missing swap error = %v, want ErrSwapNotFound", err)
	}
}

func TestSwapHappyPathArchives(t *testing.T) {
	store := newTestStorage(t, false)
	if err := store.CreateSwap(createTestSwapRecord("0xo1", "0xh1")); err != nil {
		t.Fatal(err)
	}

	path, ok := PathTo(SwapCreated, SwapCompleted)
	if !ok {
		t.Fatal("PathTo(CREATED, COMPLETED) not ok")
	}
	for _, st := range path {
		if _, err := store.UpdateSwapStatus("0xo1", st, nil); err != nil {
			t.Fatalf("UpdateSwapStatus(%s) error = %v", st, err)
		}
	}

	got, err := store.GetSwap("0xo1")
	if err != nil {
		t.Fatalf("GetSwap() after archive error = %v", err)
	}
	if got.Status != SwapCompleted || got.CompletedAt.IsZero() {
		t.Errorf("archived record = %s completed_at=%v", got.Status, got.CompletedAt)
	}

	pending, archived, err := store.SwapCount()
	if err != nil {
		t.Fatal(err)
	}
	if pending != 0 || archived != 1 {
		t.Errorf("SwapCount() = %d, %d; want 0, 1", pending, archived)
	}

	// Terminal is final.
	if _, err := store.UpdateSwapStatus("0xo1", SwapFailed, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("transition out of terminal error = %v, want ErrInvalidTransition", err)
	}
	// Archived order hashes cannot be recreated.
	if err := store.CreateSwap(createTestSwapRecord("0xo1", "0xh9")); !errors.Is(err, ErrSwapExists) {
		t.Errorf("CreateSwap(archived) error = %v, want ErrSwapExists", err)
	}

	completed, err := store.ListSwapsByStatus(SwapCompleted)
	if err != nil || len(completed) != 1 {
		t.Errorf("ListSwapsByStatus(COMPLETED) = %d, %v", len(completed), err)
	}
}

func TestSwapFailFromAnyState(t *testing.T) {
	store := newTestStorage(t, false)

	for i, st := range []SwapStatus{SwapCreated, SwapSrcDeposited, SwapSecretRevealed} {
		oh := "0xorder" + string(rune('a'+i))
		if err := store.CreateSwap(createTestSwapRecord(oh, "0xlock"+string(rune('a'+i)))); err != nil {
			t.Fatal(err)
		}
		if path, ok := PathTo(SwapCreated, st); ok {
			for _, step := range path {
				if _, err := store.UpdateSwapStatus(oh, step, nil); err != nil {
					t.Fatal(err)
				}
			}
		}
		got, err := store.UpdateSwapStatus(oh, SwapFailed, &SwapPatch{LastError: "boom", ErrorClass: "protocol"})
		if err != nil {
			t.Fatalf("fail from %s error = %v", st, err)
		}
		if got.LastError != "boom" || got.ErrorClass != "protocol" || got.FailedAt.IsZero() {
			t.Errorf("failed record = %+v", got)
		}
	}
}

func TestListPendingSwapsFIFO(t *testing.T) {
	store := newTestStorage(t, false)

	base := time.Unix(1_700_000_000, 0)
	for i, oh := range []string{"0xc", "0xa", "0xb"} {
		rec := createTestSwapRecord(oh, "0xh"+oh)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.CreateSwap(rec); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.ListPendingSwaps()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"0xc", "0xa", "0xb"}
	if len(list) != len(want) {
		t.Fatalf("ListPendingSwaps() len = %d, want %d", len(list), len(want))
	}
	for i := range want {
		if list[i].OrderHash != want[i] {
			t.Errorf("list[%d] = %s, want %s", i, list[i].OrderHash, want[i])
		}
	}

	if _, err := store.UpdateSwapStatus("0xa", SwapExpired, nil); err != nil {
		t.Fatal(err)
	}
	all, _ := store.ListSwaps(10, false)
	if len(all) != 2 {
		t.Errorf("ListSwaps(live) = %d, want 2", len(all))
	}
	all, _ = store.ListSwaps(10, true)
	if len(all) != 3 {
		t.Errorf("ListSwaps(all) = %d, want 3", len(all))
	}

	hashes, err := store.ProcessedOrderHashes()
	if err != nil || len(hashes) != 3 {
		t.Errorf("ProcessedOrderHashes() = %v, %v", hashes, err)
	}
}

func TestSwapRetryCounter(t *testing.T) {
	store := newTestStorage(t, false)
	if err := store.CreateSwap(createTestSwapRecord("0xo1", "0xh1")); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		n, err := store.IncrementSwapRetry("0xo1")
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Errorf("IncrementSwapRetry() = %d, want %d", n, want)
		}
	}
	if err := store.ResetSwapRetry("0xo1"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetSwap("0xo1")
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}

	if _, err := store.IncrementSwapRetry("0xmissing"); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("IncrementSwapRetry(missing) error = %v", err)
	}
}

func TestPatchSwap(t *testing.T) {
	store := newTestStorage(t, false)
	if err := store.CreateSwap(createTestSwapRecord("0xo1", "0xh1")); err != nil {
		t.Fatal(err)
	}

	got, err := store.PatchSwap("0xo1", &SwapPatch{LastError: "rpc timeout", ErrorClass: "transient"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != SwapCreated || got.LastError != "rpc timeout" {
		t.Errorf("PatchSwap() = %s %q", got.Status, got.LastError)
	}

	got, err = store.PatchSwap("0xo1", &SwapPatch{ClearError: true, Secret: "0xABCD"})
	if err != nil {
		t.Fatal(err)
	}
	if got.LastError != "" || got.ErrorClass != "" || got.Secret != "0xabcd" {
		t.Errorf("PatchSwap(clear) = %+v", got)
	}
}
