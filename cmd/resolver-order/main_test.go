package main

import (
	"os"
	"testing"
	"time"

	"github.com/Klingon-tech/klingdex-resolver/internal/contracts/escrow"
	"github.com/Klingon-tech/klingdex-resolver/internal/hashlock"
	"github.com/Klingon-tech/klingdex-resolver/internal/swap"
	"github.com/Klingon-tech/klingdex-resolver/internal/wallet"
	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
)

const testMakerKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testSigner(t *testing.T) *wallet.Signer {
	t.Helper()
	key, err := wallet.ParsePrivateKey(testMakerKey)
	if err != nil {
		t.Fatalf("ParsePrivateKey() error = %v", err)
	}
	return wallet.NewSigner(key)
}

func testParams() *orderParams {
	return &orderParams{
		ChainID:       1,
		DstChainID:    137,
		MakerAsset:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		TakerAsset:    "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		MakingAmount:  "1000000",
		TakingAmount:  "990000",
		SafetyDeposit: "1000",
		Nonce:         7,
		Timelocks:     swap.DefaultTimelocks(),
	}
}

func testCodec() *escrow.Codec {
	return escrow.NewCodec(map[uint64]escrow.Deployment{1: escrow.DefaultDeployment()})
}

func TestBuildDocumentSignsOrder(t *testing.T) {
	signer := testSigner(t)
	codec := testCodec()
	now := time.UnixMilli(1700000000123)

	doc, secret, orderHash, err := buildDocument(codec, signer, testParams(), now)
	if err != nil {
		t.Fatalf("buildDocument() error = %v", err)
	}

	order, err := doc.ParseOrder()
	if err != nil {
		t.Fatalf("ParseOrder() error = %v", err)
	}
	if order.Maker != signer.Address().Hex() {
		t.Errorf("Maker = %s, want %s", order.Maker, signer.Address().Hex())
	}
	if order.Nonce() != 7 {
		t.Errorf("Nonce() = %d, want 7", order.Nonce())
	}
	if order.HasExtension() {
		t.Error("order without extension should not set the extension bit")
	}

	hash, err := codec.OrderHash(1, order.ABI())
	if err != nil {
		t.Fatalf("OrderHash() error = %v", err)
	}
	if got := helpers.BytesToHex(hash[:]); got != orderHash {
		t.Errorf("order hash = %s, want %s", orderHash, got)
	}
	sig, err := helpers.HexToBytes(doc.Signature)
	if err != nil {
		t.Fatalf("signature hex: %v", err)
	}
	if err := signer.Verify(hash, sig, signer.Address()); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	h, err := hashlock.ParseHashlock(doc.Hashlock)
	if err != nil {
		t.Fatalf("ParseHashlock() error = %v", err)
	}
	if !hashlock.Verify(secret, h) {
		t.Error("hashlock does not commit to the secret")
	}
	if !doc.Created().Equal(now) {
		t.Errorf("Created() = %v, want %v", doc.Created(), now)
	}
	if id, _ := doc.DstChainID.Uint64(); id != 137 {
		t.Errorf("DstChainID = %d, want 137", id)
	}
}

func TestBuildDocumentExtensionTraits(t *testing.T) {
	p := testParams()
	p.Extension = "0xdeadbeef"

	doc, _, _, err := buildDocument(testCodec(), testSigner(t), p, time.Now())
	if err != nil {
		t.Fatalf("buildDocument() error = %v", err)
	}
	order, err := doc.ParseOrder()
	if err != nil {
		t.Fatalf("ParseOrder() error = %v", err)
	}
	if !order.HasExtension() || !order.PostInteraction() {
		t.Error("extension orders need the extension and post-interaction bits")
	}
	if doc.Extension != "0xdeadbeef" {
		t.Errorf("Extension = %s, want 0xdeadbeef", doc.Extension)
	}
}

func TestBuildDocumentErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p *orderParams)
	}{
		{"missing chain", func(p *orderParams) { p.ChainID = 0 }},
		{"unknown chain", func(p *orderParams) { p.ChainID = 999 }},
		{"bad making amount", func(p *orderParams) { p.MakingAmount = "1.5" }},
		{"zero taking amount", func(p *orderParams) { p.TakingAmount = "0" }},
		{"bad deposit", func(p *orderParams) { p.SafetyDeposit = "-1" }},
		{"bad asset", func(p *orderParams) { p.MakerAsset = "0x1234" }},
		{"bad receiver checksum", func(p *orderParams) { p.Receiver = "0xF39Fd6e51aad88F6F4ce6aB8827279cffFb92266" }},
		{"bad extension", func(p *orderParams) { p.Extension = "0xzz" }},
		{"bad dst amount", func(p *orderParams) { p.DstAmount = "abc" }},
		{"bad timelocks", func(p *orderParams) { p.Timelocks = swap.Timelocks{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.modify(p)
			if _, _, _, err := buildDocument(testCodec(), testSigner(t), p, time.Now()); err == nil {
				t.Error("buildDocument() should fail")
			}
		})
	}
}

func TestCreateOrderWritesQueueAndSecret(t *testing.T) {
	queue, err := swap.NewOrderQueue(t.TempDir())
	if err != nil {
		t.Fatalf("NewOrderQueue() error = %v", err)
	}

	res, err := createOrder(queue, testCodec(), testSigner(t), testParams())
	if err != nil {
		t.Fatalf("createOrder() error = %v", err)
	}
	if _, err := os.Stat(res.File); err != nil {
		t.Errorf("queue document missing: %v", err)
	}

	docs, err := queue.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 1 || docs[0].Hashlock != res.Hashlock {
		t.Fatalf("List() = %d docs, want the new order", len(docs))
	}

	h, err := hashlock.ParseHashlock(res.Hashlock)
	if err != nil {
		t.Fatalf("ParseHashlock() error = %v", err)
	}
	if _, ok, err := queue.ReadSecret(h); err != nil || !ok {
		t.Errorf("ReadSecret() = ok %v, err %v; want the maker secret", ok, err)
	}
}
