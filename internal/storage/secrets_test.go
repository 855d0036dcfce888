package storage

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/Klingon-tech/klingdex-resolver/internal/hashlock"
)

func mustSecret(t *testing.T) hashlock.Secret {
	t.Helper()
	s, _, err := hashlock.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	return s
}

func TestSecretPutAndGet(t *testing.T) {
	store := newTestStorage(t, false)
	secret := mustSecret(t)
	h := hashlock.Hash(secret).Hex()

	rec, err := store.PutSecret(secret, "0xORDER1", "", 1)
	if err != nil {
		t.Fatalf("PutSecret() error = %v", err)
	}
	if rec.Status != SecretPending {
		t.Errorf("Status = %s, want %s", rec.Status, SecretPending)
	}
	if rec.OrderHash != "0xorder1" {
		t.Errorf("OrderHash = %s, want lowercased", rec.OrderHash)
	}

	byHash, err := store.GetSecretByHash(strings.ToUpper(h))
	if err != nil {
		t.Fatalf("GetSecretByHash() error = %v", err)
	}
	if byHash.Secret != secret.Hex() {
		t.Errorf("Secret = %s, want %s", byHash.Secret, secret.Hex())
	}

	byOrder, err := store.GetSecretByOrderHash("0xorder1")
	if err != nil {
		t.Fatalf("GetSecretByOrderHash() error = %v", err)
	}
	if byOrder.Hashlock != h {
		t.Errorf("Hashlock = %s, want %s", byOrder.Hashlock, h)
	}

	if _, err := store.GetSecretByHash("0xdead"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("GetSecretByHash(missing) error = %v, want ErrSecretNotFound", err)
	}
}

func TestSecretPutIdempotent(t *testing.T) {
	store := newTestStorage(t, false)
	secret := mustSecret(t)

	if _, err := store.PutSecret(secret, "0xorder", "", 1); err != nil {
		t.Fatal(err)
	}
	if err := store.ConfirmSecret(hashlock.Hash(secret).Hex(), "0xtx", 21000); err != nil {
		t.Fatal(err)
	}

	// Re-put keeps the status and fills the escrow address.
	rec, err := store.PutSecret(secret, "0xorder", "0xEscrow", 1)
	if err != nil {
		t.Fatalf("PutSecret() again error = %v", err)
	}
	if rec.Status != SecretConfirmed {
		t.Errorf("Status = %s, want %s", rec.Status, SecretConfirmed)
	}
	if rec.EscrowAddress != "0xescrow" {
		t.Errorf("EscrowAddress = %s, want 0xescrow", rec.EscrowAddress)
	}
}

func TestSecretConflicts(t *testing.T) {
	store := newTestStorage(t, false)
	secret := mustSecret(t)

	if _, err := store.PutSecret(secret, "0xorder-a", "", 1); err != nil {
		t.Fatal(err)
	}

	// Same hashlock, different order.
	if _, err := store.PutSecret(secret, "0xorder-b", "", 1); !errors.Is(err, ErrSecretConflict) {
		t.Errorf("PutSecret(other order) error = %v, want ErrSecretConflict", err)
	}

	// Same order, different hashlock.
	other := mustSecret(t)
	if _, err := store.PutSecret(other, "0xorder-a", "", 1); !errors.Is(err, ErrSecretConflict) {
		t.Errorf("PutSecret(other secret) error = %v, want ErrSecretConflict", err)
	}

	stats, err := store.SecretStatistics()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 {
		t.Errorf("Total = %d, want 1", stats.Total)
	}
}

func TestSecretStatusTransitions(t *testing.T) {
	store := newTestStorage(t, false)

	confirmed := mustSecret(t)
	failed := mustSecret(t)
	pending := mustSecret(t)
	for i, s := range []hashlock.Secret{confirmed, failed, pending} {
		if _, err := store.PutSecret(s, "0xorder"+string(rune('a'+i)), "", 1); err != nil {
			t.Fatal(err)
		}
	}

	ch := hashlock.Hash(confirmed).Hex()
	fh := hashlock.Hash(failed).Hex()

	if err := store.ConfirmSecret(ch, "0xabc", 50000); err != nil {
		t.Fatalf("ConfirmSecret() error = %v", err)
	}
	if err := store.ConfirmSecret(ch, "0xabc", 50000); err != nil {
		t.Errorf("ConfirmSecret() twice error = %v, want nil", err)
	}
	if err := store.MarkSecretFailed(ch, "late"); !errors.Is(err, ErrInvalidSecretTransition) {
		t.Errorf("MarkSecretFailed(confirmed) error = %v, want ErrInvalidSecretTransition", err)
	}

	if err := store.MarkSecretFailed(fh, "InvalidSecret"); err != nil {
		t.Fatalf("MarkSecretFailed() error = %v", err)
	}
	if err := store.ConfirmSecret(fh, "0xdef", 1); !errors.Is(err, ErrInvalidSecretTransition) {
		t.Errorf("ConfirmSecret(failed) error = %v, want ErrInvalidSecretTransition", err)
	}

	got, _ := store.GetSecretByHash(ch)
	if got.ConfirmTx != "0xabc" || got.GasUsed != 50000 {
		t.Errorf("confirm fields = %s/%d, want 0xabc/50000", got.ConfirmTx, got.GasUsed)
	}
	got, _ = store.GetSecretByHash(fh)
	if got.FailureReason != "InvalidSecret" {
		t.Errorf("FailureReason = %s", got.FailureReason)
	}

	if err := store.ConfirmSecret("0xmissing", "", 0); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("ConfirmSecret(missing) error = %v", err)
	}

	stats, _ := store.SecretStatistics()
	want := SecretStats{Total: 3, Pending: 1, Confirmed: 1, Failed: 1}
	if stats != want {
		t.Errorf("SecretStatistics() = %+v, want %+v", stats, want)
	}

	list, err := store.ListPendingSecrets()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Hashlock != hashlock.Hash(pending).Hex() {
		t.Errorf("ListPendingSecrets() = %v", list)
	}
}

func TestSecretConcurrentPut(t *testing.T) {
	store := newTestStorage(t, false)

	var wg sync.WaitGroup
	secrets := make([]hashlock.Secret, 20)
	for i := range secrets {
		secrets[i] = mustSecret(t)
	}
	for i, s := range secrets {
		wg.Add(1)
		go func(i int, s hashlock.Secret) {
			defer wg.Done()
			if _, err := store.PutSecret(s, "0xorder-"+string(rune('a'+i)), "", 1); err != nil {
				t.Errorf("PutSecret(%d) error = %v", i, err)
			}
		}(i, s)
	}
	wg.Wait()

	for i, s := range secrets {
		byOrder, err := store.GetSecretByOrderHash("0xorder-" + string(rune('a'+i)))
		if err != nil {
			t.Fatalf("GetSecretByOrderHash(%d) error = %v", i, err)
		}
		byHash, err := store.GetSecretByHash(hashlock.Hash(s).Hex())
		if err != nil {
			t.Fatalf("GetSecretByHash(%d) error = %v", i, err)
		}
		if byOrder.Hashlock != byHash.Hashlock {
			t.Errorf("index mismatch for %d: %s vs %s", i, byOrder.Hashlock, byHash.Hashlock)
		}
	}
}

func TestSecretFileMirror(t *testing.T) {
	store := newTestStorage(t, true)
	secret := mustSecret(t)
	h := hashlock.Hash(secret).Hex()

	if _, err := store.PutSecret(secret, "0xorder", "", 10); err != nil {
		t.Fatal(err)
	}
	if err := store.ConfirmSecret(h, "0xtx", 1); err != nil {
		t.Fatal(err)
	}

	path := store.SecretFiles().Path(h)
	if !strings.HasSuffix(path, strings.TrimPrefix(h, "0x")+".json") {
		t.Errorf("Path() = %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("secret file missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}

	rec, err := store.SecretFiles().Read(h)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if rec.Status != SecretConfirmed || rec.Secret != secret.Hex() {
		t.Errorf("file record = %+v", rec)
	}

	all, err := store.SecretFiles().List()
	if err != nil || len(all) != 1 {
		t.Errorf("List() = %d records, err %v", len(all), err)
	}

	if _, err := store.SecretFiles().Read("0xbeef"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Read(missing) error = %v", err)
	}
}

func TestRepairSecretIndex(t *testing.T) {
	store := newTestStorage(t, false)
	secret := mustSecret(t)
	if _, err := store.PutSecret(secret, "0xorder", "", 1); err != nil {
		t.Fatal(err)
	}
	if err := store.RepairSecretIndex(); err != nil {
		t.Fatalf("RepairSecretIndex() error = %v", err)
	}
	if _, err := store.GetSecretByOrderHash("0xorder"); err != nil {
		t.Errorf("lookup after repair error = %v", err)
	}
}
