package swap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Klingon-tech/klingdex-resolver/internal/hashlock"
	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
	"github.com/Klingon-tech/klingdex-resolver/pkg/logging"
)

// ErrQueueDocExists is returned when a document for the hashlock is already queued.
var ErrQueueDocExists = errors.New("queue document already exists")

// secretsSubdir holds the maker's per-hashlock secret files.
const secretsSubdir = "secrets"

// QueueOrder is the JSON shape of an order inside a queue document.
type QueueOrder struct {
	Salt         Decimal `json:"salt"`
	Maker        string  `json:"maker"`
	Receiver     string  `json:"receiver"`
	MakerAsset   string  `json:"makerAsset"`
	TakerAsset   string  `json:"takerAsset"`
	MakingAmount Decimal `json:"makingAmount"`
	TakingAmount Decimal `json:"takingAmount"`
	MakerTraits  Decimal `json:"makerTraits"`
}

// QueueDocument is one self-authored order waiting for a fill.
type QueueDocument struct {
	Order     QueueOrder `json:"order"`
	Signature string     `json:"signature"`
	Extension string     `json:"extension"`
	ChainID   Decimal    `json:"chainId"`
	Hashlock  string     `json:"hashlock"`
	CreatedAt Decimal    `json:"createdAt"` // epoch milliseconds

	DstChainID       Decimal    `json:"dstChainId,omitempty"`
	DstToken         string     `json:"dstToken,omitempty"`
	DstAmount        Decimal    `json:"dstAmount,omitempty"`
	SafetyDeposit    Decimal    `json:"safetyDeposit,omitempty"`
	DstSafetyDeposit Decimal    `json:"dstSafetyDeposit,omitempty"`
	Timelocks        *Timelocks `json:"timelocks,omitempty"`

	file string
}

// File returns the file name the document was read from.
func (d *QueueDocument) File() string {
	return d.file
}

// Created returns the creation time, or the zero time if unset.
func (d *QueueDocument) Created() time.Time {
	ms, err := d.CreatedAt.Uint64()
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

// ParseOrder converts the JSON order into an Order and validates it.
func (d *QueueDocument) ParseOrder() (*Order, error) {
	var err error
	o := &Order{}
	if o.Salt, err = d.Order.Salt.Big(); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrInvalidOrder, err)
	}
	if o.MakingAmount, err = d.Order.MakingAmount.Big(); err != nil {
		return nil, fmt.Errorf("%w: makingAmount: %v", ErrInvalidOrder, err)
	}
	if o.TakingAmount, err = d.Order.TakingAmount.Big(); err != nil {
		return nil, fmt.Errorf("%w: takingAmount: %v", ErrInvalidOrder, err)
	}
	if o.MakerTraits, err = d.Order.MakerTraits.Big(); err != nil {
		return nil, fmt.Errorf("%w: makerTraits: %v", ErrInvalidOrder, err)
	}
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&o.Maker, d.Order.Maker},
		{&o.Receiver, d.Order.Receiver},
		{&o.MakerAsset, d.Order.MakerAsset},
		{&o.TakerAsset, d.Order.TakerAsset},
	} {
		if *f.dst, err = parseAddress(f.src); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// NewQueueOrder renders an order into the queue JSON shape.
func NewQueueOrder(o *Order) QueueOrder {
	return QueueOrder{
		Salt:         DecimalOf(o.Salt),
		Maker:        o.Maker,
		Receiver:     o.Receiver,
		MakerAsset:   o.MakerAsset,
		TakerAsset:   o.TakerAsset,
		MakingAmount: DecimalOf(o.MakingAmount),
		TakingAmount: DecimalOf(o.TakingAmount),
		MakerTraits:  DecimalOf(o.MakerTraits),
	}
}

// OrderQueue is a directory of queue documents, one per hashlock, plus the
// maker's secret files in a subdirectory.
type OrderQueue struct {
	dir     string
	secrets *storage.SecretFiles
	log     *logging.Logger
}

// NewOrderQueue opens (and creates) a queue directory.
func NewOrderQueue(dir string) (*OrderQueue, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	secrets, err := storage.NewSecretFiles(filepath.Join(dir, secretsSubdir))
	if err != nil {
		return nil, err
	}
	return &OrderQueue{
		dir:     dir,
		secrets: secrets,
		log:     logging.GetDefault().Component("queue"),
	}, nil
}

// Dir returns the queue directory.
func (q *OrderQueue) Dir() string {
	return q.dir
}

func (q *OrderQueue) path(h string) string {
	return filepath.Join(q.dir, strings.ToLower(strings.TrimPrefix(h, "0x"))+".json")
}

// List returns every readable document ordered by createdAt, then file name.
// Unparseable files are logged and skipped.
func (q *OrderQueue) List() ([]*QueueDocument, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}

	var docs []*QueueDocument
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(q.dir, name))
		if err != nil {
			q.log.Warn("Failed to read queue document", "file", name, "error", err)
			continue
		}
		var doc QueueDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			q.log.Warn("Skipping malformed queue document", "file", name, "error", err)
			continue
		}
		doc.file = name
		docs = append(docs, &doc)
	}

	sort.SliceStable(docs, func(i, j int) bool {
		ti, tj := docs[i].Created(), docs[j].Created()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return docs[i].file < docs[j].file
	})
	return docs, nil
}

// Add writes a new document named after its hashlock.
func (q *OrderQueue) Add(doc *QueueDocument) (string, error) {
	h, err := hashlock.ParseHashlock(doc.Hashlock)
	if err != nil {
		return "", err
	}
	path := q.path(h.Hex())
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %s", ErrQueueDocExists, filepath.Base(path))
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue document: %w", err)
	}
	tmp, err := os.CreateTemp(q.dir, ".order-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write queue document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// WriteSecret stores the maker's secret next to the queue.
func (q *OrderQueue) WriteSecret(secret hashlock.Secret, orderHash string, chainID uint64) error {
	now := time.Now()
	return q.secrets.Write(&storage.SecretRecord{
		Hashlock:  hashlock.Hash(secret).Hex(),
		Secret:    secret.Hex(),
		OrderHash: strings.ToLower(orderHash),
		ChainID:   chainID,
		Status:    storage.SecretPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// ReadSecret returns the maker secret for a hashlock. ok is false when no
// file exists. A file whose secret does not hash to h is an error.
func (q *OrderQueue) ReadSecret(h hashlock.Hashlock) (secret hashlock.Secret, ok bool, err error) {
	rec, err := q.secrets.Read(h.Hex())
	if errors.Is(err, storage.ErrSecretNotFound) {
		return hashlock.Secret{}, false, nil
	}
	if err != nil {
		return hashlock.Secret{}, false, err
	}
	secret, err = hashlock.ParseSecret(rec.Secret)
	if err != nil {
		return hashlock.Secret{}, false, err
	}
	if !hashlock.Verify(secret, h) {
		return hashlock.Secret{}, false, fmt.Errorf("%w: secret file does not match %s", ErrInvalidSecret, h.Hex())
	}
	return secret, true, nil
}
