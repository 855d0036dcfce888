package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
	"github.com/Klingon-tech/klingdex-resolver/pkg/logging"
)

// leaseHolder keeps the single-instance lease on the data directory.
type leaseHolder struct {
	store *storage.Storage
	name  string
	owner string
	ttl   time.Duration
	log   *logging.Logger
}

func acquireLease(store *storage.Storage, name string, ttl time.Duration) (*leaseHolder, error) {
	h := &leaseHolder{
		store: store,
		name:  name,
		owner: uuid.NewString(),
		ttl:   ttl,
		log:   logging.GetDefault().Component("lease"),
	}
	lease, err := store.AcquireLease(name, h.owner, ttl)
	if errors.Is(err, storage.ErrLeaseHeld) {
		current, _ := store.GetLease(name)
		if current != nil {
			return nil, fmt.Errorf("another resolver owns this data directory until %s", current.ExpiresAt.Format(time.RFC3339))
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	h.log.Debug("Lease acquired", "name", lease.Name, "owner", lease.Owner, "expires", lease.ExpiresAt)
	return h, nil
}

// Keep renews the lease every ttl/3 until ctx ends. The returned channel
// receives an error if the lease is lost.
func (h *leaseHolder) Keep(ctx context.Context) <-chan error {
	lost := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(h.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := h.store.RenewLease(h.name, h.owner, h.ttl)
				if errors.Is(err, storage.ErrLeaseHeld) {
					lost <- err
					return
				}
				if err != nil {
					h.log.Warn("Lease renewal failed", "error", err)
				}
			}
		}
	}()
	return lost
}

func (h *leaseHolder) Release() {
	if err := h.store.ReleaseLease(h.name, h.owner); err != nil {
		h.log.Warn("Failed to release lease", "error", err)
	}
}
