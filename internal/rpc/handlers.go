package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
	"github.com/Klingon-tech/klingdex-resolver/internal/swap"
)

const maxListLimit = 1000

func parseParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &Error{Code: InvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

func invalidParams(msg string) error {
	return &Error{Code: InvalidParams, Message: msg}
}

// StatusResult is the response for resolver_status.
type StatusResult struct {
	*swap.Status
	Resolver  string `json:"resolver"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	WSClients int    `json:"ws_clients"`
}

func (s *Server) resolverStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	st, err := s.coord.Status()
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		Status:    st,
		Resolver:  s.resolver.Hex(),
		Version:   Version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		WSClients: s.hub.ClientCount(),
	}, nil
}

// SwapsGetParams selects one swap by order hash or hashlock.
type SwapsGetParams struct {
	OrderHash string `json:"order_hash"`
	Hashlock  string `json:"hashlock"`
}

func (s *Server) swapsGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapsGetParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	var (
		rec *storage.SwapRecord
		err error
	)
	switch {
	case p.OrderHash != "":
		rec, err = s.store.GetSwap(p.OrderHash)
	case p.Hashlock != "":
		rec, err = s.store.GetSwapByHashlock(p.Hashlock)
	default:
		return nil, invalidParams("order_hash or hashlock is required")
	}
	if err != nil {
		return nil, err
	}
	return redactSwap(rec), nil
}

// SwapsListParams filters swaps_list.
type SwapsListParams struct {
	Status          string `json:"status"`
	Limit           int    `json:"limit"`
	IncludeArchived bool   `json:"include_archived"`
}

// SwapsListResult is the response for swaps_list.
type SwapsListResult struct {
	Swaps []*storage.SwapRecord `json:"swaps"`
	Count int                   `json:"count"`
}

func (s *Server) swapsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapsListParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit < 0 || p.Limit > maxListLimit {
		return nil, invalidParams("limit must be between 0 and 1000")
	}

	var (
		recs []*storage.SwapRecord
		err  error
	)
	if p.Status != "" {
		status := storage.SwapStatus(strings.ToUpper(p.Status))
		if !status.Valid() {
			return nil, invalidParams("unknown status " + p.Status)
		}
		recs, err = s.store.ListSwapsByStatus(status)
		if err == nil && p.Limit > 0 && len(recs) > p.Limit {
			recs = recs[:p.Limit]
		}
	} else {
		recs, err = s.store.ListSwaps(p.Limit, p.IncludeArchived)
	}
	if err != nil {
		return nil, err
	}

	out := make([]*storage.SwapRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, redactSwap(rec))
	}
	return &SwapsListResult{Swaps: out, Count: len(out)}, nil
}

func (s *Server) secretsStats(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.store.SecretStatistics()
}

// SecretsSubmitParams carries an operator-supplied secret.
type SecretsSubmitParams struct {
	Hashlock string `json:"hashlock"`
	Secret   string `json:"secret"`
}

// SecretsSubmitResult is the response for secrets_submit.
type SecretsSubmitResult struct {
	Hashlock  string               `json:"hashlock"`
	OrderHash string               `json:"order_hash"`
	Status    storage.SecretStatus `json:"status"`
}

func (s *Server) secretsSubmit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SecretsSubmitParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if p.Hashlock == "" || p.Secret == "" {
		return nil, invalidParams("hashlock and secret are required")
	}

	rec, err := s.coord.SubmitSecret(ctx, p.Hashlock, p.Secret)
	if err != nil {
		return nil, err
	}
	s.log.Info("Secret submitted over RPC", "hashlock", rec.Hashlock, "order", rec.OrderHash)
	return &SecretsSubmitResult{Hashlock: rec.Hashlock, OrderHash: rec.OrderHash, Status: rec.Status}, nil
}

// PendingSecret is a pending secret without its preimage.
type PendingSecret struct {
	Hashlock      string    `json:"hashlock"`
	OrderHash     string    `json:"order_hash"`
	EscrowAddress string    `json:"escrow_address,omitempty"`
	ChainID       uint64    `json:"chain_id"`
	RevealedAt    time.Time `json:"revealed_at"`
}

func (s *Server) secretsPending(ctx context.Context, params json.RawMessage) (interface{}, error) {
	recs, err := s.store.ListPendingSecrets()
	if err != nil {
		return nil, err
	}
	out := make([]PendingSecret, 0, len(recs))
	for _, r := range recs {
		out = append(out, PendingSecret{
			Hashlock:      r.Hashlock,
			OrderHash:     r.OrderHash,
			EscrowAddress: r.EscrowAddress,
			ChainID:       r.ChainID,
			RevealedAt:    r.RevealedAt,
		})
	}
	return out, nil
}

// redactSwap hides the preimage of swaps that are still live.
func redactSwap(rec *storage.SwapRecord) *storage.SwapRecord {
	if rec.Secret == "" || rec.Status.IsTerminal() {
		return rec
	}
	cp := *rec
	cp.Secret = ""
	return &cp
}
