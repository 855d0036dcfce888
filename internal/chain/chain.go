// Package chain defines the ledger client capability the resolver uses on each
// EVM chain, a registry keyed by chain id, and the go-ethereum backed client.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Chain errors
var (
	ErrUnknownChain  = errors.New("no client registered for chain")
	ErrDuplicate     = errors.New("chain registered twice")
	ErrTransient     = errors.New("transient ledger error")
	ErrNotConfirmed  = errors.New("transaction not confirmed")
	ErrZeroTxHash    = errors.New("zero transaction hash")
	ErrChainMismatch = errors.New("rpc endpoint reports a different chain id")
)

// NativeToken is the token address used for the chain's native currency.
var NativeToken = common.Address{}

// Call is a contract call to simulate or submit.
type Call struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0 = estimate
}

// TxRef identifies a submitted transaction.
type TxRef struct {
	ChainID uint64      `json:"chain_id"`
	Hash    common.Hash `json:"hash"`
}

// IsZero reports whether the reference carries no transaction hash.
func (r TxRef) IsZero() bool {
	return r.Hash == (common.Hash{})
}

func (r TxRef) String() string {
	return r.Hash.Hex()
}

// Receipt is the confirmed outcome of a transaction.
type Receipt struct {
	Tx          TxRef
	Success     bool
	GasUsed     uint64
	BlockNumber uint64
	BlockTime   time.Time
	Logs        []types.Log
}

// Client is the per-chain ledger capability.
type Client interface {
	// ChainID returns the EVM chain id this client talks to.
	ChainID() uint64
	// Address returns the resolver's account on this chain.
	Address() common.Address

	// BalanceOf returns the token balance of owner. NativeToken reads the
	// account balance.
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (TxRef, error)

	// Simulate runs the call against the latest state without sending it.
	// A revert is returned as *RevertError. The return data is useful for
	// view calls.
	Simulate(ctx context.Context, call Call) ([]byte, error)
	Submit(ctx context.Context, call Call) (TxRef, error)
	WaitForConfirmation(ctx context.Context, ref TxRef) (*Receipt, error)

	// ParseEvents returns the logs emitted by a confirmed transaction.
	ParseEvents(ctx context.Context, receipt *Receipt) ([]types.Log, error)
}

// Registry maps chain ids to clients. It is built once at startup and
// never mutated afterwards.
type Registry struct {
	clients map[uint64]Client
}

// NewRegistry builds a registry from clients. Two clients for the same chain
// id are rejected.
func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[uint64]Client, len(clients))}
	for _, c := range clients {
		id := c.ChainID()
		if _, ok := r.clients[id]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicate, id)
		}
		r.clients[id] = c
	}
	return r, nil
}

// Get returns the client for chainID.
func (r *Registry) Get(chainID uint64) (Client, error) {
	c, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return c, nil
}

// ChainIDs returns the registered chain ids in ascending order.
func (r *Registry) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close closes every client that holds a connection.
func (r *Registry) Close() {
	for _, c := range r.clients {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}
