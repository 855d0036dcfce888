package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-resolver/internal/contracts/escrow"
)

// ContractAddresses holds the swap contracts on one chain.
type ContractAddresses struct {
	LimitOrderProtocol common.Address
	EscrowFactory      common.Address
}

func (a ContractAddresses) deployed() bool {
	return a.LimitOrderProtocol != (common.Address{}) && a.EscrowFactory != (common.Address{})
}

var (
	contractsMu sync.RWMutex

	// chainID -> addresses. Chains where the canonical contracts are live.
	contractRegistry = map[uint64]ContractAddresses{
		1:     canonical(), // Ethereum
		10:    canonical(), // Optimism
		56:    canonical(), // BNB Smart Chain
		100:   canonical(), // Gnosis
		137:   canonical(), // Polygon
		8453:  canonical(), // Base
		42161: canonical(), // Arbitrum One
		43114: canonical(), // Avalanche C-Chain
	}
)

func canonical() ContractAddresses {
	d := escrow.DefaultDeployment()
	return ContractAddresses{LimitOrderProtocol: d.LimitOrderProtocol, EscrowFactory: d.EscrowFactory}
}

// GetContracts returns the registered addresses for chainID.
func GetContracts(chainID uint64) (ContractAddresses, bool) {
	contractsMu.RLock()
	defer contractsMu.RUnlock()
	a, ok := contractRegistry[chainID]
	return a, ok
}

// RegisterContracts adds or replaces the addresses for a chain at runtime.
func RegisterContracts(chainID uint64, a ContractAddresses) {
	contractsMu.Lock()
	defer contractsMu.Unlock()
	contractRegistry[chainID] = a
}

// ListDeployedChains returns the chain ids with both contracts set, sorted.
func ListDeployedChains() []uint64 {
	contractsMu.RLock()
	defer contractsMu.RUnlock()
	var ids []uint64
	for id, a := range contractRegistry {
		if a.deployed() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Deployments resolves the contract addresses for every configured chain:
// per-chain overrides first, then the registry. Overrides are registered so
// later lookups see them.
func (c *Config) Deployments() (map[uint64]escrow.Deployment, error) {
	out := make(map[uint64]escrow.Deployment, len(c.Chains))
	for _, ch := range c.Chains {
		a, _ := GetContracts(ch.ChainID)
		if ch.LimitOrderProtocol != "" {
			a.LimitOrderProtocol = common.HexToAddress(ch.LimitOrderProtocol)
		}
		if ch.EscrowFactory != "" {
			a.EscrowFactory = common.HexToAddress(ch.EscrowFactory)
		}
		if !a.deployed() {
			return nil, fmt.Errorf("chain %d: no limit order protocol or escrow factory address", ch.ChainID)
		}
		RegisterContracts(ch.ChainID, a)
		out[ch.ChainID] = escrow.Deployment{
			LimitOrderProtocol: a.LimitOrderProtocol,
			EscrowFactory:      a.EscrowFactory,
		}
	}
	return out, nil
}
