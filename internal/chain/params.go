package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
)

// Params describes an EVM network the resolver knows by name.
type Params struct {
	ChainID     uint64
	Symbol      string // ETH, BSC, POLYGON, ...
	Name        string
	NativeToken string
	Testnet     bool
}

// TokenInfo describes a well-known ERC-20 token, used for log formatting.
type TokenInfo struct {
	Symbol   string
	Decimals uint8
	Address  string
}

var (
	networks = make(map[uint64]*Params)
	tokens   = make(map[uint64]map[string]*TokenInfo) // chainID -> lowercase address
)

func init() {
	for _, p := range []*Params{
		{ChainID: 1, Symbol: "ETH", Name: "Ethereum", NativeToken: "ETH"},
		{ChainID: 11155111, Symbol: "ETH", Name: "Ethereum Sepolia", NativeToken: "ETH", Testnet: true},
		{ChainID: 56, Symbol: "BSC", Name: "BNB Smart Chain", NativeToken: "BNB"},
		{ChainID: 97, Symbol: "BSC", Name: "BNB Smart Chain Testnet", NativeToken: "BNB", Testnet: true},
		{ChainID: 137, Symbol: "POLYGON", Name: "Polygon", NativeToken: "POL"},
		{ChainID: 80002, Symbol: "POLYGON", Name: "Polygon Amoy", NativeToken: "POL", Testnet: true},
		{ChainID: 42161, Symbol: "ARBITRUM", Name: "Arbitrum One", NativeToken: "ETH"},
		{ChainID: 421614, Symbol: "ARBITRUM", Name: "Arbitrum Sepolia", NativeToken: "ETH", Testnet: true},
		{ChainID: 10, Symbol: "OPTIMISM", Name: "Optimism", NativeToken: "ETH"},
		{ChainID: 8453, Symbol: "BASE", Name: "Base", NativeToken: "ETH"},
		{ChainID: 84532, Symbol: "BASE", Name: "Base Sepolia", NativeToken: "ETH", Testnet: true},
		{ChainID: 43114, Symbol: "AVAX", Name: "Avalanche C-Chain", NativeToken: "AVAX"},
	} {
		networks[p.ChainID] = p
	}

	registerToken(1, &TokenInfo{Symbol: "USDC", Decimals: 6, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"})
	registerToken(1, &TokenInfo{Symbol: "USDT", Decimals: 6, Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7"})
	registerToken(1, &TokenInfo{Symbol: "WETH", Decimals: 18, Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"})
	registerToken(56, &TokenInfo{Symbol: "USDT", Decimals: 18, Address: "0x55d398326f99059fF775485246999027B3197955"})
	registerToken(137, &TokenInfo{Symbol: "USDC", Decimals: 6, Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"})
	registerToken(42161, &TokenInfo{Symbol: "USDC", Decimals: 6, Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"})
	registerToken(8453, &TokenInfo{Symbol: "USDC", Decimals: 6, Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"})
}

func registerToken(chainID uint64, t *TokenInfo) {
	if tokens[chainID] == nil {
		tokens[chainID] = make(map[string]*TokenInfo)
	}
	tokens[chainID][strings.ToLower(t.Address)] = t
}

// Name returns a human readable label for log lines.
func Name(chainID uint64) string {
	if p, ok := networks[chainID]; ok {
		return p.Name
	}
	return fmt.Sprintf("chain-%d", chainID)
}

// Token returns token metadata by contract address. Native currency is
// reported with 18 decimals.
func Token(chainID uint64, address string) (*TokenInfo, bool) {
	addr := strings.ToLower(address)
	if addr == strings.ToLower(NativeToken.Hex()) {
		symbol := "NATIVE"
		if p, ok := networks[chainID]; ok {
			symbol = p.NativeToken
		}
		return &TokenInfo{Symbol: symbol, Decimals: 18, Address: NativeToken.Hex()}, true
	}
	t, ok := tokens[chainID][addr]
	return t, ok
}

// FormatAmount renders base units of token for log lines, "1.5 USDC" for
// known tokens and the raw integer otherwise.
func FormatAmount(chainID uint64, token string, amount *big.Int) string {
	t, ok := Token(chainID, token)
	if !ok {
		return helpers.BigIntString(amount)
	}
	return helpers.FormatAmount(amount, t.Decimals) + " " + t.Symbol
}
