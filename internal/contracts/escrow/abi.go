// Package escrow encodes calls to the cross-chain escrow factory, the escrow
// clones and the limit order protocol, and decodes their events.
package escrow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const immutablesTuple = `{"name":"%s","type":"tuple","components":[
	{"name":"orderHash","type":"bytes32"},
	{"name":"hashlock","type":"bytes32"},
	{"name":"maker","type":"uint256"},
	{"name":"taker","type":"uint256"},
	{"name":"token","type":"uint256"},
	{"name":"amount","type":"uint256"},
	{"name":"safetyDeposit","type":"uint256"},
	{"name":"timelocks","type":"uint256"}]}`

const complementTuple = `{"name":"dstImmutablesComplement","type":"tuple","components":[
	{"name":"maker","type":"uint256"},
	{"name":"amount","type":"uint256"},
	{"name":"token","type":"uint256"},
	{"name":"safetyDeposit","type":"uint256"},
	{"name":"chainId","type":"uint256"}]}`

const orderTuple = `{"name":"order","type":"tuple","components":[
	{"name":"salt","type":"uint256"},
	{"name":"maker","type":"uint256"},
	{"name":"receiver","type":"uint256"},
	{"name":"makerAsset","type":"uint256"},
	{"name":"takerAsset","type":"uint256"},
	{"name":"makingAmount","type":"uint256"},
	{"name":"takingAmount","type":"uint256"},
	{"name":"makerTraits","type":"uint256"}]}`

func imm(name string) string {
	return fmt.Sprintf(immutablesTuple, name)
}

var factoryABIJSON = `[
	{"type":"event","name":"SrcEscrowCreated","anonymous":false,"inputs":[` + imm("srcImmutables") + `,` + complementTuple + `]},
	{"type":"event","name":"DstEscrowCreated","anonymous":false,"inputs":[
		{"name":"escrow","type":"address","indexed":false},
		{"name":"hashlock","type":"bytes32","indexed":false},
		{"name":"taker","type":"uint256","indexed":false}]},
	{"type":"function","name":"addressOfEscrowSrc","stateMutability":"view","inputs":[` + imm("immutables") + `],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"addressOfEscrowDst","stateMutability":"view","inputs":[` + imm("immutables") + `],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"createDstEscrow","stateMutability":"payable","inputs":[` + imm("dstImmutables") + `,{"name":"srcCancellationTimestamp","type":"uint256"}],"outputs":[]}
]`

var escrowABIJSON = `[
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"secret","type":"bytes32"},` + imm("immutables") + `],"outputs":[]},
	{"type":"function","name":"publicWithdraw","stateMutability":"nonpayable","inputs":[{"name":"secret","type":"bytes32"},` + imm("immutables") + `],"outputs":[]},
	{"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[` + imm("immutables") + `],"outputs":[]},
	{"type":"event","name":"EscrowWithdrawal","anonymous":false,"inputs":[{"name":"secret","type":"bytes32","indexed":false}]},
	{"type":"event","name":"EscrowCancelled","anonymous":false,"inputs":[]}
]`

var lopABIJSON = `[
	{"type":"function","name":"fillOrderArgs","stateMutability":"payable","inputs":[` + orderTuple + `,
		{"name":"r","type":"bytes32"},
		{"name":"vs","type":"bytes32"},
		{"name":"amount","type":"uint256"},
		{"name":"takerTraits","type":"uint256"},
		{"name":"args","type":"bytes"}],
	 "outputs":[{"name":"","type":"uint256"},{"name":"","type":"uint256"},{"name":"","type":"bytes32"}]},
	{"type":"function","name":"hashOrder","stateMutability":"view","inputs":[` + orderTuple + `],"outputs":[{"name":"","type":"bytes32"}]}
]`

var (
	factoryABI abi.ABI
	escrowABI  abi.ABI
	lopABI     abi.ABI
)

func init() {
	factoryABI = mustParse("escrow factory", factoryABIJSON)
	escrowABI = mustParse("escrow", escrowABIJSON)
	lopABI = mustParse("limit order protocol", lopABIJSON)
}

func mustParse(name, def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid %s abi: %v", name, err))
	}
	return parsed
}
