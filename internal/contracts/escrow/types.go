package escrow

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// deployedAtOffset is the bit position of the deployment timestamp inside
// packed timelocks.
const deployedAtOffset = 224

// Order is the limit order struct as the protocol encodes it. Addresses are
// carried as uint256 words.
type Order struct {
	Salt         *big.Int
	Maker        *big.Int
	Receiver     *big.Int
	MakerAsset   *big.Int
	TakerAsset   *big.Int
	MakingAmount *big.Int
	TakingAmount *big.Int
	MakerTraits  *big.Int
}

// normalized replaces nil fields with zero so the order can be packed.
func (o Order) normalized() Order {
	return Order{
		Salt:         orZero(o.Salt),
		Maker:        orZero(o.Maker),
		Receiver:     orZero(o.Receiver),
		MakerAsset:   orZero(o.MakerAsset),
		TakerAsset:   orZero(o.TakerAsset),
		MakingAmount: orZero(o.MakingAmount),
		TakingAmount: orZero(o.TakingAmount),
		MakerTraits:  orZero(o.MakerTraits),
	}
}

// Immutables are the identity of one escrow clone.
type Immutables struct {
	OrderHash     [32]byte
	Hashlock      [32]byte
	Maker         common.Address
	Taker         common.Address
	Token         common.Address
	Amount        *big.Int
	SafetyDeposit *big.Int
	Timelocks     *big.Int // packed, including deployedAt
}

// DstComplement is the destination-side data published with a source escrow.
type DstComplement struct {
	Maker         common.Address
	Amount        *big.Int
	Token         common.Address
	SafetyDeposit *big.Int
	ChainID       uint64
}

// Created describes a newly deployed escrow recovered from a receipt.
type Created struct {
	Address    common.Address
	Immutables Immutables
	DeployedAt time.Time
	Complement *DstComplement // source escrows only
}

// Deployment holds the contract addresses on one chain.
type Deployment struct {
	LimitOrderProtocol common.Address
	EscrowFactory      common.Address
}

// immutablesABI mirrors the tuple layout for abi packing.
type immutablesABI struct {
	OrderHash     [32]byte
	Hashlock      [32]byte
	Maker         *big.Int
	Taker         *big.Int
	Token         *big.Int
	Amount        *big.Int
	SafetyDeposit *big.Int
	Timelocks     *big.Int
}

type complementABI struct {
	Maker         *big.Int
	Amount        *big.Int
	Token         *big.Int
	SafetyDeposit *big.Int
	ChainId       *big.Int
}

func (i Immutables) abi() immutablesABI {
	return immutablesABI{
		OrderHash:     i.OrderHash,
		Hashlock:      i.Hashlock,
		Maker:         AddressToWord(i.Maker),
		Taker:         AddressToWord(i.Taker),
		Token:         AddressToWord(i.Token),
		Amount:        orZero(i.Amount),
		SafetyDeposit: orZero(i.SafetyDeposit),
		Timelocks:     orZero(i.Timelocks),
	}
}

func (a immutablesABI) immutables() Immutables {
	return Immutables{
		OrderHash:     a.OrderHash,
		Hashlock:      a.Hashlock,
		Maker:         WordToAddress(a.Maker),
		Taker:         WordToAddress(a.Taker),
		Token:         WordToAddress(a.Token),
		Amount:        a.Amount,
		SafetyDeposit: a.SafetyDeposit,
		Timelocks:     a.Timelocks,
	}
}

// AddressToWord widens an address to the uint256 form used by the protocol.
func AddressToWord(a common.Address) *big.Int {
	return new(big.Int).SetBytes(a.Bytes())
}

// WordToAddress keeps the low 160 bits of a uint256 word.
func WordToAddress(w *big.Int) common.Address {
	if w == nil {
		return common.Address{}
	}
	return common.BigToAddress(w)
}

// DeployedAt extracts the deployment timestamp from packed timelocks.
func DeployedAt(timelocks *big.Int) time.Time {
	if timelocks == nil {
		return time.Time{}
	}
	ts := new(big.Int).Rsh(timelocks, deployedAtOffset)
	if ts.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(ts.Int64(), 0)
}

// WithDeployedAt replaces the deployment timestamp in packed timelocks.
func WithDeployedAt(timelocks *big.Int, at time.Time) *big.Int {
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), deployedAtOffset), big.NewInt(1))
	out := new(big.Int).And(orZero(timelocks), mask)
	if !at.IsZero() {
		out.Or(out, new(big.Int).Lsh(big.NewInt(at.Unix()), deployedAtOffset))
	}
	return out
}

func orZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}
