package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	domainName    = "1inch Aggregation Router"
	domainVersion = "6"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	orderTypeHash = crypto.Keccak256Hash([]byte(
		"Order(uint256 salt,address maker,address receiver,address makerAsset,address takerAsset,uint256 makingAmount,uint256 takingAmount,uint256 makerTraits)"))
)

// domainSeparator is the EIP-712 domain of the limit order protocol on one
// chain.
func domainSeparator(chainID uint64, verifyingContract common.Address) common.Hash {
	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(domainName)),
		crypto.Keccak256([]byte(domainVersion)),
		word(new(big.Int).SetUint64(chainID)),
		common.LeftPadBytes(verifyingContract.Bytes(), 32),
	)
}

func structHash(o Order) common.Hash {
	return crypto.Keccak256Hash(
		orderTypeHash.Bytes(),
		word(o.Salt),
		word(o.Maker),
		word(o.Receiver),
		word(o.MakerAsset),
		word(o.TakerAsset),
		word(o.MakingAmount),
		word(o.TakingAmount),
		word(o.MakerTraits),
	)
}

// hashOrder returns the typed-data digest the protocol uses as order hash.
func hashOrder(chainID uint64, lop common.Address, o Order) [32]byte {
	sep := domainSeparator(chainID, lop)
	sh := structHash(o)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, sep.Bytes(), sh.Bytes())
}

// word encodes n as a 32-byte two's complement big-endian value.
func word(n *big.Int) []byte {
	return math.U256Bytes(new(big.Int).Set(orZero(n)))
}
