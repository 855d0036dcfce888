package swap

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-resolver/internal/chain"
	"github.com/Klingon-tech/klingdex-resolver/internal/contracts/escrow"
)

// OrderFiller builds fill calls and recovers the source escrow from a fill
// receipt. *escrow.Codec implements it.
type OrderFiller interface {
	OrderHash(chainID uint64, o escrow.Order) ([32]byte, error)
	EncodeFill(chainID uint64, o escrow.Order, sig, extension []byte, safetyDeposit *big.Int) (chain.Call, error)
	ParseSrcEscrow(ctx context.Context, client chain.Client, receipt *chain.Receipt) (*escrow.Created, error)
}

// EscrowCodec encodes escrow withdrawals. *escrow.Codec implements it.
type EscrowCodec interface {
	EncodeWithdraw(escrowAddr common.Address, secret [32]byte, imm escrow.Immutables) (chain.Call, error)
}

// DstEscrowDeployer creates destination escrows when the resolver is the
// destination taker. *escrow.Codec implements it.
type DstEscrowDeployer interface {
	EncodeDeployDst(chainID uint64, imm escrow.Immutables, srcCancellation time.Time) (chain.Call, error)
	ParseDstEscrow(ctx context.Context, client chain.Client, receipt *chain.Receipt) (*escrow.Created, error)
	Spender(chainID uint64) (common.Address, error)
}

// OrderSigner signs and verifies order hashes.
type OrderSigner interface {
	Sign(orderHash [32]byte) ([]byte, error)
	Verify(orderHash [32]byte, sig []byte, maker common.Address) error
}

// SwapIndexQuery is the read-only view of an external swap indexer.
// Implementations return an empty result, not an error, when the index is
// unavailable.
type SwapIndexQuery interface {
	PendingOrders(ctx context.Context, resolver common.Address) ([]IndexRow, error)
	RevealedSecrets(ctx context.Context) ([]IndexRow, error)
	SwapByOrderHash(ctx context.Context, orderHash string) (*IndexRow, error)
}

// IndexRow is one swap as the indexer sees it.
type IndexRow struct {
	OrderHash  string
	Hashlock   string
	SrcChainID uint64
	DstChainID uint64
	SrcToken   string
	DstToken   string
	SrcAmount  *big.Int
	DstAmount  *big.Int
	SrcMaker   string
	SrcTaker   string
	Status     string

	SrcEscrow string
	DstEscrow string
	Secret    string

	SafetyDeposit    *big.Int
	DstSafetyDeposit *big.Int
	Timelocks        *big.Int // packed

	// Signed payload, when the indexer stores it.
	Order     *Order
	Signature []byte
	Extension []byte

	CreatedAt        time.Time
	SrcDeployedAt    time.Time
	DstDeployedAt    time.Time
	SecretRevealedAt time.Time
}
