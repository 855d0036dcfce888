package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-resolver/internal/chain"
)

var (
	ErrNoDeployment   = errors.New("no escrow deployment for chain")
	ErrEventNotFound  = errors.New("escrow creation event not found in receipt")
	ErrInvalidSigLen  = errors.New("signature must be 64 or 65 bytes")
	ErrNilReceipt     = errors.New("nil receipt")
	ErrExtensionLimit = errors.New("extension too large")
)

// Canonical deployments shared by every supported chain.
var (
	DefaultLimitOrderProtocol = common.HexToAddress("0x111111125421cA6dc452d289314280a0f8842A65")
	DefaultEscrowFactory      = common.HexToAddress("0xa7bCb4EAc8964306F9e3764f67Db6A7af6DdF99A")
)

const (
	makerAmountFlagBit = 255
	argsExtLenOffset   = 224
	maxExtensionLength = 1<<24 - 1
)

// DefaultDeployment returns the canonical protocol and factory addresses.
func DefaultDeployment() Deployment {
	return Deployment{
		LimitOrderProtocol: DefaultLimitOrderProtocol,
		EscrowFactory:      DefaultEscrowFactory,
	}
}

// Codec encodes calls and decodes events against per-chain deployments.
type Codec struct {
	deployments map[uint64]Deployment
}

// NewCodec creates a codec. The map is copied.
func NewCodec(deployments map[uint64]Deployment) *Codec {
	d := make(map[uint64]Deployment, len(deployments))
	for id, dep := range deployments {
		d[id] = dep
	}
	return &Codec{deployments: d}
}

// Deployment returns the contract addresses for a chain.
func (c *Codec) Deployment(chainID uint64) (Deployment, error) {
	dep, ok := c.deployments[chainID]
	if !ok {
		return Deployment{}, fmt.Errorf("%w: %d", ErrNoDeployment, chainID)
	}
	return dep, nil
}

// OrderHash computes the protocol's typed-data hash for an order.
func (c *Codec) OrderHash(chainID uint64, o Order) ([32]byte, error) {
	dep, err := c.Deployment(chainID)
	if err != nil {
		return [32]byte{}, err
	}
	return hashOrder(chainID, dep.LimitOrderProtocol, o), nil
}

// EncodeFill builds the fillOrderArgs call that fills the whole order and
// deploys the source escrow through the extension's post-interaction.
func (c *Codec) EncodeFill(chainID uint64, o Order, sig, extension []byte, safetyDeposit *big.Int) (chain.Call, error) {
	dep, err := c.Deployment(chainID)
	if err != nil {
		return chain.Call{}, err
	}
	r, vs, err := SplitSignature(sig)
	if err != nil {
		return chain.Call{}, err
	}
	if len(extension) > maxExtensionLength {
		return chain.Call{}, fmt.Errorf("%w: %d bytes", ErrExtensionLimit, len(extension))
	}

	traits := new(big.Int).Lsh(big.NewInt(1), makerAmountFlagBit)
	traits.Or(traits, new(big.Int).Lsh(big.NewInt(int64(len(extension))), argsExtLenOffset))

	data, err := lopABI.Pack("fillOrderArgs", o.normalized(), r, vs, orZero(o.MakingAmount), traits, extension)
	if err != nil {
		return chain.Call{}, fmt.Errorf("failed to encode fill: %w", err)
	}
	return chain.Call{
		To:    dep.LimitOrderProtocol,
		Data:  data,
		Value: new(big.Int).Set(orZero(safetyDeposit)),
	}, nil
}

// ParseSrcEscrow finds the SrcEscrowCreated event in a fill receipt and
// resolves the deterministic escrow address through the factory.
func (c *Codec) ParseSrcEscrow(ctx context.Context, client chain.Client, receipt *chain.Receipt) (*Created, error) {
	if receipt == nil {
		return nil, ErrNilReceipt
	}
	dep, err := c.Deployment(client.ChainID())
	if err != nil {
		return nil, err
	}
	logs, err := client.ParseEvents(ctx, receipt)
	if err != nil {
		return nil, err
	}

	event := factoryABI.Events["SrcEscrowCreated"]
	for _, l := range logs {
		if l.Address != dep.EscrowFactory || len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		values, err := factoryABI.Unpack(event.Name, l.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", event.Name, err)
		}
		raw := *abi.ConvertType(values[0], new(immutablesABI)).(*immutablesABI)
		comp := *abi.ConvertType(values[1], new(complementABI)).(*complementABI)

		addr, err := c.addressOf(ctx, client, dep.EscrowFactory, "addressOfEscrowSrc", raw)
		if err != nil {
			return nil, err
		}

		imm := raw.immutables()
		deployedAt := DeployedAt(imm.Timelocks)
		if deployedAt.IsZero() {
			deployedAt = receipt.BlockTime
		}
		return &Created{
			Address:    addr,
			Immutables: imm,
			DeployedAt: deployedAt,
			Complement: &DstComplement{
				Maker:         WordToAddress(comp.Maker),
				Amount:        comp.Amount,
				Token:         WordToAddress(comp.Token),
				SafetyDeposit: comp.SafetyDeposit,
				ChainID:       orZero(comp.ChainId).Uint64(),
			},
		}, nil
	}
	return nil, ErrEventNotFound
}

func (c *Codec) addressOf(ctx context.Context, client chain.Client, factory common.Address, method string, imm immutablesABI) (common.Address, error) {
	data, err := factoryABI.Pack(method, imm)
	if err != nil {
		return common.Address{}, err
	}
	out, err := client.Simulate(ctx, chain.Call{To: factory, Data: data})
	if err != nil {
		return common.Address{}, err
	}
	values, err := factoryABI.Unpack(method, out)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode %s: %w", method, err)
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected %s result %T", method, values[0])
	}
	return addr, nil
}

// EncodeWithdraw builds the escrow withdraw(secret, immutables) call.
func (c *Codec) EncodeWithdraw(escrow common.Address, secret [32]byte, imm Immutables) (chain.Call, error) {
	data, err := escrowABI.Pack("withdraw", secret, imm.abi())
	if err != nil {
		return chain.Call{}, fmt.Errorf("failed to encode withdraw: %w", err)
	}
	return chain.Call{To: escrow, Data: data}, nil
}

// EncodeDeployDst builds the factory createDstEscrow call. The value carries
// the safety deposit, plus the amount when the token is native.
func (c *Codec) EncodeDeployDst(chainID uint64, imm Immutables, srcCancellation time.Time) (chain.Call, error) {
	dep, err := c.Deployment(chainID)
	if err != nil {
		return chain.Call{}, err
	}
	data, err := factoryABI.Pack("createDstEscrow", imm.abi(), big.NewInt(srcCancellation.Unix()))
	if err != nil {
		return chain.Call{}, fmt.Errorf("failed to encode destination escrow: %w", err)
	}
	value := new(big.Int).Set(orZero(imm.SafetyDeposit))
	if imm.Token == chain.NativeToken {
		value.Add(value, orZero(imm.Amount))
	}
	return chain.Call{To: dep.EscrowFactory, Data: data, Value: value}, nil
}

// ParseDstEscrow finds the DstEscrowCreated event in a deployment receipt.
func (c *Codec) ParseDstEscrow(ctx context.Context, client chain.Client, receipt *chain.Receipt) (*Created, error) {
	if receipt == nil {
		return nil, ErrNilReceipt
	}
	dep, err := c.Deployment(client.ChainID())
	if err != nil {
		return nil, err
	}
	logs, err := client.ParseEvents(ctx, receipt)
	if err != nil {
		return nil, err
	}

	event := factoryABI.Events["DstEscrowCreated"]
	for _, l := range logs {
		if l.Address != dep.EscrowFactory || len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		values, err := factoryABI.Unpack(event.Name, l.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", event.Name, err)
		}
		addr, _ := values[0].(common.Address)
		hashlock, _ := values[1].([32]byte)
		taker, _ := values[2].(*big.Int)
		return &Created{
			Address: addr,
			Immutables: Immutables{
				Hashlock: hashlock,
				Taker:    WordToAddress(taker),
			},
			DeployedAt: receipt.BlockTime,
		}, nil
	}
	return nil, ErrEventNotFound
}

// Spender is the address that pulls destination tokens, the factory.
func (c *Codec) Spender(chainID uint64) (common.Address, error) {
	dep, err := c.Deployment(chainID)
	if err != nil {
		return common.Address{}, err
	}
	return dep.EscrowFactory, nil
}

// SplitSignature converts a 65-byte r||s||v or 64-byte compact signature into
// the r and vs words the protocol expects.
func SplitSignature(sig []byte) (r, vs [32]byte, err error) {
	switch len(sig) {
	case 64:
		copy(r[:], sig[:32])
		copy(vs[:], sig[32:])
		return r, vs, nil
	case 65:
		copy(r[:], sig[:32])
		copy(vs[:], sig[32:64])
		v := sig[64]
		if v >= 27 {
			v -= 27
		}
		if v == 1 {
			vs[0] |= 0x80
		}
		return r, vs, nil
	default:
		return r, vs, fmt.Errorf("%w: got %d", ErrInvalidSigLen, len(sig))
	}
}
