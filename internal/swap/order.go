// Package swap implements the resolver side of HTLC cross-chain swaps: order
// intake and fills, escrow withdrawals, and the coordinator that drives each
// swap record through the ledger's state machine.
package swap

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-resolver/internal/contracts/escrow"
	"github.com/Klingon-tech/klingdex-resolver/internal/hashlock"
	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
)

// MakerTraits bit layout of the limit order protocol.
const (
	traitHasExtension       = 249
	traitPostInteraction    = 251
	traitAllowMultipleFills = 254
	traitNonceOffset        = 120
	traitNonceBits          = 40
)

// Order is a maker-signed limit order. Amounts, salt and traits are
// arbitrary-precision integers; addresses are 0x-hex.
type Order struct {
	Salt         *big.Int
	Maker        string
	Receiver     string // empty means maker
	MakerAsset   string
	TakerAsset   string
	MakingAmount *big.Int
	TakingAmount *big.Int
	MakerTraits  *big.Int
}

// Validate checks amounts, salt, traits and addresses.
func (o *Order) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil order", ErrInvalidOrder)
	}
	if o.MakingAmount == nil || o.MakingAmount.Sign() <= 0 {
		return fmt.Errorf("%w: making amount must be positive", ErrInvalidOrder)
	}
	if o.TakingAmount == nil || o.TakingAmount.Sign() <= 0 {
		return fmt.Errorf("%w: taking amount must be positive", ErrInvalidOrder)
	}
	if o.Salt == nil || o.Salt.Sign() < 0 {
		return fmt.Errorf("%w: salt must be non-negative", ErrInvalidOrder)
	}
	if o.MakerTraits == nil || o.MakerTraits.Sign() < 0 {
		return fmt.Errorf("%w: maker traits must be non-negative", ErrInvalidOrder)
	}
	for name, addr := range map[string]string{
		"maker":      o.Maker,
		"makerAsset": o.MakerAsset,
		"takerAsset": o.TakerAsset,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: invalid %s address %q", ErrInvalidOrder, name, addr)
		}
	}
	if o.Receiver != "" && !common.IsHexAddress(o.Receiver) {
		return fmt.Errorf("%w: invalid receiver address %q", ErrInvalidOrder, o.Receiver)
	}
	return nil
}

// ReceiverOrMaker returns who receives the taker asset.
func (o *Order) ReceiverOrMaker() string {
	if o.Receiver == "" || common.HexToAddress(o.Receiver) == (common.Address{}) {
		return o.Maker
	}
	return o.Receiver
}

func (o *Order) trait(bit int) bool {
	return o.MakerTraits != nil && o.MakerTraits.Bit(bit) == 1
}

// HasExtension reports whether the order carries an extension payload.
func (o *Order) HasExtension() bool { return o.trait(traitHasExtension) }

// PostInteraction reports whether the fill calls the post-interaction hook.
func (o *Order) PostInteraction() bool { return o.trait(traitPostInteraction) }

// AllowMultipleFills reports whether partial fills are allowed.
func (o *Order) AllowMultipleFills() bool { return o.trait(traitAllowMultipleFills) }

// Nonce returns the nonce or epoch field of the traits.
func (o *Order) Nonce() uint64 {
	if o.MakerTraits == nil {
		return 0
	}
	n := new(big.Int).Rsh(o.MakerTraits, traitNonceOffset)
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), traitNonceBits), big.NewInt(1))
	return n.And(n, mask).Uint64()
}

// ABI converts the order into its on-chain word representation.
func (o *Order) ABI() escrow.Order {
	word := func(addr string) *big.Int {
		if addr == "" {
			return new(big.Int)
		}
		return escrow.AddressToWord(common.HexToAddress(addr))
	}
	return escrow.Order{
		Salt:         o.Salt,
		Maker:        word(o.Maker),
		Receiver:     word(o.Receiver),
		MakerAsset:   word(o.MakerAsset),
		TakerAsset:   word(o.TakerAsset),
		MakingAmount: o.MakingAmount,
		TakingAmount: o.TakingAmount,
		MakerTraits:  o.MakerTraits,
	}
}

// PendingOrder is an order discovered by the intake and not yet processed.
// Index rows may lack the signed payload, in which case Order is nil and the
// record can only be adopted once the index reports the source escrow.
type PendingOrder struct {
	OrderHash string
	Hashlock  hashlock.Hashlock
	Order     *Order
	Signature []byte
	Extension []byte

	Maker      string
	SrcChainID uint64
	DstChainID uint64
	SrcToken   string
	DstToken   string
	SrcAmount  *big.Int
	DstAmount  *big.Int

	SafetyDeposit    *big.Int
	DstSafetyDeposit *big.Int
	Timelocks        Timelocks

	Source    storage.SwapSource
	CreatedAt time.Time
	QueueFile string

	// SrcEscrow is set when the index already observed the source escrow.
	SrcEscrow     string
	SrcDeployedAt time.Time
}

// Short returns a short order hash for log lines.
func (p *PendingOrder) Short() string {
	return helpers.ShortHex(p.OrderHash)
}

// Decimal is an integer carried in JSON as a string or a bare number. It is
// never decoded through float64.
type Decimal string

// UnmarshalJSON accepts "123", 123 and null.
func (d *Decimal) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*d = ""
		return nil
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
	}
	if s != "" {
		if _, ok := new(big.Int).SetString(s, 10); !ok {
			return fmt.Errorf("invalid decimal integer %q", s)
		}
	}
	*d = Decimal(s)
	return nil
}

// MarshalJSON always writes a string.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(d))
}

// Big parses the value. An empty value is an error.
func (d Decimal) Big() (*big.Int, error) {
	if d == "" {
		return nil, fmt.Errorf("missing integer")
	}
	return helpers.ParseBigInt(string(d))
}

// BigOr parses the value, returning def when it is empty.
func (d Decimal) BigOr(def *big.Int) (*big.Int, error) {
	if d == "" {
		return def, nil
	}
	return d.Big()
}

// Uint64 parses the value. Empty yields zero.
func (d Decimal) Uint64() (uint64, error) {
	if d == "" {
		return 0, nil
	}
	return strconv.ParseUint(string(d), 10, 64)
}

// DecimalOf formats n as a Decimal.
func DecimalOf(n *big.Int) Decimal {
	if n == nil {
		return ""
	}
	return Decimal(n.String())
}

// parseAddress accepts a 0x-hex address or a decimal uint160 word.
func parseAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if !common.IsHexAddress(s) {
			return "", fmt.Errorf("invalid address %q", s)
		}
		return strings.ToLower(common.HexToAddress(s).Hex()), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 160 {
		return "", fmt.Errorf("invalid address %q", s)
	}
	return strings.ToLower(common.BigToAddress(n).Hex()), nil
}
