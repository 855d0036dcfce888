package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

type stubClient struct {
	id uint64
}

func (s *stubClient) ChainID() uint64          { return s.id }
func (s *stubClient) Address() common.Address { return common.Address{} }
func (s *stubClient) BalanceOf(context.Context, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}
func (s *stubClient) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}
func (s *stubClient) Approve(context.Context, common.Address, common.Address, *big.Int) (TxRef, error) {
	return TxRef{}, nil
}
func (s *stubClient) Simulate(context.Context, Call) ([]byte, error) { return nil, nil }
func (s *stubClient) Submit(context.Context, Call) (TxRef, error)    { return TxRef{}, nil }
func (s *stubClient) WaitForConfirmation(context.Context, TxRef) (*Receipt, error) {
	return &Receipt{}, nil
}
func (s *stubClient) ParseEvents(context.Context, *Receipt) ([]types.Log, error) { return nil, nil }

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(&stubClient{id: 137}, &stubClient{id: 1})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	c, err := r.Get(1)
	if err != nil || c.ChainID() != 1 {
		t.Errorf("Get(1) = %v, %v", c, err)
	}
	if _, err := r.Get(56); !errors.Is(err, ErrUnknownChain) {
		t.Errorf("Get(56) error = %v, want ErrUnknownChain", err)
	}

	ids := r.ChainIDs()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 137 {
		t.Errorf("ChainIDs() = %v, want [1 137]", ids)
	}

	if _, err := NewRegistry(&stubClient{id: 1}, &stubClient{id: 1}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate registration error = %v, want ErrDuplicate", err)
	}
}

func TestDecodeRevert(t *testing.T) {
	sel := ErrorSelector("InvalidSecret()")
	re := DecodeRevert(sel[:])
	if re.Name != "InvalidSecret" {
		t.Errorf("Name = %q, want InvalidSecret", re.Name)
	}

	sel = ErrorSelector("InvalidTime()")
	if got := DecodeRevert(sel[:]).Name; got != "InvalidTime" {
		t.Errorf("Name = %q, want InvalidTime", got)
	}

	// Error(string)
	stringType, _ := abi.NewType("string", "", nil)
	packed, err := abi.Arguments{{Type: stringType}}.Pack("not enough balance")
	if err != nil {
		t.Fatal(err)
	}
	data := append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
	re = DecodeRevert(data)
	if re.Name != "Error" || re.Reason != "not enough balance" {
		t.Errorf("DecodeRevert(Error) = %q/%q", re.Name, re.Reason)
	}
	if re.Error() != "execution reverted: not enough balance" {
		t.Errorf("Error() = %q", re.Error())
	}

	unknown := DecodeRevert([]byte{0xde, 0xad, 0xbe, 0xef})
	if unknown.Name != "" {
		t.Errorf("unknown selector Name = %q, want empty", unknown.Name)
	}

	if DecodeRevert(nil).Error() != "execution reverted" {
		t.Error("empty revert message wrong")
	}
}

type rpcDataError struct {
	msg  string
	data interface{}
}

func (e *rpcDataError) Error() string          { return e.msg }
func (e *rpcDataError) ErrorData() interface{} { return e.data }

func TestClassifyRPCError(t *testing.T) {
	sel := ErrorSelector("InvalidCaller()")
	err := classifyRPCError(&rpcDataError{msg: "execution reverted", data: hexutil.Encode(sel[:])})
	var re *RevertError
	if !errors.As(err, &re) || re.Name != "InvalidCaller" {
		t.Errorf("classifyRPCError(data) = %v, want InvalidCaller revert", err)
	}

	err = classifyRPCError(errors.New("execution reverted: paused"))
	if !errors.As(err, &re) || re.Reason != "paused" {
		t.Errorf("classifyRPCError(message) = %v", err)
	}

	err = classifyRPCError(errors.New("nonce too low"))
	if !errors.Is(err, ErrTransient) {
		t.Errorf("classifyRPCError(nonce) = %v, want ErrTransient", err)
	}

	plain := errors.New("insufficient funds for gas * price + value")
	if got := classifyRPCError(plain); got != plain {
		t.Errorf("classifyRPCError(other) = %v, want unchanged", got)
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("dial tcp: connection refused"), true},
		{ErrTransient, true},
		{errors.New("invalid sender"), false},
	}
	for _, tt := range tests {
		if got := IsTransientError(tt.err); got != tt.want {
			t.Errorf("IsTransientError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestTxRef(t *testing.T) {
	if !(TxRef{}).IsZero() {
		t.Error("zero TxRef not reported as zero")
	}
	ref := TxRef{ChainID: 1, Hash: common.HexToHash("0x01")}
	if ref.IsZero() {
		t.Error("non-zero TxRef reported as zero")
	}
}

func TestParams(t *testing.T) {
	if Name(137) != "Polygon" {
		t.Errorf("Name(137) = %s", Name(137))
	}
	if Name(999999) != "chain-999999" {
		t.Errorf("Name(unknown) = %s", Name(999999))
	}
	tok, ok := Token(1, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	if !ok || tok.Symbol != "USDC" || tok.Decimals != 6 {
		t.Errorf("Token(1, usdc) = %+v, %v", tok, ok)
	}
	native, ok := Token(56, NativeToken.Hex())
	if !ok || native.Symbol != "BNB" || native.Decimals != 18 {
		t.Errorf("Token(56, native) = %+v", native)
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		name    string
		chainID uint64
		token   string
		amount  *big.Int
		want    string
	}{
		{"known token", 1, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", big.NewInt(1500000), "1.5 USDC"},
		{"native", 137, NativeToken.Hex(), big.NewInt(2e18), "2 POL"},
		{"unknown token", 1, "0x00000000000000000000000000000000000000aa", big.NewInt(42), "42"},
		{"nil amount", 1, "0x00000000000000000000000000000000000000aa", nil, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatAmount(tt.chainID, tt.token, tt.amount); got != tt.want {
				t.Errorf("FormatAmount() = %q, want %q", got, tt.want)
			}
		})
	}
}
