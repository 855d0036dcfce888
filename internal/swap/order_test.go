package swap

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
)

func TestDecimalUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    Decimal
		wantErr bool
	}{
		{`"123"`, "123", false},
		{`123`, "123", false},
		{`"340282366920938463463374607431768211456"`, "340282366920938463463374607431768211456", false},
		{`340282366920938463463374607431768211456`, "340282366920938463463374607431768211456", false},
		{`null`, "", false},
		{`""`, "", false},
		{`1.5`, "", true},
		{`1e18`, "", true},
		{`"0x10"`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Decimal
			err := json.Unmarshal([]byte(tt.in), &d)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && d != tt.want {
				t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, d, tt.want)
			}
		})
	}
}

func TestDecimalValues(t *testing.T) {
	if _, err := Decimal("").Big(); err == nil {
		t.Error("Big() on empty succeeded")
	}
	def := big.NewInt(7)
	if got, err := Decimal("").BigOr(def); err != nil || got != def {
		t.Errorf("BigOr() = %v, %v, want default", got, err)
	}
	if got, err := Decimal("").Uint64(); err != nil || got != 0 {
		t.Errorf("Uint64() = %d, %v, want 0", got, err)
	}
	if got := DecimalOf(nil); got != "" {
		t.Errorf("DecimalOf(nil) = %q", got)
	}
	out, err := json.Marshal(Decimal("42"))
	if err != nil || string(out) != `"42"` {
		t.Errorf("Marshal() = %s, %v, want \"42\"", out, err)
	}
}

func validOrder() *Order {
	return &Order{
		Salt:         big.NewInt(1),
		Maker:        testMaker,
		MakerAsset:   testSrcToken,
		TakerAsset:   testDstToken,
		MakingAmount: big.NewInt(100),
		TakingAmount: big.NewInt(100),
		MakerTraits:  new(big.Int),
	}
}

func TestOrderValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Order)
		valid  bool
	}{
		{"valid", func(*Order) {}, true},
		{"zero making", func(o *Order) { o.MakingAmount = new(big.Int) }, false},
		{"negative taking", func(o *Order) { o.TakingAmount = big.NewInt(-1) }, false},
		{"nil salt", func(o *Order) { o.Salt = nil }, false},
		{"bad maker", func(o *Order) { o.Maker = "0x1234" }, false},
		{"bad receiver", func(o *Order) { o.Receiver = "nope" }, false},
		{"explicit receiver", func(o *Order) { o.Receiver = testMaker }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOrder()
			tt.mutate(o)
			err := o.Validate()
			if tt.valid && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("Validate() error = %v, want ErrInvalidOrder", err)
			}
		})
	}
}

func TestOrderTraits(t *testing.T) {
	o := validOrder()
	if o.Nonce() != 0 || o.HasExtension() || o.AllowMultipleFills() {
		t.Error("zero traits report flags")
	}

	traits := new(big.Int).Lsh(big.NewInt(12345), traitNonceOffset)
	traits.SetBit(traits, traitHasExtension, 1)
	traits.SetBit(traits, traitAllowMultipleFills, 1)
	o.MakerTraits = traits

	if got := o.Nonce(); got != 12345 {
		t.Errorf("Nonce() = %d, want 12345", got)
	}
	if !o.HasExtension() || !o.AllowMultipleFills() || o.PostInteraction() {
		t.Error("trait bits decoded wrong")
	}

	if o.ReceiverOrMaker() != testMaker {
		t.Errorf("ReceiverOrMaker() = %s, want maker", o.ReceiverOrMaker())
	}
	o.Receiver = testSrcToken
	if o.ReceiverOrMaker() != testSrcToken {
		t.Errorf("ReceiverOrMaker() = %s, want receiver", o.ReceiverOrMaker())
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"0x00000000000000000000000000000000000000AA", "0x00000000000000000000000000000000000000aa", false},
		{"170", "0x00000000000000000000000000000000000000aa", false},
		{"0x12", "", true},
		{"-1", "", true},
		{"1461501637330902918203684832716283019655932542976", "", true}, // 2^160
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseAddress(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseAddress(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
