package swap

import (
	"fmt"
	"math/big"
	"time"
)

// Stage indexes a 32-bit slot of the packed timelocks word.
type Stage int

const (
	StageSrcWithdrawal Stage = iota
	StageSrcPublicWithdrawal
	StageSrcCancellation
	StageSrcPublicCancellation
	StageDstWithdrawal
	StageDstPublicWithdrawal
	StageDstCancellation
)

const deployedAtSlot = 7

var stageNames = [...]string{
	"src_withdrawal",
	"src_public_withdrawal",
	"src_cancellation",
	"src_public_cancellation",
	"dst_withdrawal",
	"dst_public_withdrawal",
	"dst_cancellation",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Timelocks are second offsets from escrow deployment.
type Timelocks struct {
	SrcWithdrawal         uint32 `json:"srcWithdrawal"`
	SrcPublicWithdrawal   uint32 `json:"srcPublicWithdrawal"`
	SrcCancellation       uint32 `json:"srcCancellation"`
	SrcPublicCancellation uint32 `json:"srcPublicCancellation"`
	DstWithdrawal         uint32 `json:"dstWithdrawal"`
	DstCancellation       uint32 `json:"dstCancellation"`
}

// DefaultTimelocks are the offsets the maker tool uses when none are given.
func DefaultTimelocks() Timelocks {
	return Timelocks{
		SrcWithdrawal:         120,
		SrcPublicWithdrawal:   600,
		SrcCancellation:       3600,
		SrcPublicCancellation: 4200,
		DstWithdrawal:         60,
		DstCancellation:       3000,
	}
}

// Validate enforces the strict ordering between stages. Equal adjacent values
// are rejected.
func (t Timelocks) Validate() error {
	switch {
	case t.SrcWithdrawal >= t.SrcPublicWithdrawal:
		return fmt.Errorf("%w: src withdrawal %d must be before src public withdrawal %d",
			ErrInvalidTimelocks, t.SrcWithdrawal, t.SrcPublicWithdrawal)
	case t.SrcPublicWithdrawal >= t.SrcCancellation:
		return fmt.Errorf("%w: src public withdrawal %d must be before src cancellation %d",
			ErrInvalidTimelocks, t.SrcPublicWithdrawal, t.SrcCancellation)
	case t.SrcCancellation >= t.SrcPublicCancellation:
		return fmt.Errorf("%w: src cancellation %d must be before src public cancellation %d",
			ErrInvalidTimelocks, t.SrcCancellation, t.SrcPublicCancellation)
	case t.DstWithdrawal >= t.DstCancellation:
		return fmt.Errorf("%w: dst withdrawal %d must be before dst cancellation %d",
			ErrInvalidTimelocks, t.DstWithdrawal, t.DstCancellation)
	case t.SrcWithdrawal <= t.DstWithdrawal:
		return fmt.Errorf("%w: src withdrawal %d must be after dst withdrawal %d",
			ErrInvalidTimelocks, t.SrcWithdrawal, t.DstWithdrawal)
	}
	return nil
}

// Offset returns the offset of a stage in seconds.
func (t Timelocks) Offset(s Stage) uint32 {
	switch s {
	case StageSrcWithdrawal:
		return t.SrcWithdrawal
	case StageSrcPublicWithdrawal:
		return t.SrcPublicWithdrawal
	case StageSrcCancellation:
		return t.SrcCancellation
	case StageSrcPublicCancellation:
		return t.SrcPublicCancellation
	case StageDstWithdrawal, StageDstPublicWithdrawal:
		return t.DstWithdrawal
	case StageDstCancellation:
		return t.DstCancellation
	}
	return 0
}

// Deadline returns the absolute time a stage opens.
func (t Timelocks) Deadline(s Stage, deployedAt time.Time) time.Time {
	return deployedAt.Add(time.Duration(t.Offset(s)) * time.Second)
}

// Pack produces the contract's uint256 layout. A zero deployedAt leaves the
// top slot empty.
func (t Timelocks) Pack(deployedAt time.Time) *big.Int {
	out := new(big.Int)
	for s := StageSrcWithdrawal; s <= StageDstCancellation; s++ {
		slot := new(big.Int).SetUint64(uint64(t.Offset(s)))
		out.Or(out, slot.Lsh(slot, uint(s)*32))
	}
	if !deployedAt.IsZero() {
		ts := new(big.Int).SetUint64(uint64(uint32(deployedAt.Unix())))
		out.Or(out, ts.Lsh(ts, deployedAtSlot*32))
	}
	return out
}

// UnpackTimelocks is the inverse of Pack.
func UnpackTimelocks(packed *big.Int) (Timelocks, time.Time) {
	if packed == nil {
		return Timelocks{}, time.Time{}
	}
	slot := func(i int) uint32 {
		v := new(big.Int).Rsh(packed, uint(i)*32)
		return uint32(v.And(v, big.NewInt(0xffffffff)).Uint64())
	}
	t := Timelocks{
		SrcWithdrawal:         slot(int(StageSrcWithdrawal)),
		SrcPublicWithdrawal:   slot(int(StageSrcPublicWithdrawal)),
		SrcCancellation:       slot(int(StageSrcCancellation)),
		SrcPublicCancellation: slot(int(StageSrcPublicCancellation)),
		DstWithdrawal:         slot(int(StageDstWithdrawal)),
		DstCancellation:       slot(int(StageDstCancellation)),
	}
	var deployedAt time.Time
	if ts := slot(deployedAtSlot); ts != 0 {
		deployedAt = time.Unix(int64(ts), 0)
	}
	return t, deployedAt
}
