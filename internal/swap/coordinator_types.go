package swap

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-resolver/internal/chain"
	"github.com/Klingon-tech/klingdex-resolver/internal/metrics"
	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
)

// Event types emitted by the coordinator.
const (
	EventSwapStatus   = "swap_status"
	EventOrderFilled  = "order_filled"
	EventSecretStored = "secret_stored"
	EventWithdrawal   = "withdrawal"
	EventTick         = "tick"
	EventSwapStuck    = "swap_stuck"
)

// SwapEvent is delivered to every registered EventHandler.
type SwapEvent struct {
	OrderHash string      `json:"order_hash,omitempty"`
	EventType string      `json:"event_type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventHandler receives coordinator events. Handlers run on their own
// goroutine and must not block the caller.
type EventHandler func(event SwapEvent)

// CoordinatorConfig holds the collaborators and knobs of a Coordinator.
type CoordinatorConfig struct {
	Store    *storage.Storage
	Chains   *chain.Registry
	Fill     *FillEngine
	Withdraw *WithdrawalEngine

	Index    SwapIndexQuery    // optional
	Queue    *OrderQueue       // optional, source of maker secrets
	Deployer DstEscrowDeployer // optional, deploys destination escrows
	Resolver common.Address

	TickInterval        time.Duration // default 10s
	WithdrawMaxAttempts int           // default 5
	MaxRetries          int           // per swap, default 5
	StuckAfter          time.Duration // default 30m
	IndexTimeout        time.Duration // default 5s

	Metrics *metrics.Collectors

	// Now overrides the clock used by the expiry sweep.
	Now func() time.Time
}

// Status is a snapshot of the coordinator.
type Status struct {
	OrdersProcessed   int                 `json:"ordersProcessed"`
	OrdersFilled      int                 `json:"ordersFilled"`
	OrdersSkipped     int                 `json:"ordersSkipped"`
	SecretsStatistics storage.SecretStats `json:"secretsStatistics"`
	IsRunning         bool                `json:"isRunning"`
	LastTick          time.Time           `json:"lastTick,omitempty"`
	Ticks             uint64              `json:"ticks"`
	PendingSwaps      int                 `json:"pendingSwaps"`
	ArchivedSwaps     int                 `json:"archivedSwaps"`
}

// TickReport summarizes one tick.
type TickReport struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`

	Discovered int `json:"discovered"`
	Filled     int `json:"filled"`
	Skipped    int `json:"skipped"`
	FillErrors int `json:"fillErrors"`

	Advanced      int `json:"advanced"`
	SecretsStored int `json:"secretsStored"`
	Revealed      int `json:"revealed"`

	Withdrawn      int `json:"withdrawn"`
	WithdrawErrors int `json:"withdrawErrors"`
	Failed         int `json:"failed"`

	Expired int `json:"expired"`
	Stuck   int `json:"stuck"`
}
