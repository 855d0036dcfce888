package swap

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingdex-resolver/internal/chain"
	"github.com/Klingon-tech/klingdex-resolver/internal/contracts/escrow"
	"github.com/Klingon-tech/klingdex-resolver/internal/hashlock"
	"github.com/Klingon-tech/klingdex-resolver/internal/storage"
	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
)

// Class is the failure taxonomy used for retry and demotion decisions.
type Class string

const (
	ClassValidation Class = "validation" // malformed input, never retried
	ClassTransient  Class = "transient"  // ledger or index hiccup, retried with backoff
	ClassProtocol   Class = "protocol"   // decoded revert or placeholder result, never retried
	ClassStuck      Class = "stuck"      // downstream step did not happen in time
)

// Domain errors
var (
	ErrInvalidSecret     = errors.New("invalid secret")
	ErrTimelockWindow    = errors.New("outside timelock window")
	ErrUnauthorized      = errors.New("caller not authorized")
	ErrOrderFilled       = errors.New("order already filled or invalidated")
	ErrPlaceholderResult = errors.New("placeholder result")
	ErrTxReverted        = errors.New("transaction reverted")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidTimelocks  = errors.New("invalid timelocks")
	ErrInvalidSignature  = errors.New("invalid order signature")
	ErrNonceReused       = errors.New("maker nonce already used")
	ErrStuck             = errors.New("swap stuck")
	ErrAttemptsExhausted = errors.New("withdrawal attempts exhausted")
	ErrNotRunning        = errors.New("coordinator not running")
	ErrAlreadyRunning    = errors.New("coordinator already running")
)

// Error is a classified failure for one order.
type Error struct {
	Class     Class
	Op        string
	OrderHash string
	Err       error
}

func (e *Error) Error() string {
	if e.OrderHash != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, helpers.ShortHex(e.OrderHash), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// revertSentinels maps decoded custom errors to domain sentinels.
var revertSentinels = map[string]error{
	"InvalidSecret":             ErrInvalidSecret,
	"InvalidTime":               ErrTimelockWindow,
	"InvalidCaller":             ErrUnauthorized,
	"NotTaker":                  ErrUnauthorized,
	"OnlyTaker":                 ErrUnauthorized,
	"PrivateOrder":              ErrUnauthorized,
	"InvalidatedOrder":          ErrOrderFilled,
	"BitInvalidatedOrder":       ErrOrderFilled,
	"RemainingInvalidatedOrder": ErrOrderFilled,
	"WrongSeriesNonce":          ErrOrderFilled,
	"OrderExpired":              ErrOrderFilled,
	"TakingAmountExceeded":      ErrOrderFilled,
}

var validationErrors = []error{
	ErrInvalidOrder,
	ErrInvalidTimelocks,
	ErrInvalidSignature,
	ErrNonceReused,
	hashlock.ErrZero,
	chain.ErrUnknownChain,
	escrow.ErrNoDeployment,
	escrow.ErrInvalidSigLen,
	escrow.ErrExtensionLimit,
	storage.ErrInvalidSwap,
	storage.ErrSwapExists,
}

var protocolErrors = []error{
	ErrInvalidSecret,
	ErrTimelockWindow,
	ErrUnauthorized,
	ErrOrderFilled,
	ErrPlaceholderResult,
	ErrTxReverted,
	storage.ErrEscrowImmutable,
	storage.ErrInvalidTransition,
	chain.ErrZeroTxHash,
	escrow.ErrEventNotFound,
}

// Classify returns the class of err. An *Error keeps its own class; anything
// unrecognized is treated as transient.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) && se.Class != "" {
		return se.Class
	}
	if errors.Is(err, ErrStuck) {
		return ClassStuck
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return ClassValidation
		}
	}
	for _, target := range protocolErrors {
		if errors.Is(err, target) {
			return ClassProtocol
		}
	}
	var re *chain.RevertError
	if errors.As(err, &re) {
		return ClassProtocol
	}
	return ClassTransient
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}

// normalize attaches the domain sentinel to a decoded revert so callers can
// match it with errors.Is.
func normalize(err error) error {
	var re *chain.RevertError
	if !errors.As(err, &re) {
		return err
	}
	sentinel, ok := revertSentinels[re.Name]
	if !ok || errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// classify wraps err once with its class.
func classify(op, orderHash string, err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	err = normalize(err)
	return &Error{Class: Classify(err), Op: op, OrderHash: orderHash, Err: err}
}

// isCanceled reports a context shutdown rather than a ledger failure.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
