package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// RevertError is a call that reverted, with the custom error decoded when the
// selector is known.
type RevertError struct {
	Name     string // custom error name, "Error" for require strings, "" if unknown
	Reason   string // require message or panic code
	Selector [4]byte
	Data     []byte
}

func (e *RevertError) Error() string {
	switch {
	case e.Name == "Error" && e.Reason != "":
		return "execution reverted: " + e.Reason
	case e.Name != "":
		return "execution reverted: " + e.Name
	case len(e.Data) > 0:
		return "execution reverted: unknown error " + hexutil.Encode(e.Data)
	default:
		return "execution reverted"
	}
}

// Custom errors of the escrow contracts and the limit order protocol.
var knownErrors = []string{
	// escrow
	"InvalidCaller()",
	"InvalidImmutables()",
	"InvalidSecret()",
	"InvalidTime()",
	"NativeTokenSendingFailure()",
	// escrow factory
	"InsufficientEscrowBalance()",
	"InvalidCreationTime()",
	"InvalidPartialFill()",
	"InvalidSecretsAmount()",
	// limit order protocol
	"BadSignature()",
	"BitInvalidatedOrder()",
	"InvalidatedOrder()",
	"OrderExpired()",
	"PrivateOrder()",
	"RemainingInvalidatedOrder()",
	"WrongSeriesNonce()",
	"TakingAmountExceeded()",
	"MakingAmountTooLow()",
	"TransferFromMakerToTakerFailed()",
	"TransferFromTakerToMakerFailed()",
	"OnlyTaker()",
	"NotTaker()",
	// ERC20
	"ERC20InsufficientAllowance(address,uint256,uint256)",
	"ERC20InsufficientBalance(address,uint256,uint256)",
	"SafeTransferFromFailed()",
}

var (
	selectorNames = map[[4]byte]string{}

	errorStringSelector = [4]byte{0x08, 0xc3, 0x79, 0xa0} // Error(string)
	panicSelector       = [4]byte{0x4e, 0x48, 0x7b, 0x71} // Panic(uint256)
)

func init() {
	for _, sig := range knownErrors {
		selectorNames[ErrorSelector(sig)] = sig[:strings.IndexByte(sig, '(')]
	}
}

// ErrorSelector returns the 4-byte selector of a custom error signature.
func ErrorSelector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	return sel
}

// DecodeRevert builds a RevertError from raw revert data.
func DecodeRevert(data []byte) *RevertError {
	re := &RevertError{Data: data}
	if len(data) < 4 {
		return re
	}
	copy(re.Selector[:], data[:4])

	switch re.Selector {
	case errorStringSelector:
		re.Name = "Error"
		if reason, err := abi.UnpackRevert(data); err == nil {
			re.Reason = reason
		}
	case panicSelector:
		re.Name = "Panic"
		if len(data) >= 36 {
			code := new(big.Int).SetBytes(data[4:36])
			re.Reason = fmt.Sprintf("panic code 0x%x", code)
		}
	default:
		re.Name = selectorNames[re.Selector]
	}
	return re
}

// dataError is implemented by go-ethereum rpc errors that carry revert data.
type dataError interface {
	ErrorData() interface{}
}

// classifyRPCError converts an error returned by the node into a
// *RevertError or an ErrTransient wrap. Everything else is returned as is.
func classifyRPCError(err error) error {
	if err == nil {
		return nil
	}

	var de dataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				return DecodeRevert(data)
			}
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") {
		re := &RevertError{}
		if i := strings.Index(msg, "execution reverted: "); i >= 0 {
			re.Name = "Error"
			re.Reason = err.Error()[i+len("execution reverted: "):]
		}
		return re
	}

	if IsTransientError(err) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

var transientMessages = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"transaction underpriced",
	"max fee per gas less than block base fee",
	"already known",
	"too many requests",
	"429",
	"503",
	"502",
	"connection refused",
	"connection reset",
	"eof",
	"i/o timeout",
	"header not found",
}

// IsTransientError reports whether an RPC failure is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
