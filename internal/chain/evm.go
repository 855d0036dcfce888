package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Klingon-tech/klingdex-resolver/pkg/logging"
)

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	erc20ABI = parsed
}

// EVMConfig configures a go-ethereum backed client.
type EVMConfig struct {
	ChainID uint64
	RPCURL  string
	Key     *ecdsa.PrivateKey

	GasMultiplier  float64       // applied to estimates, default 1.2
	Confirmations  uint64        // blocks on top of the receipt block, default 1
	ConfirmTimeout time.Duration // default 3m
	PollInterval   time.Duration // default 2s
	DialAttempts   uint64        // default 5
}

func (c *EVMConfig) withDefaults() EVMConfig {
	out := *c
	if out.GasMultiplier <= 0 {
		out.GasMultiplier = 1.2
	}
	if out.Confirmations == 0 {
		out.Confirmations = 1
	}
	if out.ConfirmTimeout == 0 {
		out.ConfirmTimeout = 3 * time.Minute
	}
	if out.PollInterval == 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.DialAttempts == 0 {
		out.DialAttempts = 5
	}
	return out
}

// EVMClient implements Client on top of ethclient.
type EVMClient struct {
	cfg     EVMConfig
	client  *ethclient.Client
	chainID *big.Int
	address common.Address
	signer  types.Signer

	// nonceMu serializes nonce allocation and broadcast for this account.
	nonceMu sync.Mutex

	log *logging.Logger
}

// DialEVM connects to the RPC endpoint, retrying with exponential backoff,
// and checks that it serves the configured chain.
func DialEVM(ctx context.Context, cfg *EVMConfig) (*EVMClient, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("chain %d: signing key required", cfg.ChainID)
	}
	c := cfg.withDefaults()
	log := logging.GetDefault().Component("chain").With("chain", Name(c.ChainID))

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.DialAttempts-1), ctx)
	attempt := 0
	client, err := backoff.RetryWithData(func() (*ethclient.Client, error) {
		attempt++
		cl, err := ethclient.DialContext(ctx, c.RPCURL)
		if err != nil {
			log.Warn("RPC dial failed", "attempt", attempt, "error", err)
			return nil, err
		}
		return cl, nil
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if id.Uint64() != c.ChainID {
		client.Close()
		return nil, fmt.Errorf("%w: configured %d, endpoint %d", ErrChainMismatch, c.ChainID, id.Uint64())
	}

	return &EVMClient{
		cfg:     c,
		client:  client,
		chainID: id,
		address: crypto.PubkeyToAddress(c.Key.PublicKey),
		signer:  types.LatestSignerForChainID(id),
		log:     log,
	}, nil
}

// Close closes the underlying RPC connection.
func (c *EVMClient) Close() {
	c.client.Close()
}

func (c *EVMClient) ChainID() uint64 {
	return c.cfg.ChainID
}

func (c *EVMClient) Address() common.Address {
	return c.address
}

func (c *EVMClient) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if token == NativeToken {
		bal, err := c.client.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, classifyRPCError(err)
		}
		return bal, nil
	}
	return c.callUint256(ctx, token, "balanceOf", owner)
}

func (c *EVMClient) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	if token == NativeToken {
		return nil, fmt.Errorf("native token has no allowance")
	}
	return c.callUint256(ctx, token, "allowance", owner, spender)
}

func (c *EVMClient) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (TxRef, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return TxRef{}, err
	}
	return c.Submit(ctx, Call{To: token, Data: data})
}

func (c *EVMClient) callUint256(ctx context.Context, contract common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := c.Simulate(ctx, Call{To: contract, Data: data})
	if err != nil {
		return nil, err
	}
	values, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", method, err)
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result %T", method, values[0])
	}
	return n, nil
}

func (c *EVMClient) Simulate(ctx context.Context, call Call) ([]byte, error) {
	to := call.To
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Gas:   call.GasLimit,
		Value: call.Value,
		Data:  call.Data,
	}, nil)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	return out, nil
}

func (c *EVMClient) Submit(ctx context.Context, call Call) (TxRef, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	to := call.To
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return TxRef{}, classifyRPCError(err)
	}

	gas := call.GasLimit
	if gas == 0 {
		est, err := c.client.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: &to, Value: value, Data: call.Data})
		if err != nil {
			return TxRef{}, classifyRPCError(err)
		}
		gas = uint64(float64(est) * c.cfg.GasMultiplier)
	}

	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return TxRef{}, classifyRPCError(err)
	}

	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := c.client.SuggestGasTipCap(ctx)
		if err != nil {
			return TxRef{}, classifyRPCError(err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      call.Data,
		})
	} else {
		price, err := c.client.SuggestGasPrice(ctx)
		if err != nil {
			return TxRef{}, classifyRPCError(err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     call.Data,
		})
	}

	signed, err := types.SignTx(tx, c.signer, c.cfg.Key)
	if err != nil {
		return TxRef{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return TxRef{}, classifyRPCError(err)
	}

	ref := TxRef{ChainID: c.cfg.ChainID, Hash: signed.Hash()}
	if ref.IsZero() {
		return TxRef{}, ErrZeroTxHash
	}
	c.log.Debug("Transaction sent", "tx", ref.Hash.Hex(), "nonce", nonce, "gas", gas)
	return ref, nil
}

func (c *EVMClient) WaitForConfirmation(ctx context.Context, ref TxRef) (*Receipt, error) {
	if ref.IsZero() {
		return nil, ErrZeroTxHash
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r, err := c.client.TransactionReceipt(ctx, ref.Hash)
		switch {
		case err == nil:
			if rec, ok, err := c.confirmed(ctx, ref, r); err != nil || ok {
				return rec, err
			}
		case errors.Is(err, ethereum.NotFound):
		default:
			if !IsTransientError(err) {
				return nil, classifyRPCError(err)
			}
			c.log.Debug("Receipt poll failed", "tx", ref.Hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w: %s", ErrTransient, ErrNotConfirmed, ref.Hash.Hex())
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) confirmed(ctx context.Context, ref TxRef, r *types.Receipt) (*Receipt, bool, error) {
	latest, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, false, nil
	}
	block := r.BlockNumber.Uint64()
	if latest+1 < block+c.cfg.Confirmations {
		return nil, false, nil
	}

	header, err := c.client.HeaderByNumber(ctx, r.BlockNumber)
	if err != nil {
		return nil, false, nil
	}

	logs := make([]types.Log, 0, len(r.Logs))
	for _, l := range r.Logs {
		logs = append(logs, *l)
	}
	return &Receipt{
		Tx:          ref,
		Success:     r.Status == types.ReceiptStatusSuccessful,
		GasUsed:     r.GasUsed,
		BlockNumber: block,
		BlockTime:   time.Unix(int64(header.Time), 0),
		Logs:        logs,
	}, true, nil
}

func (c *EVMClient) ParseEvents(ctx context.Context, receipt *Receipt) ([]types.Log, error) {
	if receipt == nil {
		return nil, fmt.Errorf("nil receipt")
	}
	if len(receipt.Logs) > 0 {
		return receipt.Logs, nil
	}
	r, err := c.client.TransactionReceipt(ctx, receipt.Tx.Hash)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	logs := make([]types.Log, 0, len(r.Logs))
	for _, l := range r.Logs {
		logs = append(logs, *l)
	}
	return logs, nil
}
