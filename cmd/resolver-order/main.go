// Package main provides resolver-order, the maker tool that signs an HTLC
// order and drops it into the resolver's queue together with its secret.
package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/Klingon-tech/klingdex-resolver/internal/config"
	"github.com/Klingon-tech/klingdex-resolver/internal/contracts/escrow"
	"github.com/Klingon-tech/klingdex-resolver/internal/hashlock"
	"github.com/Klingon-tech/klingdex-resolver/internal/swap"
	"github.com/Klingon-tech/klingdex-resolver/internal/wallet"
	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
	"github.com/Klingon-tech/klingdex-resolver/pkg/logging"
)

// envMakerKey holds the maker's hex private key.
const envMakerKey = "MAKER_PRIVATE_KEY"

// MakerTraits bits set by the tool.
const (
	traitHasExtension    = 249
	traitPostInteraction = 251
	traitNonceOffset     = 120
)

// orderParams are the user-supplied order fields.
type orderParams struct {
	ChainID          uint64
	DstChainID       uint64
	MakerAsset       string
	TakerAsset       string
	Receiver         string
	MakingAmount     string
	TakingAmount     string
	DstToken         string
	DstAmount        string
	SafetyDeposit    string
	DstSafetyDeposit string
	Extension        string
	Nonce            uint64
	Timelocks        swap.Timelocks
}

// result is printed as JSON on success.
type result struct {
	OrderHash string `json:"orderHash"`
	Hashlock  string `json:"hashlock"`
	Maker     string `json:"maker"`
	File      string `json:"file"`
}

func main() {
	var (
		dataDir          = flag.String("datadir", config.DefaultDataDir, "Resolver data directory")
		queueDir         = flag.String("queue", "", "Queue directory (default: from config)")
		chainID          = flag.Uint64("chain", 0, "Source chain id")
		dstChainID       = flag.Uint64("dst-chain", 0, "Destination chain id (default: source chain)")
		makerAsset       = flag.String("maker-asset", "", "Token the maker sells on the source chain")
		takerAsset       = flag.String("taker-asset", "", "Token the maker buys")
		receiver         = flag.String("receiver", "", "Receiver of the taker asset (default: maker)")
		making           = flag.String("making", "", "Making amount in base units")
		taking           = flag.String("taking", "", "Taking amount in base units")
		dstToken         = flag.String("dst-token", "", "Destination token (default: taker asset)")
		dstAmount        = flag.String("dst-amount", "", "Destination amount (default: taking amount)")
		safetyDeposit    = flag.String("safety-deposit", "0", "Source safety deposit in wei")
		dstSafetyDeposit = flag.String("dst-safety-deposit", "0", "Destination safety deposit in wei")
		extension        = flag.String("extension", "", "Hex order extension")
		nonce            = flag.Uint64("nonce", 0, "Maker nonce (0 = none)")
		logLevel         = flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	dir := *queueDir
	if dir == "" {
		dir = cfg.QueueDir()
	}

	keyHex := os.Getenv(envMakerKey)
	if keyHex == "" {
		log.Fatal(envMakerKey + " must be set")
	}
	key, err := wallet.ParsePrivateKey(keyHex)
	if err != nil {
		log.Fatal("Invalid maker key", "error", err)
	}

	codec, err := codecFor(cfg, *chainID)
	if err != nil {
		log.Fatal("No contracts for chain", "chain", *chainID, "error", err)
	}
	queue, err := swap.NewOrderQueue(dir)
	if err != nil {
		log.Fatal("Failed to open queue", "error", err)
	}

	res, err := createOrder(queue, codec, wallet.NewSigner(key), &orderParams{
		ChainID:          *chainID,
		DstChainID:       *dstChainID,
		MakerAsset:       *makerAsset,
		TakerAsset:       *takerAsset,
		Receiver:         *receiver,
		MakingAmount:     *making,
		TakingAmount:     *taking,
		DstToken:         *dstToken,
		DstAmount:        *dstAmount,
		SafetyDeposit:    *safetyDeposit,
		DstSafetyDeposit: *dstSafetyDeposit,
		Extension:        *extension,
		Nonce:            *nonce,
		Timelocks:        swap.DefaultTimelocks(),
	})
	if err != nil {
		log.Fatal("Failed to create order", "error", err)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
}

// codecFor resolves the source chain contracts from the config, falling back
// to the built-in registry.
func codecFor(cfg *config.Config, chainID uint64) (*escrow.Codec, error) {
	deployments, err := cfg.Deployments()
	if err != nil {
		return nil, err
	}
	if _, ok := deployments[chainID]; !ok {
		a, ok := config.GetContracts(chainID)
		if !ok {
			return nil, fmt.Errorf("%w: %d (built-in chains: %v)", escrow.ErrNoDeployment, chainID, config.ListDeployedChains())
		}
		deployments[chainID] = escrow.Deployment{
			LimitOrderProtocol: a.LimitOrderProtocol,
			EscrowFactory:      a.EscrowFactory,
		}
	}
	return escrow.NewCodec(deployments), nil
}

// createOrder builds and signs the order, queues it and stores the secret.
func createOrder(queue *swap.OrderQueue, codec *escrow.Codec, signer *wallet.Signer, p *orderParams) (*result, error) {
	doc, secret, orderHash, err := buildDocument(codec, signer, p, time.Now())
	if err != nil {
		return nil, err
	}
	file, err := queue.Add(doc)
	if err != nil {
		return nil, err
	}
	if err := queue.WriteSecret(secret, orderHash, p.ChainID); err != nil {
		os.Remove(file)
		return nil, fmt.Errorf("failed to write secret file: %w", err)
	}
	return &result{
		OrderHash: orderHash,
		Hashlock:  doc.Hashlock,
		Maker:     signer.Address().Hex(),
		File:      file,
	}, nil
}

func buildDocument(codec *escrow.Codec, signer *wallet.Signer, p *orderParams, now time.Time) (*swap.QueueDocument, hashlock.Secret, string, error) {
	if p.ChainID == 0 {
		return nil, hashlock.Secret{}, "", errors.New("source chain id is required")
	}
	if err := p.Timelocks.Validate(); err != nil {
		return nil, hashlock.Secret{}, "", err
	}
	for _, a := range []struct{ flag, value string }{
		{"maker-asset", p.MakerAsset},
		{"taker-asset", p.TakerAsset},
		{"receiver", p.Receiver},
		{"dst-token", p.DstToken},
	} {
		if a.value != "" && !wallet.ValidateAddress(a.value) {
			return nil, hashlock.Secret{}, "", fmt.Errorf("-%s %q is not a valid checksummed address", a.flag, a.value)
		}
	}

	making, err := helpers.ParseBigInt(p.MakingAmount)
	if err != nil {
		return nil, hashlock.Secret{}, "", fmt.Errorf("making amount: %w", err)
	}
	taking, err := helpers.ParseBigInt(p.TakingAmount)
	if err != nil {
		return nil, hashlock.Secret{}, "", fmt.Errorf("taking amount: %w", err)
	}
	deposits := make([]*big.Int, 2)
	for i, v := range []string{p.SafetyDeposit, p.DstSafetyDeposit} {
		if v == "" {
			v = "0"
		}
		if deposits[i], err = helpers.ParseBigInt(v); err != nil {
			return nil, hashlock.Secret{}, "", fmt.Errorf("safety deposit: %w", err)
		}
	}
	var ext []byte
	if p.Extension != "" {
		if ext, err = helpers.HexToBytes(p.Extension); err != nil {
			return nil, hashlock.Secret{}, "", fmt.Errorf("extension: %w", err)
		}
	}

	salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 96))
	if err != nil {
		return nil, hashlock.Secret{}, "", err
	}
	traits := new(big.Int).Lsh(new(big.Int).SetUint64(p.Nonce), traitNonceOffset)
	if len(ext) > 0 {
		traits.SetBit(traits, traitHasExtension, 1)
		traits.SetBit(traits, traitPostInteraction, 1)
	}

	order := &swap.Order{
		Salt:         salt,
		Maker:        signer.Address().Hex(),
		Receiver:     p.Receiver,
		MakerAsset:   p.MakerAsset,
		TakerAsset:   p.TakerAsset,
		MakingAmount: making,
		TakingAmount: taking,
		MakerTraits:  traits,
	}
	if err := order.Validate(); err != nil {
		return nil, hashlock.Secret{}, "", err
	}

	hash, err := codec.OrderHash(p.ChainID, order.ABI())
	if err != nil {
		return nil, hashlock.Secret{}, "", err
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		return nil, hashlock.Secret{}, "", err
	}
	secret, h, err := hashlock.Generate()
	if err != nil {
		return nil, hashlock.Secret{}, "", err
	}

	tl := p.Timelocks
	doc := &swap.QueueDocument{
		Order:            swap.NewQueueOrder(order),
		Signature:        helpers.BytesToHex(sig),
		Extension:        helpers.BytesToHex(ext),
		ChainID:          swap.DecimalOf(new(big.Int).SetUint64(p.ChainID)),
		Hashlock:         h.Hex(),
		CreatedAt:        swap.DecimalOf(big.NewInt(now.UnixMilli())),
		DstToken:         p.DstToken,
		SafetyDeposit:    swap.DecimalOf(deposits[0]),
		DstSafetyDeposit: swap.DecimalOf(deposits[1]),
		Timelocks:        &tl,
	}
	if p.DstChainID != 0 {
		doc.DstChainID = swap.DecimalOf(new(big.Int).SetUint64(p.DstChainID))
	}
	if p.DstAmount != "" {
		if _, err := helpers.ParseBigInt(p.DstAmount); err != nil {
			return nil, hashlock.Secret{}, "", fmt.Errorf("destination amount: %w", err)
		}
		doc.DstAmount = swap.Decimal(p.DstAmount)
	}

	return doc, secret, helpers.BytesToHex(hash[:]), nil
}
