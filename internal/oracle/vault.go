package oracle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	erc4626ABIJSON = `[{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	erc4626ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

// VaultOptions parameterise the on-chain vault source.
type VaultOptions struct {
	SourceID     string
	PairID       PairID
	RPCURL       string
	VaultAddress string
	Decimals     int32
	Confidence   int
	Timeout      time.Duration
}

// VaultSource reads an ERC-4626 share price (assets per share) over Ethereum RPC and stamps it
// with the block time.
type VaultSource struct {
	opts      VaultOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewVaultSource builds an on-chain vault source.
func NewVaultSource(opts VaultOptions, logger zerolog.Logger) *VaultSource {
	if opts.Decimals <= 0 {
		opts.Decimals = 18
	}
	return &VaultSource{
		opts:   opts,
		logger: logger.With().Str("component", "vault_source").Str("source", opts.SourceID).Logger(),
	}
}

// ID implements Source.
func (v *VaultSource) ID() string { return v.opts.SourceID }

// Poll implements Source.
func (v *VaultSource) Poll(ctx context.Context) (RateReport, bool, error) {
	if v.opts.RPCURL == "" {
		return RateReport{}, false, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(v.opts.VaultAddress) {
		return RateReport{}, false, errors.New("vault contract address not configured")
	}

	timeout := v.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := v.getClient(ctx)
	if err != nil {
		return RateReport{}, false, err
	}

	addr := common.HexToAddress(v.opts.VaultAddress)
	oneShare := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.opts.Decimals)), nil)

	payload, err := erc4626ABI.Pack("convertToAssets", oneShare)
	if err != nil {
		return RateReport{}, false, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return RateReport{}, false, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, header.Number)
	if err != nil {
		return RateReport{}, false, err
	}

	outputs, err := erc4626ABI.Unpack("convertToAssets", res)
	if err != nil {
		return RateReport{}, false, err
	}
	if len(outputs) != 1 {
		return RateReport{}, false, errors.New("unexpected convertToAssets response")
	}

	assets, ok := outputs[0].(*big.Int)
	if !ok {
		return RateReport{}, false, errors.New("failed to decode convertToAssets output")
	}
	if assets.Sign() <= 0 {
		return RateReport{}, false, nil
	}

	report := RateReport{
		SourceID:   v.opts.SourceID,
		PairID:     v.opts.PairID,
		Rate:       decimal.NewFromBigInt(assets, -v.opts.Decimals),
		ObservedAt: time.Unix(int64(header.Time), 0).UTC(),
		Confidence: v.opts.Confidence,
	}
	v.logger.Debug().Str("rate", report.Rate.String()).Uint64("block", header.Number.Uint64()).Msg("vault rate read")
	return report, true, nil
}

func (v *VaultSource) getClient(ctx context.Context) (*ethclient.Client, error) {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()

	if v.client != nil {
		return v.client, nil
	}

	client, err := ethclient.DialContext(ctx, v.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	v.client = client
	return client, nil
}

var _ Source = (*VaultSource)(nil)
