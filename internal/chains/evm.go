package chains

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/dexterlabs/x402-facilitator/internal/models"
)

// Minimal ERC-20 fragment: transfer for settlement, balanceOf for the
// pre-dispatch funds check.
const erc20ABI = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const defaultGasLimit = 100_000

// EVMConfig configures an EVM settlement adapter (Base, Polygon).
type EVMConfig struct {
	Chain         models.Chain
	RPCURL        string
	ChainID       int64
	TokenAddress  string
	TokenDecimals int32
	// PrivateKey is the facilitator hot wallet key, hex encoded.
	PrivateKey string
	// GasLimit bounds the transfer; defaults to 100k, plenty for ERC-20.
	GasLimit uint64
}

// Ensure EVMAdapter implements Adapter.
var _ Adapter = (*EVMAdapter)(nil)

// EVMAdapter settles USDC transfers on an EVM chain by submitting ERC-20
// transfers from the facilitator hot wallet.
type EVMAdapter struct {
	cfg     EVMConfig
	abi     abi.ABI
	key     *ecdsa.PrivateKey
	from    common.Address
	token   common.Address
	chainID *big.Int

	mu     sync.Mutex
	client *ethclient.Client
}

// NewEVMAdapter validates the configuration and parses the hot wallet key.
// No network connection is made until the first Settle call.
func NewEVMAdapter(cfg EVMConfig) (*EVMAdapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chains: %s: rpc url required", cfg.Chain)
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("chains: %s: invalid token address %q", cfg.Chain, cfg.TokenAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chains: %s: parse private key: %w", cfg.Chain, err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chains: parse erc20 abi: %w", err)
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 6
	}
	return &EVMAdapter{
		cfg:     cfg,
		abi:     parsed,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		token:   common.HexToAddress(cfg.TokenAddress),
		chainID: big.NewInt(cfg.ChainID),
	}, nil
}

// Chain implements Adapter.
func (a *EVMAdapter) Chain() models.Chain { return a.cfg.Chain }

// dial returns the shared RPC client, connecting on first use.
func (a *EVMAdapter) dial(ctx context.Context) (*ethclient.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	client, err := ethclient.DialContext(ctx, a.cfg.RPCURL)
	if err != nil {
		return nil, unavailable(err)
	}
	a.client = client
	return client, nil
}

// Settle implements Adapter.
func (a *EVMAdapter) Settle(ctx context.Context, t Transfer) (*TxResult, error) {
	if !common.IsHexAddress(t.Recipient) {
		return nil, fmt.Errorf("%w: recipient %q", ErrInvalidAddress, t.Recipient)
	}
	if !common.IsHexAddress(t.Payer) {
		return nil, fmt.Errorf("%w: payer %q", ErrInvalidAddress, t.Payer)
	}
	units, err := tokenUnits(t.Amount, a.cfg.TokenDecimals)
	if err != nil {
		return nil, err
	}
	amount := units.BigInt()

	client, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}

	balance, err := a.balanceOf(ctx, client, a.from)
	if err != nil {
		return nil, unavailable(err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: balance %s < amount %s", ErrInsufficientFunds, balance, amount)
	}

	nonce, err := client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return nil, unavailable(err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, unavailable(err)
	}

	data, err := a.abi.Pack("transfer", common.HexToAddress(t.Recipient), amount)
	if err != nil {
		return nil, fmt.Errorf("chains: pack transfer: %w", err)
	}

	tx := types.NewTransaction(nonce, a.token, big.NewInt(0), a.cfg.GasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return nil, fmt.Errorf("chains: sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, unavailable(err)
	}

	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(a.cfg.GasLimit))
	return &TxResult{
		TxHash:  signed.Hash().Hex(),
		GasCost: decimal.NewFromBigInt(cost, -18),
	}, nil
}

// balanceOf reads the ERC-20 balance of owner via eth_call.
func (a *EVMAdapter) balanceOf(ctx context.Context, client *ethclient.Client, owner common.Address) (*big.Int, error) {
	data, err := a.abi.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &a.token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	results, err := a.abi.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return balance, nil
}
