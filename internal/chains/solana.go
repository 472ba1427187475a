package chains

import (
	"context"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/dexterlabs/x402-facilitator/internal/models"
)

// lamportsPerSignature is the base Solana transaction fee.
const lamportsPerSignature = 5000

// SolanaConfig configures the Solana settlement adapter.
type SolanaConfig struct {
	RPCURL string
	// Mint is the USDC mint address.
	Mint string
	// MintDecimals is the token precision (6 for USDC).
	MintDecimals int32
	// PrivateKey is the facilitator hot wallet key, base58 encoded.
	PrivateKey string
}

// Ensure SolanaAdapter implements Adapter.
var _ Adapter = (*SolanaAdapter)(nil)

// SolanaAdapter settles USDC transfers on Solana via SPL TransferChecked
// between associated token accounts.
type SolanaAdapter struct {
	cfg    SolanaConfig
	signer solana.PrivateKey
	mint   solana.PublicKey
	client *rpc.Client
}

// NewSolanaAdapter validates the configuration and parses the hot wallet key.
func NewSolanaAdapter(cfg SolanaConfig) (*SolanaAdapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chains: solana: rpc url required")
	}
	mint, err := solana.PublicKeyFromBase58(cfg.Mint)
	if err != nil {
		return nil, fmt.Errorf("chains: solana: invalid mint %q: %w", cfg.Mint, err)
	}
	signer, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("chains: solana: parse private key: %w", err)
	}
	if cfg.MintDecimals == 0 {
		cfg.MintDecimals = 6
	}
	return &SolanaAdapter{
		cfg:    cfg,
		signer: signer,
		mint:   mint,
		client: rpc.New(cfg.RPCURL),
	}, nil
}

// Chain implements Adapter.
func (a *SolanaAdapter) Chain() models.Chain { return models.ChainSolana }

// Settle implements Adapter.
func (a *SolanaAdapter) Settle(ctx context.Context, t Transfer) (*TxResult, error) {
	recipient, err := solana.PublicKeyFromBase58(t.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient %q", ErrInvalidAddress, t.Recipient)
	}
	if _, err := solana.PublicKeyFromBase58(t.Payer); err != nil {
		return nil, fmt.Errorf("%w: payer %q", ErrInvalidAddress, t.Payer)
	}
	units, err := tokenUnits(t.Amount, a.cfg.MintDecimals)
	if err != nil {
		return nil, err
	}
	amount := units.BigInt().Uint64()

	owner := a.signer.PublicKey()
	source, _, err := solana.FindAssociatedTokenAddress(owner, a.mint)
	if err != nil {
		return nil, fmt.Errorf("chains: solana: derive source ata: %w", err)
	}
	dest, _, err := solana.FindAssociatedTokenAddress(recipient, a.mint)
	if err != nil {
		return nil, fmt.Errorf("chains: solana: derive destination ata: %w", err)
	}

	balance, err := a.client.GetTokenAccountBalance(ctx, source, rpc.CommitmentFinalized)
	if err != nil {
		return nil, unavailable(err)
	}
	held, ok := new(big.Int).SetString(balance.Value.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("chains: solana: bad balance %q", balance.Value.Amount)
	}
	if held.Cmp(units.BigInt()) < 0 {
		return nil, fmt.Errorf("%w: balance %s < amount %d", ErrInsufficientFunds, held, amount)
	}

	recent, err := a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, unavailable(err)
	}

	ix := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(uint8(a.cfg.MintDecimals)).
		SetSourceAccount(source).
		SetDestinationAccount(dest).
		SetMintAccount(a.mint).
		SetOwnerAccount(owner).
		Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		recent.Value.Blockhash,
		solana.TransactionPayer(owner),
	)
	if err != nil {
		return nil, fmt.Errorf("chains: solana: build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner) {
			return &a.signer
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("chains: solana: sign transaction: %w", err)
	}

	sig, err := a.client.SendTransaction(ctx, tx)
	if err != nil {
		return nil, unavailable(err)
	}

	return &TxResult{
		TxHash:  sig.String(),
		GasCost: decimal.New(lamportsPerSignature, -9),
	}, nil
}
