package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	gcommon "github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/HumansWindow/lastproject-sub014/internal/rpc"
	"github.com/HumansWindow/lastproject-sub014/internal/types"
)

// ErrLedgerRejected marks a permanent, contract-level rejection
// (duplicate issuance, invalid proof). Callers must not retry.
var ErrLedgerRejected = errors.New("ledger rejected batch")

// IsPermanent reports whether a submission error is a contract-level
// rejection rather than a transient endpoint failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrLedgerRejected)
}

// MintEntry is one wallet in a batch mint. Proof is set only for FIRST
// issuance.
type MintEntry struct {
	WalletAddress string
	Proof         []byte
}

type Confirmation struct {
	Confirmed   bool
	BlockHeight uint64
	Reverted    bool
	Reason      string
}

// Adapter is the narrow boundary to the external ledger. It carries no
// business logic: it packs, signs and sends batches and reads state
// back.
type Adapter interface {
	SubmitBatchMint(ctx context.Context, ep *rpc.Endpoint, issuanceType types.IssuanceType, entries []MintEntry) (string, error)
	GetConfirmation(ctx context.Context, ep *rpc.Endpoint, txRef string) (*Confirmation, error)
	GetCommitmentRoot(ctx context.Context, ep *rpc.Endpoint) ([32]byte, error)
}

type EvmAdapter struct {
	chainID      *big.Int
	minter       gcommon.Address
	operatorKey  *ecdsa.PrivateKey
	operatorAddr gcommon.Address
	minterABI    abi.ABI
	nonces       *NonceManager
	logger       logrus.FieldLogger
}

func NewEvmAdapter(chainID int64, minterAddress, operatorKeyHex string, logger logrus.FieldLogger) (*EvmAdapter, error) {
	parsedABI, err := abi.JSON(strings.NewReader(MinterABI))
	if err != nil {
		return nil, fmt.Errorf("abi.JSON: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(operatorKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse operator key: %w", err)
	}

	if !gcommon.IsHexAddress(minterAddress) {
		return nil, fmt.Errorf("invalid minter address: %s", minterAddress)
	}

	return &EvmAdapter{
		chainID:      big.NewInt(chainID),
		minter:       gcommon.HexToAddress(minterAddress),
		operatorKey:  key,
		operatorAddr: crypto.PubkeyToAddress(key.PublicKey),
		minterABI:    parsedABI,
		nonces:       NewNonceManager(),
		logger:       logger.WithField("component", "ledger-adapter"),
	}, nil
}

// SubmitBatchMint packs the partition into the matching contract entry
// point, signs with the operator key and broadcasts through the given
// endpoint. Entry order is preserved in the calldata; the mint is
// all-or-nothing per batch on the contract side.
func (a *EvmAdapter) SubmitBatchMint(ctx context.Context, ep *rpc.Endpoint, issuanceType types.IssuanceType, entries []MintEntry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("empty batch")
	}

	data, err := a.packBatch(issuanceType, entries)
	if err != nil {
		return "", err
	}

	client, err := ep.Client()
	if err != nil {
		return "", fmt.Errorf("ep.Client: %w", err)
	}

	nonce, err := a.nonces.NextNonce(ctx, client, a.operatorAddr)
	if err != nil {
		return "", fmt.Errorf("nonces.NextNonce: %w", err)
	}

	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: a.operatorAddr,
		To:   &a.minter,
		Data: data,
	})
	if err != nil {
		// An estimate that reverts means the contract will reject the
		// batch; retrying the same calldata cannot succeed.
		if isExecutionReverted(err) {
			return "", fmt.Errorf("%w: %s", ErrLedgerRejected, err.Error())
		}
		return "", fmt.Errorf("client.EstimateGas: %w", err)
	}

	gasTipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("client.SuggestGasTipCap: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("client.HeaderByNumber: %w", err)
	}
	gasFeeCap := dynamicFeeCap(gasTipCap, head.BaseFee)
	if gasFeeCap == nil {
		// Chain has no base fee; price the cap like a legacy tx.
		gasFeeCap, err = client.SuggestGasPrice(ctx)
		if err != nil {
			return "", fmt.Errorf("client.SuggestGasPrice: %w", err)
		}
	}

	tx := gtypes.NewTx(&gtypes.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &a.minter,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signed, err := gtypes.SignTx(tx, gtypes.LatestSignerForChainID(a.chainID), a.operatorKey)
	if err != nil {
		return "", fmt.Errorf("gtypes.SignTx: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("client.SendTransaction: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"tx_hash":       signed.Hash().Hex(),
		"issuance_type": issuanceType,
		"entries":       len(entries),
		"endpoint":      ep.URL,
	}).Info("batch mint submitted")

	return signed.Hash().Hex(), nil
}

func (a *EvmAdapter) packBatch(issuanceType types.IssuanceType, entries []MintEntry) ([]byte, error) {
	recipients := make([]gcommon.Address, 0, len(entries))
	for _, e := range entries {
		if !gcommon.IsHexAddress(e.WalletAddress) {
			return nil, fmt.Errorf("%w: invalid wallet address %s", ErrLedgerRejected, e.WalletAddress)
		}
		recipients = append(recipients, gcommon.HexToAddress(e.WalletAddress))
	}

	switch issuanceType {
	case types.IssuanceTypeFirst:
		proofs := make([][][32]byte, 0, len(entries))
		for _, e := range entries {
			p, err := splitProof(e.Proof)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrLedgerRejected, err.Error())
			}
			proofs = append(proofs, p)
		}
		data, err := a.minterABI.Pack("batchMintFirst", recipients, proofs)
		if err != nil {
			return nil, fmt.Errorf("minterABI.Pack(batchMintFirst): %w", err)
		}
		return data, nil
	case types.IssuanceTypePeriodic:
		data, err := a.minterABI.Pack("batchMintPeriodic", recipients)
		if err != nil {
			return nil, fmt.Errorf("minterABI.Pack(batchMintPeriodic): %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown issuance type: %s", issuanceType)
	}
}

// GetConfirmation reads the receipt for a submitted batch. A missing
// receipt is "not confirmed yet", not an error.
func (a *EvmAdapter) GetConfirmation(ctx context.Context, ep *rpc.Endpoint, txRef string) (*Confirmation, error) {
	client, err := ep.Client()
	if err != nil {
		return nil, fmt.Errorf("ep.Client: %w", err)
	}

	receipt, err := client.TransactionReceipt(ctx, gcommon.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &Confirmation{Confirmed: false}, nil
		}
		return nil, fmt.Errorf("client.TransactionReceipt: %w", err)
	}

	if receipt.Status == gtypes.ReceiptStatusFailed {
		return &Confirmation{
			Confirmed:   true,
			BlockHeight: receipt.BlockNumber.Uint64(),
			Reverted:    true,
			Reason:      "execution reverted",
		}, nil
	}

	return &Confirmation{
		Confirmed:   true,
		BlockHeight: receipt.BlockNumber.Uint64(),
	}, nil
}

func (a *EvmAdapter) GetCommitmentRoot(ctx context.Context, ep *rpc.Endpoint) ([32]byte, error) {
	var root [32]byte

	client, err := ep.Client()
	if err != nil {
		return root, fmt.Errorf("ep.Client: %w", err)
	}

	data, err := a.minterABI.Pack("commitmentRoot")
	if err != nil {
		return root, fmt.Errorf("minterABI.Pack(commitmentRoot): %w", err)
	}

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &a.minter, Data: data}, nil)
	if err != nil {
		return root, fmt.Errorf("client.CallContract: %w", err)
	}
	if len(out) != 32 {
		return root, fmt.Errorf("unexpected commitmentRoot result length: %d", len(out))
	}
	copy(root[:], out)
	return root, nil
}

// dynamicFeeCap returns baseFee*2 + tip, leaving room for a few blocks
// of fee growth, or nil when the chain publishes no base fee.
func dynamicFeeCap(tip, baseFee *big.Int) *big.Int {
	if baseFee == nil {
		return nil
	}
	return new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))
}

func splitProof(proof []byte) ([][32]byte, error) {
	if len(proof)%32 != 0 {
		return nil, fmt.Errorf("proof length %d is not a multiple of 32", len(proof))
	}
	nodes := make([][32]byte, 0, len(proof)/32)
	for off := 0; off < len(proof); off += 32 {
		var node [32]byte
		copy(node[:], proof[off:off+32])
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func isExecutionReverted(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}
