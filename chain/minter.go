package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const issueTokensABI = `[{"inputs":[{"internalType":"address[]","name":"recipients","type":"address[]"},{"internalType":"uint256[]","name":"itemIds","type":"uint256[]"}],"name":"issueTokens","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

var issuerABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(issueTokensABI))
	if err != nil {
		panic(fmt.Sprintf("parse issuer abi: %v", err))
	}
	return parsed
}()

// MintRequest describes one issueTokens submission against a single item
// contract. Recipients and ItemIDs are parallel slices.
type MintRequest struct {
	Contract   common.Address
	Recipients []common.Address
	ItemIDs    []*big.Int
	Nonce      uint64
	GasPrice   *big.Int
	GasLimit   uint64
}

// Minter signs and submits issueTokens transactions for one hot wallet.
type Minter struct {
	client Client
	key    *ecdsa.PrivateKey
	signer gethtypes.Signer
	from   common.Address
}

// NewMinter constructs a minter for the given signing key and chain.
func NewMinter(client Client, key *ecdsa.PrivateKey, chainID *big.Int) (*Minter, error) {
	if client == nil {
		return nil, fmt.Errorf("chain: client required")
	}
	if key == nil {
		return nil, fmt.Errorf("chain: signing key required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain: chain id required")
	}
	return &Minter{
		client: client,
		key:    key,
		signer: gethtypes.LatestSignerForChainID(chainID),
		from:   gethcrypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// From returns the minter's signing address.
func (m *Minter) From() common.Address {
	return m.from
}

func packIssueTokens(recipients []common.Address, itemIDs []*big.Int) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("chain: at least one recipient required")
	}
	if len(recipients) != len(itemIDs) {
		return nil, fmt.Errorf("chain: recipients/items length mismatch: %d vs %d", len(recipients), len(itemIDs))
	}
	data, err := issuerABI.Pack("issueTokens", recipients, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("pack issueTokens: %w", err)
	}
	return data, nil
}

// EstimateMintGas asks the node for the gas cost of the mint and enforces
// the execution ceiling. An estimate that reverts with the exhaustion marker
// is surfaced as ErrItemExhausted so the batch can classify it without
// burning a nonce.
func (m *Minter) EstimateMintGas(ctx context.Context, contract common.Address, recipients []common.Address, itemIDs []*big.Int, limitCeiling uint64) (uint64, error) {
	data, err := packIssueTokens(recipients, itemIDs)
	if err != nil {
		return 0, err
	}
	estimate, err := m.client.EstimateGas(ctx, ethereum.CallMsg{
		From: m.from,
		To:   &contract,
		Data: data,
	})
	if err != nil {
		return 0, classifySubmitError(fmt.Errorf("estimate gas: %w", err))
	}
	if limitCeiling > 0 && estimate > limitCeiling {
		return estimate, fmt.Errorf("%w: estimate %d, ceiling %d", ErrGasLimitExceeded, estimate, limitCeiling)
	}
	return estimate, nil
}

// SubmitMint signs the request and sends it to the node, returning the
// transaction hash. The nonce is caller-supplied: sequencing is owned by the
// batch's NonceSequencer, never by the minter.
func (m *Minter) SubmitMint(ctx context.Context, req MintRequest) (common.Hash, error) {
	data, err := packIssueTokens(req.Recipients, req.ItemIDs)
	if err != nil {
		return common.Hash{}, err
	}
	if req.GasPrice == nil || req.GasPrice.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("chain: gas price required")
	}
	if req.GasLimit == 0 {
		return common.Hash{}, fmt.Errorf("chain: gas limit required")
	}
	tx := gethtypes.NewTransaction(req.Nonce, req.Contract, new(big.Int), req.GasLimit, req.GasPrice, data)
	signed, err := gethtypes.SignTx(tx, m.signer, m.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign mint tx: %w", err)
	}
	if err := m.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, classifySubmitError(fmt.Errorf("send mint tx: %w", err))
	}
	return signed.Hash(), nil
}
