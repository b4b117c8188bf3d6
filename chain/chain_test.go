package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

type fakeClient struct {
	pendingNonce uint64
	gasPrice     *big.Int
	gasEstimate  uint64
	estimateErr  error
	sendErr      error
	sent         []*gethtypes.Transaction
	receipts     map[common.Hash]*gethtypes.Receipt
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.gasEstimate, nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func TestNonceSequencerMonotonic(t *testing.T) {
	client := &fakeClient{pendingNonce: 42}
	seq, err := NewNonceSequencer(context.Background(), client, common.Address{})
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}
	for want := uint64(42); want < 47; want++ {
		if got := seq.Next(); got != want {
			t.Fatalf("nonce = %d, want %d", got, want)
		}
	}
	if got := seq.Peek(); got != 47 {
		t.Fatalf("peek = %d, want 47", got)
	}
}

func TestQuoteGasPriceAdmission(t *testing.T) {
	ceilings := Ceilings{PriceCeilingGwei: 100, BufferWei: 2_000_000_000}

	client := &fakeClient{gasPrice: big.NewInt(97_000_000_000)}
	quote, err := QuoteGasPrice(context.Background(), client, ceilings)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !quote.Admitted {
		t.Fatalf("expected admission at %d gwei", quote.PriceGwei)
	}
	if quote.PriceGwei != 99 {
		t.Fatalf("price gwei = %d, want 99", quote.PriceGwei)
	}
	if quote.Price.Cmp(big.NewInt(99_000_000_000)) != 0 {
		t.Fatalf("buffered price = %s", quote.Price)
	}

	// One wei over the ceiling rounds up and is rejected.
	client.gasPrice = big.NewInt(98_000_000_001)
	quote, err = QuoteGasPrice(context.Background(), client, ceilings)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Admitted {
		t.Fatalf("expected rejection at %d gwei", quote.PriceGwei)
	}
	if quote.PriceGwei != 101 {
		t.Fatalf("price gwei = %d, want 101", quote.PriceGwei)
	}
}

func TestWeiToGweiRoundsUp(t *testing.T) {
	cases := []struct {
		wei  int64
		want int64
	}{
		{0, 0},
		{1, 1},
		{999_999_999, 1},
		{1_000_000_000, 1},
		{1_000_000_001, 2},
	}
	for _, tc := range cases {
		if got := WeiToGwei(big.NewInt(tc.wei)); got != tc.want {
			t.Fatalf("WeiToGwei(%d) = %d, want %d", tc.wei, got, tc.want)
		}
	}
}

func newTestMinter(t *testing.T, client Client) *Minter {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	minter, err := NewMinter(client, key, big.NewInt(137))
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}
	return minter
}

func TestSubmitMintBuildsTransaction(t *testing.T) {
	client := &fakeClient{}
	minter := newTestMinter(t, client)
	contract := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	hash, err := minter.SubmitMint(context.Background(), MintRequest{
		Contract:   contract,
		Recipients: []common.Address{common.HexToAddress("0x00000000000000000000000000000000000000aa")},
		ItemIDs:    []*big.Int{big.NewInt(7)},
		Nonce:      9,
		GasPrice:   big.NewInt(50_000_000_000),
		GasLimit:   300000,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(client.sent))
	}
	tx := client.sent[0]
	if tx.Nonce() != 9 {
		t.Fatalf("nonce = %d, want 9", tx.Nonce())
	}
	if tx.To() == nil || *tx.To() != contract {
		t.Fatalf("to = %v, want %s", tx.To(), contract)
	}
	selector := gethcrypto.Keccak256([]byte("issueTokens(address[],uint256[])"))[:4]
	data := tx.Data()
	if len(data) < 4 || !bytesEqual(data[:4], selector) {
		t.Fatalf("calldata selector mismatch: %x", data[:4])
	}
	if hash != tx.Hash() {
		t.Fatalf("returned hash %s, sent %s", hash, tx.Hash())
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSubmitMintClassifiesExhaustion(t *testing.T) {
	client := &fakeClient{sendErr: errors.New("execution reverted: _issueToken: ITEM_EXHAUSTED")}
	minter := newTestMinter(t, client)

	_, err := minter.SubmitMint(context.Background(), MintRequest{
		Contract:   common.HexToAddress("0xcc"),
		Recipients: []common.Address{common.HexToAddress("0xaa")},
		ItemIDs:    []*big.Int{big.NewInt(1)},
		Nonce:      0,
		GasPrice:   big.NewInt(1),
		GasLimit:   21000,
	})
	if !errors.Is(err, ErrItemExhausted) {
		t.Fatalf("expected ErrItemExhausted, got %v", err)
	}
}

func TestEstimateMintGas(t *testing.T) {
	client := &fakeClient{gasEstimate: 250000}
	minter := newTestMinter(t, client)
	contract := common.HexToAddress("0xcc")
	recipients := []common.Address{common.HexToAddress("0xaa")}
	items := []*big.Int{big.NewInt(1)}

	estimate, err := minter.EstimateMintGas(context.Background(), contract, recipients, items, 300000)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if estimate != 250000 {
		t.Fatalf("estimate = %d, want 250000", estimate)
	}

	_, err = minter.EstimateMintGas(context.Background(), contract, recipients, items, 200000)
	if !errors.Is(err, ErrGasLimitExceeded) {
		t.Fatalf("expected ErrGasLimitExceeded, got %v", err)
	}

	client.estimateErr = errors.New("execution reverted: _issueToken: ITEM_EXHAUSTED")
	_, err = minter.EstimateMintGas(context.Background(), contract, recipients, items, 300000)
	if !errors.Is(err, ErrItemExhausted) {
		t.Fatalf("expected ErrItemExhausted, got %v", err)
	}
}

func TestCheckReceipt(t *testing.T) {
	mined := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	client := &fakeClient{receipts: map[common.Hash]*gethtypes.Receipt{
		mined:    {Status: gethtypes.ReceiptStatusSuccessful},
		reverted: {Status: gethtypes.ReceiptStatusFailed},
	}}

	state, err := CheckReceipt(context.Background(), client, mined)
	if err != nil || state != ReceiptConfirmed {
		t.Fatalf("mined: state=%s err=%v", state, err)
	}
	state, err = CheckReceipt(context.Background(), client, reverted)
	if err != nil || state != ReceiptFailed {
		t.Fatalf("reverted: state=%s err=%v", state, err)
	}
	state, err = CheckReceipt(context.Background(), client, common.HexToHash("0x03"))
	if err != nil || state != ReceiptPending {
		t.Fatalf("unknown: state=%s err=%v", state, err)
	}
}
