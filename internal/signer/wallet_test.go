package signer

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdnode/signproxy/internal/txrequest"
)

// testMnemonic is the well-known "hardhat"/"anvil" default test mnemonic.
// Its first two derived accounts under m/44'/60'/0'/0/{0,1} are public,
// widely-used test vectors, never used for anything holding real value.
const testMnemonic = "test test test test test test test test test test test junk"

var (
	testAccount0 = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	testAccount1 = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

func TestNewWalletDerivesKnownAccounts(t *testing.T) {
	w, err := NewWallet(testMnemonic, "", 2)
	require.NoError(t, err)

	accounts := w.Accounts()
	require.Len(t, accounts, 2)
	assert.Equal(t, testAccount0, accounts[0])
	assert.Equal(t, testAccount1, accounts[1])
}

func TestNewWalletRejectsInvalidMnemonic(t *testing.T) {
	_, err := NewWallet("not a real mnemonic at all", "", 1)
	assert.Error(t, err)
}

func TestNewWalletRejectsNonPositiveCount(t *testing.T) {
	_, err := NewWallet(testMnemonic, "", 0)
	assert.Error(t, err)
}

func TestNewWalletDifferentPassphraseDifferentAddresses(t *testing.T) {
	w1, err := NewWallet(testMnemonic, "", 1)
	require.NoError(t, err)
	w2, err := NewWallet(testMnemonic, "some passphrase", 1)
	require.NoError(t, err)

	assert.NotEqual(t, w1.Accounts()[0], w2.Accounts()[0])
}

func TestWalletAccountsOrderIsDerivationOrder(t *testing.T) {
	w, err := NewWallet(testMnemonic, "", 3)
	require.NoError(t, err)

	accounts := w.Accounts()
	require.Len(t, accounts, 3)
	assert.Equal(t, testAccount0, accounts[0])
	assert.Equal(t, testAccount1, accounts[1])
}

func TestWalletSignMessageUnknownSigner(t *testing.T) {
	w, err := NewWallet(testMnemonic, "", 1)
	require.NoError(t, err)

	other := common.HexToAddress("0x0000000000000000000000000000000000dEaD")
	_, err = w.SignMessage(context.Background(), other, []byte("hello"))
	require.Error(t, err)

	var unknown *UnknownSignerError
	assert.ErrorAs(t, err, &unknown)
	assert.Equal(t, other, unknown.Account)
}

func TestWalletSignMessageDeterministic(t *testing.T) {
	w, err := NewWallet(testMnemonic, "", 1)
	require.NoError(t, err)

	account := w.Accounts()[0]
	sig1, err := w.SignMessage(context.Background(), account, []byte("hello"))
	require.NoError(t, err)
	sig2, err := w.SignMessage(context.Background(), account, []byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1.Hex(), 132) // 0x + 130 hex chars
}

func TestWalletSignTransactionRecoversSender(t *testing.T) {
	w, err := NewWallet(testMnemonic, "", 1)
	require.NoError(t, err)
	account := w.Accounts()[0]

	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	gas := uint64(21000)
	nonce := uint64(0)
	req := &txrequest.TransactionRequest{
		From:                 account,
		To:                   &to,
		Gas:                  &gas,
		Nonce:                &nonce,
		MaxFeePerGas:         big.NewInt(9),
		MaxPriorityFeePerGas: big.NewInt(1),
		Value:                big.NewInt(1),
		Data:                 []byte{},
		ChainID:              big.NewInt(1),
	}
	tx, err := txrequest.NewTransaction(req)
	require.NoError(t, err)

	sig, err := w.SignTransaction(context.Background(), account, tx)
	require.NoError(t, err)

	encoded, err := tx.Encode(sig)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)
	assert.Equal(t, byte(types.DynamicFeeTxType), encoded[0])

	var signed types.Transaction
	require.NoError(t, signed.UnmarshalBinary(encoded))
	sender, err := types.Sender(types.NewLondonSigner(big.NewInt(1)), &signed)
	require.NoError(t, err)
	assert.Equal(t, account, sender)
}

func TestWalletSignTransactionUnknownSigner(t *testing.T) {
	w, err := NewWallet(testMnemonic, "", 1)
	require.NoError(t, err)

	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	gas := uint64(21000)
	nonce := uint64(0)
	req := &txrequest.TransactionRequest{
		From:     w.Accounts()[0],
		To:       &to,
		Gas:      &gas,
		Nonce:    &nonce,
		GasPrice: big.NewInt(2),
		Value:    big.NewInt(0),
		Data:     []byte{},
		ChainID:  big.NewInt(1),
	}
	tx, err := txrequest.NewTransaction(req)
	require.NoError(t, err)

	other := common.HexToAddress("0x0000000000000000000000000000000000dEaD")
	_, err = w.SignTransaction(context.Background(), other, tx)
	var unknown *UnknownSignerError
	assert.ErrorAs(t, err, &unknown)
}

func TestSignatureHexFormat(t *testing.T) {
	w, err := NewWallet(testMnemonic, "", 1)
	require.NoError(t, err)

	account := w.Accounts()[0]
	sig, err := w.SignMessage(context.Background(), account, []byte("hello"))
	require.NoError(t, err)

	hex := sig.Hex()
	assert.Equal(t, "0x", hex[:2])
	assert.Len(t, hex, 2+65*2)
}
