package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"runtime"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/hdnode/signproxy/internal/message"
	"github.com/hdnode/signproxy/internal/txrequest"
	"github.com/hdnode/signproxy/internal/typeddata"
)

// Segments of the BIP-44 derivation path for Ethereum accounts:
// m/44'/60'/0'/0/{index}.
const (
	hardenedOffset = hdkeychain.HardenedKeyStart
	purpose        = 44
	coinTypeEther  = 60
	account        = 0
	change         = 0
)

// key pairs a derived private key with the account it derived.
type key struct {
	address common.Address
	priv    *ecdsa.PrivateKey
}

// Wallet derives a fixed set of accounts from a BIP-39 mnemonic up front
// and signs with them. It never persists derived key material beyond
// process memory.
type Wallet struct {
	keys []key
}

// NewWallet derives the first count accounts under m/44'/60'/0'/0/i from
// mnemonic, protected by passphrase (may be empty).
func NewWallet(mnemonic, passphrase string, count int) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("wallet: invalid mnemonic")
	}
	if count <= 0 {
		return nil, fmt.Errorf("wallet: account count must be positive")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	defer clearBytes(seed)

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("wallet: deriving master key: %w", err)
	}

	keys := make([]key, 0, count)
	for i := 0; i < count; i++ {
		priv, err := derivePrivateKey(master, uint32(i))
		if err != nil {
			return nil, fmt.Errorf("wallet: deriving account %d: %w", i, err)
		}
		keys = append(keys, key{
			address: crypto.PubkeyToAddress(priv.PublicKey),
			priv:    priv,
		})
	}

	return &Wallet{keys: keys}, nil
}

// derivePrivateKey walks m/44'/60'/0'/0/index from the master extended key
// and converts the resulting child key to a go-ethereum ECDSA private key.
func derivePrivateKey(master *hdkeychain.ExtendedKey, index uint32) (*ecdsa.PrivateKey, error) {
	path := []uint32{
		hardenedOffset + purpose,
		hardenedOffset + coinTypeEther,
		hardenedOffset + account,
		change,
		index,
	}

	child := master
	for depth, p := range path {
		next, err := child.Derive(p)
		if err != nil {
			return nil, fmt.Errorf("path segment %d: %w", depth, err)
		}
		child = next
	}

	btcPriv, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extracting private key: %w", err)
	}
	defer btcPriv.Zero()

	return toECDSA(btcPriv), nil
}

// toECDSA converts a btcec private key into a go-ethereum-compatible ECDSA
// private key over the same secp256k1 curve. The curve is set to
// crypto.S256(), the instance go-ethereum's crypto.Sign accepts.
func toECDSA(priv *btcec.PrivateKey) *ecdsa.PrivateKey {
	k := priv.ToECDSA()
	k.Curve = crypto.S256()
	return k
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

func (w *Wallet) find(account common.Address) *key {
	for i := range w.keys {
		if w.keys[i].address == account {
			return &w.keys[i]
		}
	}
	return nil
}

// Accounts returns every address this wallet derived, in derivation order.
func (w *Wallet) Accounts() []common.Address {
	out := make([]common.Address, len(w.keys))
	for i, k := range w.keys {
		out[i] = k.address
	}
	return out
}

func sign(priv *ecdsa.PrivateKey, digest common.Hash) (Signature, error) {
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return Signature{}, fmt.Errorf("signing: %w", err)
	}
	var out Signature
	copy(out[:], sig)
	return out, nil
}

// SignMessage implements Signing.
func (w *Wallet) SignMessage(_ context.Context, account common.Address, data []byte) (Signature, error) {
	k := w.find(account)
	if k == nil {
		return Signature{}, &UnknownSignerError{Account: account}
	}
	return sign(k.priv, message.SigningHash(data))
}

// SignTransaction implements Signing.
func (w *Wallet) SignTransaction(_ context.Context, account common.Address, tx *txrequest.Transaction) (Signature, error) {
	k := w.find(account)
	if k == nil {
		return Signature{}, &UnknownSignerError{Account: account}
	}
	return sign(k.priv, tx.SigningHash())
}

// SignTypedData implements Signing.
func (w *Wallet) SignTypedData(_ context.Context, account common.Address, data *typeddata.TypedData) (Signature, error) {
	k := w.find(account)
	if k == nil {
		return Signature{}, &UnknownSignerError{Account: account}
	}
	digest, err := data.SigningHash()
	if err != nil {
		return Signature{}, fmt.Errorf("hashing typed data: %w", err)
	}
	return sign(k.priv, digest)
}
