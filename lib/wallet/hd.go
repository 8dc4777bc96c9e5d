package wallet

import (
	"encoding/hex"
	"errors"

	"github.com/tarancss/hd"
	"github.com/tyler-smith/go-bip39"
)

var ErrMnemonic = errors.New("invalid mnemonic")

// NewMnemonic generates a fresh 24-word BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) //nolint:gomnd // 24 words
	if err != nil {
		return "", err
	}

	return bip39.NewMnemonic(entropy)
}

// Seed derives the binary wallet seed from a mnemonic and an optional
// passphrase.
func Seed(mnemonic, passphrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrMnemonic
	}

	return bip39.NewSeed(mnemonic, passphrase), nil
}

// Keychain derives per-address private keys from a wallet seed. Keys are
// derived on demand and never stored.
type Keychain struct {
	hdw *hd.HdWallet
}

// NewKeychain initialises HD derivation over the given seed.
func NewKeychain(seed []byte) (*Keychain, error) {
	hdw, err := hd.Init(seed)
	if err != nil {
		return nil, err
	}

	return &Keychain{hdw: hdw}, nil
}

// Address returns the external address and private key at the given wallet
// and index. The address is hex encoded; chain adapters render their own
// encoding from the key.
func (k *Keychain) Address(wallet, index uint32) (string, []byte, error) {
	addr, key, _, err := k.hdw.Address(wallet, hd.External, index)

	return hex.EncodeToString(addr), key, err
}

// ChangeAddress returns the internal-chain address and key at the given
// wallet and index.
func (k *Keychain) ChangeAddress(wallet, index uint32) (string, []byte, error) {
	addr, key, _, err := k.hdw.Address(wallet, hd.Change, index)

	return hex.EncodeToString(addr), key, err
}
