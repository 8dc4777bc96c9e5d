package wallet

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	secret := []byte("642ce4e20f09c9f4d285c2b336063eaa")

	blob, err := Encrypt("passphrase", secret)
	if err != nil {
		t.Fatalf("error encrypting: %v", err)
	}

	got, err := Decrypt("passphrase", blob)
	if err != nil {
		t.Fatalf("error decrypting: %v", err)
	}

	if !bytes.Equal(got, secret) {
		t.Errorf("round trip mismatch: %q", got)
	}

	if _, err = Decrypt("wrong", blob); err == nil {
		t.Error("wrong passphrase should not decrypt")
	}

	if _, err = Decrypt("passphrase", "not base64 at all!!"); err == nil {
		t.Error("garbage blob should not decrypt")
	}
}

func TestEncryptUnique(t *testing.T) {
	a, err := Encrypt("p", []byte("same"))
	if err != nil {
		t.Fatal(err)
	}

	b, err := Encrypt("p", []byte("same"))
	if err != nil {
		t.Fatal(err)
	}

	if a == b {
		t.Error("two encryptions of the same plaintext must differ")
	}
}

func TestMnemonicAndKeychain(t *testing.T) {
	mnemonic, err := NewMnemonic()
	if err != nil {
		t.Fatalf("error generating mnemonic: %v", err)
	}

	if len(strings.Fields(mnemonic)) != 24 {
		t.Fatalf("expected 24 words, got %q", mnemonic)
	}

	seed, err := Seed(mnemonic, "")
	if err != nil {
		t.Fatalf("error deriving seed: %v", err)
	}

	kc, err := NewKeychain(seed)
	if err != nil {
		t.Fatalf("error initialising keychain: %v", err)
	}

	addr0, key0, err := kc.Address(0, 0)
	if err != nil {
		t.Fatalf("error deriving address: %v", err)
	}

	addr1, key1, err := kc.Address(0, 1)
	if err != nil {
		t.Fatalf("error deriving address: %v", err)
	}

	if addr0 == addr1 || bytes.Equal(key0, key1) {
		t.Error("distinct indexes must derive distinct keys")
	}

	// 20 account bytes, hex encoded
	if raw, errHex := hex.DecodeString(addr0); errHex != nil || len(raw) != 20 {
		t.Errorf("address %q is not a hex-encoded 20-byte account", addr0)
	}

	// derivation must be deterministic
	again, keyAgain, err := kc.Address(0, 0)
	if err != nil {
		t.Fatal(err)
	}

	if again != addr0 || !bytes.Equal(keyAgain, key0) {
		t.Error("derivation is not deterministic")
	}

	if _, err = Seed("definitely not a mnemonic", ""); err == nil {
		t.Error("invalid mnemonic should be rejected")
	}
}
