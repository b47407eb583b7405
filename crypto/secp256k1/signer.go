package secp256k1

import (
	"context"
	"crypto/ecdsa"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"
)

// KeySigner is a signing capability backed by a private key held in memory.
// It is meant for development and tests; production deployments plug a wallet
// instead.
//
// - implements crypto.Signer
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner returns a signer for the private key.
func NewKeySigner(key *ecdsa.PrivateKey) KeySigner {
	return KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// GenerateKeySigner returns a signer with a fresh private key.
func GenerateKeySigner() (KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return KeySigner{}, xerrors.Errorf("failed to generate key: %v", err)
	}

	return NewKeySigner(key), nil
}

// LoadOrCreateKeySigner loads the hex-encoded private key stored in the file,
// or generates a new one and writes it if the file does not exist.
func LoadOrCreateKeySigner(path string) (KeySigner, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		signer, err := GenerateKeySigner()
		if err != nil {
			return signer, err
		}

		err = os.MkdirAll(filepath.Dir(path), 0700)
		if err != nil {
			return KeySigner{}, xerrors.Errorf("failed to create directory: %v", err)
		}

		err = crypto.SaveECDSA(path, signer.key)
		if err != nil {
			return KeySigner{}, xerrors.Errorf("while writing key: %v", err)
		}

		return signer, nil
	}

	return LoadKeySigner(path)
}

// LoadKeySigner loads the hex-encoded private key stored in the file.
func LoadKeySigner(path string) (KeySigner, error) {
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return KeySigner{}, xerrors.Errorf("failed to load key: %v", err)
	}

	return NewKeySigner(key), nil
}

// PrivateKey returns the private key of the signer.
func (s KeySigner) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

// Address returns the address of the key. It is known ahead of signing only
// because the key is local.
func (s KeySigner) Address() common.Address {
	return s.address
}

// Sign implements crypto.Signer. It signs the personal-message hash of the
// payload and returns a 65 bytes signature using the legacy 27/28 recovery
// identifier, like most wallets do.
func (s KeySigner) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	err := ctx.Err()
	if err != nil {
		return nil, xerrors.Errorf("signing aborted: %v", err)
	}

	sig, err := crypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return nil, xerrors.Errorf("failed to sign: %v", err)
	}

	sig[64] += legacyRecoveryOffset

	return sig, nil
}
