package crypto

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashFactory_New(t *testing.T) {
	factory := NewHashFactory(Sha256)
	require.NotNil(t, factory.New())

	h := NewHashFactory(Keccak256).New()
	h.Write([]byte{})

	// Well-known Keccak-256 digest of the empty input.
	require.Equal(t,
		"c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		hex.EncodeToString(h.Sum(nil)))

	require.Panics(t, func() {
		NewHashFactory(HashAlgorithm(99)).New()
	})
}

func TestSignerFunc_Sign(t *testing.T) {
	signer := SignerFunc(func(ctx context.Context, msg []byte) ([]byte, error) {
		return append([]byte{0xaa}, msg...), nil
	})

	sig, err := signer.Sign(context.Background(), []byte{1, 2})
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 1, 2}, sig)
}
