package keys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Provider generates Reality key material. The public key is always derived
// from the private key on the X25519 curve, so a pair produced here can
// never mismatch.
type Provider struct{}

// GenerateKeyPair returns a fresh X25519 key pair, both halves encoded as
// unpadded base64url the way sing-box expects Reality keys.
func (Provider) GenerateKeyPair() (privateKey, publicKey string, err error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return "", "", fmt.Errorf("read random scalar: %w", err)
	}
	// RFC 7748 clamping.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("derive public key: %w", err)
	}

	enc := base64.RawURLEncoding
	return enc.EncodeToString(priv), enc.EncodeToString(pub), nil
}

// GenerateShortIDs returns n Reality short IDs, each 4 random bytes in hex.
func (Provider) GenerateShortIDs(n int) ([]string, error) {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		b := make([]byte, 4)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("read random short id: %w", err)
		}
		ids = append(ids, hex.EncodeToString(b))
	}
	return ids, nil
}
