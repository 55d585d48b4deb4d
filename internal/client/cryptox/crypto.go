// Package cryptox implements the client-side cryptography: RSA-OAEP
// encryption of tab payloads for friends and the portable JWK form of
// public keys. The relay server only ever sees ciphertext.
package cryptox

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"sync"

	"github.com/dmitrijs2005/tabrelay/internal/protocol"
)

// keySize is the RSA modulus length in bits. OAEP with SHA-256 over a
// 4096-bit key leaves enough room for any realistic URL.
const keySize = 4096

// GenerateKeyPair creates a fresh RSA key pair for a new identity.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, keySize)
}

// ExportPublicKey converts an RSA public key into the portable JWK-style
// form exchanged through the relay.
func ExportPublicKey(pub *rsa.PublicKey) protocol.PublicKey {
	e := big.NewInt(int64(pub.E))
	return protocol.PublicKey{
		Kty:    "RSA",
		Alg:    "RSA-OAEP-256",
		N:      base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:      base64.RawURLEncoding.EncodeToString(e.Bytes()),
		Ext:    true,
		KeyOps: []string{"encrypt"},
	}
}

// ImportPublicKey parses the JWK-style form back into an RSA public key.
func ImportPublicKey(jwk protocol.PublicKey) (*rsa.PublicKey, error) {
	if jwk.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", jwk.Kty)
	}

	nb, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nb)
	e := new(big.Int).SetBytes(eb)
	if !e.IsInt64() || e.Int64() <= 1 {
		return nil, fmt.Errorf("bad exponent value")
	}

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// EncryptTab encrypts a URL for the holder of pub and returns the
// base64-encoded ciphertext carried on the wire.
func EncryptTab(pub *rsa.PublicKey, url string) (string, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(url), nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptTab reverses EncryptTab with the local private key.
func DecryptTab(priv *rsa.PrivateKey, encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("bad ciphertext encoding: %w", err)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// DecryptAll decrypts a batch of ciphertexts concurrently and returns the
// plaintexts in the same order. Entries that fail to decrypt come back as
// empty strings together with the first error observed.
func DecryptAll(priv *rsa.PrivateKey, encoded []string) ([]string, error) {
	out := make([]string, len(encoded))
	errs := make([]error, len(encoded))

	var wg sync.WaitGroup
	for i, c := range encoded {
		wg.Add(1)
		go func(i int, c string) {
			defer wg.Done()
			out[i], errs[i] = DecryptTab(priv, c)
		}(i, c)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
