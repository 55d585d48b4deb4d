package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/dmitrijs2005/tabrelay/internal/common"
)

// DeriveSealKey stretches a passphrase into a 32-byte AES key with Argon2id.
func DeriveSealKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, 32)
}

// SealedKey is the at-rest form of the identity's private key: PKCS#8 DER
// encrypted with AES-GCM under a passphrase-derived key.
type SealedKey struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// SealPrivateKey encrypts priv under the given passphrase. A fresh salt and
// nonce are generated on every call.
func SealPrivateKey(priv *rsa.PrivateKey, passphrase []byte) (*SealedKey, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}

	salt := common.GenerateRandByteArray(16)
	key := DeriveSealKey(passphrase, salt)
	defer common.WipeByteArray(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := common.GenerateRandByteArray(aesgcm.NonceSize())
	ciphertext := aesgcm.Seal(nil, nonce, der, nil)

	return &SealedKey{Salt: salt, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// OpenPrivateKey reverses SealPrivateKey. A wrong passphrase surfaces as
// common.ErrorKeystoreSeal.
func OpenPrivateKey(sealed *SealedKey, passphrase []byte) (*rsa.PrivateKey, error) {
	key := DeriveSealKey(passphrase, sealed.Salt)
	defer common.WipeByteArray(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	der, err := aesgcm.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, common.ErrorKeystoreSeal
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}

	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", parsed)
	}
	return priv, nil
}
