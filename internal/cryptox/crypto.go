// Package cryptox gathers the cryptographic primitives the protocol is
// built from: AES-256-GCM for symmetric sealing, RSA-2048 (OAEP + PSS)
// for the asymmetric operations, argon2id as the password KDF and SHA-256
// as the digest.
package cryptox

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/iplchat/iplchat/internal/common"
	"golang.org/x/crypto/argon2"
)

// KeySize is the symmetric key length in bytes (AES-256).
const KeySize = 32

// RSABits is the modulus size used for session and signing key pairs.
const RSABits = 2048

// DeriveKey stretches a password into a KeySize symmetric key using
// argon2id. The same (password, salt) pair always yields the same key.
func DeriveKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, KeySize)
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// SaltedHash returns H(data ‖ salt). Used for password verifiers at rest.
func SaltedHash(data, salt []byte) []byte {
	buf := make([]byte, 0, len(data)+len(salt))
	buf = append(buf, data...)
	buf = append(buf, salt...)
	return Hash(buf)
}

// GenerateKey returns a fresh random symmetric key.
func GenerateKey() []byte {
	return common.GenerateRandByteArray(KeySize)
}

// Encrypt seals plaintext with AES-256-GCM under key. A fresh random
// nonce is generated per call and prepended to the returned ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := common.GenerateRandByteArray(aesgcm.NonceSize())
	return aesgcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Authentication failure is
// reported as common.ErrDecryptFailed.
func Decrypt(key, blob []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aesgcm.NonceSize() {
		return nil, common.ErrDecryptFailed
	}
	nonce, ciphertext := blob[:aesgcm.NonceSize()], blob[aesgcm.NonceSize():]
	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, common.ErrDecryptFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// GenerateKeyPair creates a fresh RSA key pair for a session or client.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSABits)
}

// MarshalPublicKey encodes pub in PKIX DER form for the wire.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

// ParsePublicKey decodes a PKIX DER public key received off the wire.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: not an RSA key")
	}
	return pub, nil
}

// EncryptAsym encrypts msg to pub with RSA-OAEP over SHA-256.
func EncryptAsym(pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, msg, nil)
}

// DecryptAsym decrypts an RSA-OAEP ciphertext with priv.
func DecryptAsym(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	msg, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, common.ErrDecryptFailed
	}
	return msg, nil
}

// Sign produces an RSA-PSS signature over a SHA-256 digest. The caller
// passes the digest, not the message.
func Sign(priv *rsa.PrivateKey, digest []byte) ([]byte, error) {
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest, nil)
}

// Verify checks an RSA-PSS signature over digest. A failed check is
// reported as common.ErrBadSignature.
func Verify(pub *rsa.PublicKey, digest, sig []byte) error {
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest, sig, nil); err != nil {
		return common.ErrBadSignature
	}
	return nil
}
