// Package cryptobox decrypts uploaded transcripts.
//
// An upload is an 8-byte header holding two big-endian uint32 lengths (the
// wrapped key and the IV), the AES-256 key wrapped with RSA-OAEP(SHA-1)
// under the user's public key, the IV, and the AES-256-CBC ciphertext with
// PKCS#7 padding.
package cryptobox

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"

	"gwi.com/chat-insights/internal/logger"
	"gwi.com/chat-insights/internal/storage"
	"gwi.com/chat-insights/internal/store"
)

const (
	keyBits    = 2048
	aesKeySize = 32
	headerSize = 8
)

var (
	ErrNoPrivateKey = errors.New("no private key for user")
	ErrMalformed    = errors.New("malformed encrypted upload")
)

// Seal encrypts plaintext for the holder of publicKeyPEM in the upload format.
func Seal(publicKeyPEM string, plaintext []byte) ([]byte, error) {
	pub, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	key := make([]byte, aesKeySize)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	wrapped, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pad(plaintext)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(padded, padded)

	out := make([]byte, headerSize, headerSize+len(wrapped)+len(iv)+len(padded))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(wrapped)))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(iv)))
	out = append(out, wrapped...)
	out = append(out, iv...)
	return append(out, padded...), nil
}

// Open reverses Seal.
func Open(priv *rsa.PrivateKey, sealed []byte) ([]byte, error) {
	if len(sealed) < headerSize {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	keyLen := int(binary.BigEndian.Uint32(sealed[0:4]))
	ivLen := int(binary.BigEndian.Uint32(sealed[4:8]))
	body := sealed[headerSize:]
	if keyLen <= 0 || ivLen != aes.BlockSize || keyLen+ivLen > len(body) {
		return nil, fmt.Errorf("%w: bad lengths %d/%d", ErrMalformed, keyLen, ivLen)
	}
	wrapped, iv, data := body[:keyLen], body[keyLen:keyLen+ivLen], body[keyLen+ivLen:]

	key, err := rsa.DecryptOAEP(sha1.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key: %w", err)
	}
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrMalformed, len(key))
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not block aligned", ErrMalformed)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)
	return unpad(plain)
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
		}
	}
	return b[:len(b)-n], nil
}

func parsePrivateKey(pemKey string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("private key is not PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return priv, nil
}

func parsePublicKey(pemKey string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("public key is not PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return pub, nil
}

type KeyRepository interface {
	GetPrivateKey(ctx context.Context, userID string) (string, error)
	WithTx(ctx context.Context, fn func(tx *store.Tx) error) error
}

type Decryptor struct {
	keys  KeyRepository
	blobs storage.BlobStore
	log   *logger.Logger
}

func NewDecryptor(keys KeyRepository, blobs storage.BlobStore, log *logger.Logger) *Decryptor {
	return &Decryptor{keys: keys, blobs: blobs, log: log.With("component", "cryptobox")}
}

// Decrypt writes the plaintext of the user's upload next to it.
func (d *Decryptor) Decrypt(ctx context.Context, userID, fileAnalysisID string) error {
	pemKey, err := d.keys.GetPrivateKey(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w %s", ErrNoPrivateKey, userID)
	}
	if err != nil {
		return err
	}
	priv, err := parsePrivateKey(pemKey)
	if err != nil {
		return err
	}

	sealed, err := d.blobs.Get(ctx, storage.EncryptedKey(userID, fileAnalysisID))
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}
	plain, err := Open(priv, sealed)
	if err != nil {
		return err
	}
	if err := d.blobs.Put(ctx, storage.DecryptedKey(userID, fileAnalysisID), plain); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	d.log.Debug("upload decrypted", "userId", userID, "fileAnalysisId", fileAnalysisID, "bytes", len(plain))
	return nil
}

// GenerateKeys creates a key pair for the user, stores the private half and
// publishes the public half on the user record. It returns the public key PEM.
func (d *Decryptor) GenerateKeys(ctx context.Context, userID string) (string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", err
	}
	privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	err = d.keys.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.EnsureUser(ctx, userID); err != nil {
			return err
		}
		if err := tx.PutPrivateKey(ctx, userID, privPEM); err != nil {
			return err
		}
		return tx.SetUserPublicKey(ctx, userID, pubPEM)
	})
	if err != nil {
		return "", err
	}
	d.log.Info("generated key pair", "userId", userID)
	return pubPEM, nil
}
