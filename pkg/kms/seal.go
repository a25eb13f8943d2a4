package kms

import (
	"context"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts attachment bytes with a fresh XChaCha20-Poly1305 data
// key per file. The data key is wrapped by the KMS and stored beside the
// ciphertext; the file id is bound in as associated data on both layers.
type Sealer struct {
	wrapper keyWrapper
	cache   *DEKCache
}

func NewSealer(w keyWrapper, cache *DEKCache) *Sealer {
	return &Sealer{wrapper: w, cache: cache}
}
func (s *Sealer) Seal(ctx context.Context, plaintext []byte, fileID string) (ciphertext, wrappedDEK []byte, err error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate dek")
	}
	defer wipeBytes(dek)
	ciphertext, err = aeadSeal(plaintext, dek, []byte(fileID))
	if err != nil {
		return nil, nil, errors.Wrap(err, "seal")
	}
	wrappedDEK, err = s.wrapper.EncryptWithContext(ctx, dek, fileContext(fileID))
	if err != nil {
		return nil, nil, errors.Wrap(err, "wrap dek")
	}
	return ciphertext, wrappedDEK, nil
}
func (s *Sealer) Open(ctx context.Context, ciphertext, wrappedDEK []byte, fileID string) ([]byte, error) {
	var (
		dek []byte
		err error
	)
	if s.cache != nil {
		dek, err = s.cache.Unwrap(ctx, wrappedDEK, fileContext(fileID))
	} else {
		dek, err = s.wrapper.DecryptWithContext(ctx, wrappedDEK, fileContext(fileID))
	}
	if err != nil {
		return nil, errors.Wrap(err, "unwrap dek")
	}
	defer wipeBytes(dek)
	plaintext, err := aeadOpen(ciphertext, dek, []byte(fileID))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
func fileContext(fileID string) EncryptionContext {
	return EncryptionContext{"file_id": fileID}
}
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}
func aeadSeal(plaintext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}
func aeadOpen(ciphertext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return aead.Open(nil, nonce, ciphertext, aad)
}
