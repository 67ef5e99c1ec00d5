package cryptox

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // OAEP label hash for version "A" keys
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
)

// Symmetric key material sizes for AES-256-GCM.
const (
	FileKeySize = 32
	FileIVSize  = 12
	TagSize     = 16
)

// PlainFileKey is the working content key of one file. Never persisted.
// Tag is empty until the content has been encrypted.
type PlainFileKey struct {
	Version string
	Key     []byte
	IV      []byte
	Tag     []byte
}

// EncryptedFileKey is a PlainFileKey wrapped for one user's public key.
// Binary fields travel as base64 in JSON.
type EncryptedFileKey struct {
	Version FileKeyVersion `json:"version"`
	Key     []byte         `json:"key"`
	IV      []byte         `json:"iv"`
	Tag     []byte         `json:"tag,omitempty"`
}

// GenerateFileKey returns a fresh random content key and IV.
func GenerateFileKey() (PlainFileKey, error) {
	key := make([]byte, FileKeySize)
	if _, err := rand.Read(key); err != nil {
		return PlainFileKey{}, fmt.Errorf("cryptox: reading file key: %w: %w", apperr.ErrCryptoInternal, err)
	}

	iv := make([]byte, FileIVSize)
	if _, err := rand.Read(iv); err != nil {
		return PlainFileKey{}, fmt.Errorf("cryptox: reading iv: %w: %w", apperr.ErrCryptoInternal, err)
	}

	return PlainFileKey{Version: PlainFileKeyVersion, Key: key, IV: iv}, nil
}

// Wipe zeroes the key material.
func (k *PlainFileKey) Wipe() {
	clear(k.Key)
}

func (k PlainFileKey) validate() error {
	if k.Version != PlainFileKeyVersion {
		return fmt.Errorf("cryptox: plain file key version %q: %w", k.Version, apperr.ErrUnknownKeyVersion)
	}

	if len(k.Key) != FileKeySize || len(k.IV) != FileIVSize {
		return fmt.Errorf("cryptox: file key has %d-byte key and %d-byte iv: %w",
			len(k.Key), len(k.IV), apperr.ErrInvalidKey)
	}

	if len(k.Tag) != 0 && len(k.Tag) != TagSize {
		return fmt.Errorf("cryptox: file key tag has %d bytes: %w", len(k.Tag), apperr.ErrInvalidKey)
	}

	return nil
}

// EncryptFileKey wraps plain for the holder of pub. The result's version
// follows the public key's version.
func EncryptFileKey(plain PlainFileKey, pub UserPublicKey) (EncryptedFileKey, error) {
	if err := plain.validate(); err != nil {
		return EncryptedFileKey{}, err
	}

	version, err := pub.Version.FileKeyVersion()
	if err != nil {
		return EncryptedFileKey{}, err
	}

	key, err := parsePublicKey(pub)
	if err != nil {
		return EncryptedFileKey{}, err
	}

	wrapped, err := rsa.EncryptOAEP(oaepHash(pub.Version), rand.Reader, key, plain.Key, nil)
	if err != nil {
		return EncryptedFileKey{}, fmt.Errorf("cryptox: wrapping file key: %w: %w", apperr.ErrCryptoInternal, err)
	}

	return EncryptedFileKey{
		Version: version,
		Key:     wrapped,
		IV:      append([]byte(nil), plain.IV...),
		Tag:     append([]byte(nil), plain.Tag...),
	}, nil
}

// DecryptFileKey unlocks priv with password and unwraps enc.
func DecryptFileKey(enc EncryptedFileKey, priv UserPrivateKey, password []byte) (PlainFileKey, error) {
	if err := checkVersions(enc.Version, priv.Version); err != nil {
		return PlainFileKey{}, err
	}

	unlocked, err := UnlockPrivateKey(priv, password)
	if err != nil {
		return PlainFileKey{}, err
	}

	return unlocked.DecryptFileKey(enc)
}

// DecryptFileKey unwraps enc with an already unlocked private key.
func (u *UnlockedKey) DecryptFileKey(enc EncryptedFileKey) (PlainFileKey, error) {
	if err := checkVersions(enc.Version, u.Version); err != nil {
		return PlainFileKey{}, err
	}

	if len(enc.IV) != FileIVSize {
		return PlainFileKey{}, fmt.Errorf("cryptox: encrypted file key has %d-byte iv: %w", len(enc.IV), apperr.ErrInvalidKey)
	}

	raw, err := rsa.DecryptOAEP(oaepHash(u.Version), nil, u.key, enc.Key, nil)
	if err != nil {
		return PlainFileKey{}, fmt.Errorf("cryptox: unwrapping file key: %w", apperr.ErrInvalidKey)
	}

	plain := PlainFileKey{
		Version: PlainFileKeyVersion,
		Key:     raw,
		IV:      append([]byte(nil), enc.IV...),
		Tag:     append([]byte(nil), enc.Tag...),
	}

	if err := plain.validate(); err != nil {
		return PlainFileKey{}, err
	}

	return plain, nil
}

// checkVersions rejects a file key that was not wrapped for a key pair of
// version kp. Unknown versions fail with ErrUnknownKeyVersion, mismatches
// with ErrInvalidKey.
func checkVersions(fk FileKeyVersion, kp KeyPairVersion) error {
	want, err := fk.KeyPairVersion()
	if err != nil {
		return err
	}

	if _, err := kp.bits(); err != nil {
		return err
	}

	if want != kp {
		return fmt.Errorf("cryptox: file key version %q needs key pair %q, got %q: %w",
			fk, want, kp, apperr.ErrInvalidKey)
	}

	return nil
}

func oaepHash(v KeyPairVersion) hash.Hash {
	if v == KeyPairRSA2048 {
		return sha1.New() //nolint:gosec // fixed by the version "A" wire format
	}

	return sha256.New()
}
