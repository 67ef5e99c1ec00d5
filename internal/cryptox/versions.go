// Package cryptox implements the client-side encryption primitives: user
// key pairs with password-protected private keys, per-file symmetric keys
// wrapped for each recipient, and streaming AES-256-GCM content ciphers.
//
// Content encryption is envelope encryption. Every file has its own random
// PlainFileKey; each user with access holds an EncryptedFileKey produced by
// wrapping that key with the user's RSA public key.
package cryptox

import (
	"fmt"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
)

// KeyPairVersion identifies the asymmetric algorithm of a user key pair.
type KeyPairVersion string

// Supported key pair versions.
const (
	KeyPairRSA2048 KeyPairVersion = "A"
	KeyPairRSA4096 KeyPairVersion = "RSA-4096"
)

// FileKeyVersion identifies how an EncryptedFileKey was wrapped.
type FileKeyVersion string

// Supported encrypted file key versions. Each maps 1:1 onto a KeyPairVersion.
const (
	FileKeyRSA2048AES256GCM FileKeyVersion = "A"
	FileKeyRSA4096AES256GCM FileKeyVersion = "RSA-4096/AES-256GCM"
)

// PlainFileKeyVersion is the only symmetric content cipher.
const PlainFileKeyVersion = "AES-256GCM"

// KeyPairVersions lists the supported key pair versions, strongest first.
var KeyPairVersions = []KeyPairVersion{KeyPairRSA4096, KeyPairRSA2048}

// ParseKeyPairVersion validates s as a KeyPairVersion.
func ParseKeyPairVersion(s string) (KeyPairVersion, error) {
	v := KeyPairVersion(s)
	if _, err := v.bits(); err != nil {
		return "", err
	}

	return v, nil
}

func (v KeyPairVersion) bits() (int, error) {
	switch v {
	case KeyPairRSA2048:
		return 2048, nil
	case KeyPairRSA4096:
		return 4096, nil
	default:
		return 0, fmt.Errorf("cryptox: key pair version %q: %w", string(v), apperr.ErrUnknownKeyVersion)
	}
}

// FileKeyVersion returns the file key version produced when wrapping a
// file key with a public key of version v.
func (v KeyPairVersion) FileKeyVersion() (FileKeyVersion, error) {
	switch v {
	case KeyPairRSA2048:
		return FileKeyRSA2048AES256GCM, nil
	case KeyPairRSA4096:
		return FileKeyRSA4096AES256GCM, nil
	default:
		return "", fmt.Errorf("cryptox: key pair version %q: %w", string(v), apperr.ErrUnknownKeyVersion)
	}
}

// KeyPairVersion returns the key pair version able to unwrap keys of version v.
func (v FileKeyVersion) KeyPairVersion() (KeyPairVersion, error) {
	switch v {
	case FileKeyRSA2048AES256GCM:
		return KeyPairRSA2048, nil
	case FileKeyRSA4096AES256GCM:
		return KeyPairRSA4096, nil
	default:
		return "", fmt.Errorf("cryptox: file key version %q: %w", string(v), apperr.ErrUnknownKeyVersion)
	}
}
