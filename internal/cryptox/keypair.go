package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strconv"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
)

// PEM block types and headers of the key containers.
const (
	pemPublicKey        = "PUBLIC KEY"
	pemProtectedKey     = "PROTECTED PRIVATE KEY"
	headerKDF           = "KDF"
	headerIterations    = "Iterations"
	headerSalt          = "Salt"
	headerNonce         = "Nonce"
	kdfPBKDF2SHA256     = "PBKDF2-SHA256"
	saltSize            = 16
	protectionKeySize   = 32
	minPBKDF2Iterations = 1000
	maxPBKDF2Iterations = 10_000_000
)

// pbkdf2Iterations is the work factor for newly protected private keys.
// Tests lower it.
var pbkdf2Iterations = 100_000

// UserPublicKey is the public half of a user key pair as exchanged with the
// server. PublicKey is PEM ("PUBLIC KEY", PKIX DER).
type UserPublicKey struct {
	Version   KeyPairVersion `json:"version"`
	PublicKey string         `json:"publicKey"`
}

// UserPrivateKey is the password-protected private half of a key pair.
type UserPrivateKey struct {
	Version    KeyPairVersion `json:"version"`
	PrivateKey string         `json:"privateKey"`
}

// UserKeyPair is the key pair container stored by the account.
type UserKeyPair struct {
	Public  UserPublicKey  `json:"publicKeyContainer"`
	Private UserPrivateKey `json:"privateKeyContainer"`
}

// Version returns the pair's version (public and private halves agree for
// any pair produced by GenerateUserKeyPair).
func (kp UserKeyPair) Version() KeyPairVersion {
	return kp.Public.Version
}

// UnlockedKey is a private key decrypted with the user's password. It lives
// only in memory.
type UnlockedKey struct {
	Version KeyPairVersion
	key     *rsa.PrivateKey
}

// GenerateUserKeyPair creates a new RSA key pair of the given version and
// protects the private key with password.
func GenerateUserKeyPair(version KeyPairVersion, password []byte) (UserKeyPair, error) {
	bits, err := version.bits()
	if err != nil {
		return UserKeyPair{}, err
	}

	if len(password) == 0 {
		return UserKeyPair{}, fmt.Errorf("cryptox: empty password: %w", apperr.ErrInvalidPassword)
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return UserKeyPair{}, fmt.Errorf("cryptox: generating rsa key: %w: %w", apperr.ErrCryptoInternal, err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return UserKeyPair{}, fmt.Errorf("cryptox: encoding public key: %w: %w", apperr.ErrCryptoInternal, err)
	}

	protected, err := protectPrivateKey(priv, version, password)
	if err != nil {
		return UserKeyPair{}, err
	}

	return UserKeyPair{
		Public: UserPublicKey{
			Version:   version,
			PublicKey: string(pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: pubDER})),
		},
		Private: UserPrivateKey{
			Version:    version,
			PrivateKey: protected,
		},
	}, nil
}

// CheckUserKeyPair verifies that password unlocks the private key and that
// the private key belongs to the public key.
func CheckUserKeyPair(kp UserKeyPair, password []byte) error {
	if kp.Public.Version != kp.Private.Version {
		return fmt.Errorf("cryptox: key pair halves have versions %q and %q: %w",
			kp.Public.Version, kp.Private.Version, apperr.ErrInvalidKey)
	}

	unlocked, err := UnlockPrivateKey(kp.Private, password)
	if err != nil {
		return err
	}

	return unlocked.Matches(kp.Public)
}

// Matches reports whether u is the private half of pub.
func (u *UnlockedKey) Matches(pub UserPublicKey) error {
	if pub.Version != u.Version {
		return fmt.Errorf("cryptox: public key version %q, private key version %q: %w",
			pub.Version, u.Version, apperr.ErrInvalidKey)
	}

	key, err := parsePublicKey(pub)
	if err != nil {
		return err
	}

	if !u.key.PublicKey.Equal(key) {
		return fmt.Errorf("cryptox: private key does not match public key: %w", apperr.ErrInvalidKey)
	}

	return nil
}

// UnlockPrivateKey decrypts a protected private key. A wrong password fails
// with ErrInvalidPassword, a malformed container with ErrInvalidKey.
func UnlockPrivateKey(priv UserPrivateKey, password []byte) (*UnlockedKey, error) {
	if _, err := priv.Version.bits(); err != nil {
		return nil, err
	}

	block, _ := pem.Decode([]byte(priv.PrivateKey))
	if block == nil || block.Type != pemProtectedKey {
		return nil, fmt.Errorf("cryptox: private key is not a protected PEM block: %w", apperr.ErrInvalidKey)
	}

	if block.Headers[headerKDF] != kdfPBKDF2SHA256 {
		return nil, fmt.Errorf("cryptox: unsupported kdf %q: %w", block.Headers[headerKDF], apperr.ErrInvalidKey)
	}

	iterations, err := strconv.Atoi(block.Headers[headerIterations])
	if err != nil || iterations < minPBKDF2Iterations || iterations > maxPBKDF2Iterations {
		return nil, fmt.Errorf("cryptox: bad iteration count %q: %w", block.Headers[headerIterations], apperr.ErrInvalidKey)
	}

	salt, err := hex.DecodeString(block.Headers[headerSalt])
	if err != nil || len(salt) != saltSize {
		return nil, fmt.Errorf("cryptox: bad salt: %w", apperr.ErrInvalidKey)
	}

	nonce, err := hex.DecodeString(block.Headers[headerNonce])
	if err != nil {
		return nil, fmt.Errorf("cryptox: bad nonce: %w", apperr.ErrInvalidKey)
	}

	aead, err := protectionAEAD(password, salt, iterations)
	if err != nil {
		return nil, err
	}

	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("cryptox: bad nonce length %d: %w", len(nonce), apperr.ErrInvalidKey)
	}

	der, err := aead.Open(nil, nonce, block.Bytes, []byte(priv.Version))
	if err != nil {
		return nil, fmt.Errorf("cryptox: unlocking private key: %w", apperr.ErrInvalidPassword)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("cryptox: parsing private key: %w: %w", apperr.ErrInvalidKey, err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("cryptox: private key is %T, not RSA: %w", parsed, apperr.ErrInvalidKey)
	}

	if bits, _ := priv.Version.bits(); key.N.BitLen() != bits {
		return nil, fmt.Errorf("cryptox: %d-bit key labeled %q: %w", key.N.BitLen(), priv.Version, apperr.ErrInvalidKey)
	}

	return &UnlockedKey{Version: priv.Version, key: key}, nil
}

func protectPrivateKey(priv *rsa.PrivateKey, version KeyPairVersion, password []byte) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("cryptox: encoding private key: %w: %w", apperr.ErrCryptoInternal, err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cryptox: reading salt: %w: %w", apperr.ErrCryptoInternal, err)
	}

	aead, err := protectionAEAD(password, salt, pbkdf2Iterations)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cryptox: reading nonce: %w: %w", apperr.ErrCryptoInternal, err)
	}

	block := &pem.Block{
		Type: pemProtectedKey,
		Headers: map[string]string{
			headerKDF:        kdfPBKDF2SHA256,
			headerIterations: strconv.Itoa(pbkdf2Iterations),
			headerSalt:       hex.EncodeToString(salt),
			headerNonce:      hex.EncodeToString(nonce),
		},
		Bytes: aead.Seal(nil, nonce, der, []byte(version)),
	}

	return string(pem.EncodeToMemory(block)), nil
}

func protectionAEAD(password, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key(password, salt, iterations, protectionKeySize, sha256.New)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: %w: %w", apperr.ErrCryptoInternal, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: %w: %w", apperr.ErrCryptoInternal, err)
	}

	return aead, nil
}

func parsePublicKey(pub UserPublicKey) (*rsa.PublicKey, error) {
	bits, err := pub.Version.bits()
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode([]byte(pub.PublicKey))
	if block == nil || block.Type != pemPublicKey {
		return nil, fmt.Errorf("cryptox: public key is not a PEM block: %w", apperr.ErrInvalidKey)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptox: parsing public key: %w: %w", apperr.ErrInvalidKey, err)
	}

	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cryptox: public key is %T, not RSA: %w", parsed, apperr.ErrInvalidKey)
	}

	if key.N.BitLen() != bits {
		return nil, fmt.Errorf("cryptox: %d-bit key labeled %q: %w", key.N.BitLen(), pub.Version, apperr.ErrInvalidKey)
	}

	return key, nil
}
