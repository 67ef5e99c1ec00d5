package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
)

// MaxContentLength is the largest content GCM can protect under one key and
// IV: the 32-bit block counter covers 2^32-2 blocks.
const MaxContentLength = (1<<32 - 2) * aes.BlockSize

// gcmStream is AES-256-GCM split into incremental steps: counter-mode
// keystream plus a running GHASH over the ciphertext. The output is
// byte-identical to cipher.AEAD.Seal with no additional data, minus the
// appended tag.
type gcmStream struct {
	ctr     cipher.Stream
	auth    *ghash
	tagMask []byte
	final   bool

	processed uint64
	limit     uint64
}

func newGCMStream(key PlainFileKey) (*gcmStream, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: %w: %w", apperr.ErrCryptoInternal, err)
	}

	subkey := make([]byte, aes.BlockSize)
	block.Encrypt(subkey, subkey)

	// J0 = IV || 0^31 || 1; content counters start at J0+1.
	counter := make([]byte, aes.BlockSize)
	copy(counter, key.IV)
	counter[aes.BlockSize-1] = 1

	tagMask := make([]byte, aes.BlockSize)
	block.Encrypt(tagMask, counter)

	counter[aes.BlockSize-1] = 2

	return &gcmStream{
		ctr:     cipher.NewCTR(block, counter),
		auth:    newGHASH(subkey),
		tagMask: tagMask,
		limit:   MaxContentLength,
	}, nil
}

// reserve accounts for n more bytes and fails once the stream would pass
// the counter range.
func (s *gcmStream) reserve(n int) error {
	if s.processed+uint64(n) > s.limit {
		return fmt.Errorf("cryptox: %w: content exceeds %d bytes", apperr.ErrCryptoInternal, s.limit)
	}

	s.processed += uint64(n)

	return nil
}

func (s *gcmStream) tag() []byte {
	s.final = true
	sum := s.auth.sum()
	subtle.XORBytes(sum, sum, s.tagMask)

	return sum
}

// FileEncryptionCipher encrypts a file's content incrementally. The
// authentication tag is produced once, by DoFinal.
type FileEncryptionCipher struct {
	s *gcmStream
}

// NewFileEncryptionCipher starts encrypting with key. Key.Tag is ignored.
func NewFileEncryptionCipher(key PlainFileKey) (*FileEncryptionCipher, error) {
	s, err := newGCMStream(key)
	if err != nil {
		return nil, err
	}

	return &FileEncryptionCipher{s: s}, nil
}

// ProcessBytes encrypts p and returns the ciphertext of the same length.
func (c *FileEncryptionCipher) ProcessBytes(p []byte) ([]byte, error) {
	if c.s.final {
		return nil, apperr.IllegalState("cryptox: encryption already finalized")
	}

	if err := c.s.reserve(len(p)); err != nil {
		return nil, err
	}

	out := make([]byte, len(p))
	c.s.ctr.XORKeyStream(out, p)
	c.s.auth.write(out)

	return out, nil
}

// DoFinal finishes the stream and returns the authentication tag.
func (c *FileEncryptionCipher) DoFinal() ([]byte, error) {
	if c.s.final {
		return nil, apperr.IllegalState("cryptox: encryption already finalized")
	}

	return c.s.tag(), nil
}

// FileDecryptionCipher decrypts a file's content incrementally and checks
// the tag once, in DoFinal.
type FileDecryptionCipher struct {
	s *gcmStream
}

// NewFileDecryptionCipher starts decrypting with key. The tag is passed to
// DoFinal rather than read from key so that callers can hold it elsewhere.
func NewFileDecryptionCipher(key PlainFileKey) (*FileDecryptionCipher, error) {
	s, err := newGCMStream(key)
	if err != nil {
		return nil, err
	}

	return &FileDecryptionCipher{s: s}, nil
}

// ProcessBytes decrypts p. The plaintext is unauthenticated until DoFinal
// returns nil.
func (c *FileDecryptionCipher) ProcessBytes(p []byte) ([]byte, error) {
	if c.s.final {
		return nil, apperr.IllegalState("cryptox: decryption already finalized")
	}

	if err := c.s.reserve(len(p)); err != nil {
		return nil, err
	}

	c.s.auth.write(p)
	out := make([]byte, len(p))
	c.s.ctr.XORKeyStream(out, p)

	return out, nil
}

// DoFinal verifies tag against everything processed. A mismatch fails with
// ErrBadFile.
func (c *FileDecryptionCipher) DoFinal(tag []byte) error {
	if c.s.final {
		return apperr.IllegalState("cryptox: decryption already finalized")
	}

	if len(tag) != TagSize {
		c.s.final = true
		return fmt.Errorf("cryptox: tag has %d bytes: %w", len(tag), apperr.ErrBadFile)
	}

	if subtle.ConstantTimeCompare(c.s.tag(), tag) != 1 {
		return fmt.Errorf("cryptox: verifying tag: %w", apperr.ErrBadFile)
	}

	return nil
}
