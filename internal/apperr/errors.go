// Package apperr defines the error taxonomy shared by every layer of the
// client: transport failures, API rejections, crypto failures, local file
// access and the two control-flow outcomes (canceled, illegal state).
//
// Callers classify with errors.Is against the sentinels below, or with
// KindOf when a single switchable value is more convenient.
package apperr

import (
	"errors"
	"fmt"
)

// Root sentinels. Every error produced by this module wraps exactly one of
// them so that errors.Is can classify it.
var (
	ErrNetwork      = errors.New("network error")
	ErrAPI          = errors.New("api error")
	ErrCrypto       = errors.New("crypto error")
	ErrFileIO       = errors.New("file i/o error")
	ErrCanceled     = errors.New("canceled")
	ErrIllegalState = errors.New("illegal state")
)

// Refinements of the root sentinels.
var (
	ErrNetworkInterrupted = fmt.Errorf("%w: interrupted", ErrNetwork)

	ErrInvalidPassword   = fmt.Errorf("%w: invalid password", ErrCrypto)
	ErrBadFile           = fmt.Errorf("%w: bad file (authentication tag mismatch)", ErrCrypto)
	ErrUnknownKeyVersion = fmt.Errorf("%w: unknown key version", ErrCrypto)
	ErrInvalidKey        = fmt.Errorf("%w: invalid key", ErrCrypto)
	ErrCryptoInternal    = fmt.Errorf("%w: internal", ErrCrypto)

	ErrFileNotFound = fmt.Errorf("%w: file not found", ErrFileIO)
)

// Kind is the single enum view of the taxonomy.
type Kind int

// Kind values. Order follows specificity: KindOf returns the most specific
// kind that matches.
const (
	KindUnknown Kind = iota
	KindNetwork
	KindNetworkInterrupted
	KindAPI
	KindCryptoInvalidPassword
	KindCryptoBadFile
	KindCryptoUnknownKeyVersion
	KindCryptoInvalidKey
	KindCryptoInternal
	KindFileIO
	KindFileNotFound
	KindCanceled
	KindIllegalState
)

var kindNames = map[Kind]string{
	KindUnknown:                 "unknown",
	KindNetwork:                 "network",
	KindNetworkInterrupted:      "network-interrupted",
	KindAPI:                     "api",
	KindCryptoInvalidPassword:   "crypto-invalid-password",
	KindCryptoBadFile:           "crypto-bad-file",
	KindCryptoUnknownKeyVersion: "crypto-unknown-key-version",
	KindCryptoInvalidKey:        "crypto-invalid-key",
	KindCryptoInternal:          "crypto-internal",
	KindFileIO:                  "file-io",
	KindFileNotFound:            "file-not-found",
	KindCanceled:                "canceled",
	KindIllegalState:            "illegal-state",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// kindOrder lists the sentinels from most to least specific.
var kindOrder = []struct {
	sentinel error
	kind     Kind
}{
	{ErrCanceled, KindCanceled},
	{ErrIllegalState, KindIllegalState},
	{ErrNetworkInterrupted, KindNetworkInterrupted},
	{ErrNetwork, KindNetwork},
	{ErrAPI, KindAPI},
	{ErrInvalidPassword, KindCryptoInvalidPassword},
	{ErrBadFile, KindCryptoBadFile},
	{ErrUnknownKeyVersion, KindCryptoUnknownKeyVersion},
	{ErrInvalidKey, KindCryptoInvalidKey},
	{ErrCryptoInternal, KindCryptoInternal},
	{ErrCrypto, KindCryptoInternal},
	{ErrFileNotFound, KindFileNotFound},
	{ErrFileIO, KindFileIO},
}

// KindOf classifies err. Returns KindUnknown for nil or foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for _, e := range kindOrder {
		if errors.Is(err, e.sentinel) {
			return e.kind
		}
	}

	return KindUnknown
}

// Canceled wraps cause so the result matches both ErrCanceled and cause.
// A nil cause yields ErrCanceled alone.
func Canceled(cause error) error {
	if cause == nil {
		return ErrCanceled
	}

	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

// IllegalState builds an ErrIllegalState with a formatted reason.
func IllegalState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalState, fmt.Sprintf(format, args...))
}
