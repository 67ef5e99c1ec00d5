package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"foreign", errors.New("boom"), KindUnknown},
		{"network", fmt.Errorf("api: GET /x: %w", ErrNetwork), KindNetwork},
		{"interrupted", ErrNetworkInterrupted, KindNetworkInterrupted},
		{"api", NewAPIError(http.StatusNotFound, 0, "gone", ""), KindAPI},
		{"invalid password", ErrInvalidPassword, KindCryptoInvalidPassword},
		{"bad file", fmt.Errorf("transfer: final chunk: %w", ErrBadFile), KindCryptoBadFile},
		{"unknown version", ErrUnknownKeyVersion, KindCryptoUnknownKeyVersion},
		{"invalid key", ErrInvalidKey, KindCryptoInvalidKey},
		{"crypto internal", ErrCryptoInternal, KindCryptoInternal},
		{"file not found", ErrFileNotFound, KindFileNotFound},
		{"file io", ErrFileIO, KindFileIO},
		{"canceled", Canceled(context.Canceled), KindCanceled},
		{"illegal state", IllegalState("write after %s", "complete"), KindIllegalState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRefinementsWrapRoots(t *testing.T) {
	assert.ErrorIs(t, ErrNetworkInterrupted, ErrNetwork)
	assert.ErrorIs(t, ErrInvalidPassword, ErrCrypto)
	assert.ErrorIs(t, ErrBadFile, ErrCrypto)
	assert.ErrorIs(t, ErrUnknownKeyVersion, ErrCrypto)
	assert.ErrorIs(t, ErrInvalidKey, ErrCrypto)
	assert.ErrorIs(t, ErrFileNotFound, ErrFileIO)
	assert.NotErrorIs(t, ErrBadFile, ErrInvalidKey)
}

func TestCanceled_MatchesCause(t *testing.T) {
	err := Canceled(context.Canceled)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, ErrCanceled, Canceled(nil))
}

func TestAPIError_Classification(t *testing.T) {
	tests := []struct {
		status   int
		sentinel error
		code     APICode
	}{
		{http.StatusBadRequest, ErrBadRequest, CodeValidation},
		{http.StatusUnauthorized, ErrUnauthorized, CodeAuth},
		{http.StatusForbidden, ErrForbidden, CodeAuth},
		{http.StatusNotFound, ErrNotFound, CodeNotFound},
		{http.StatusConflict, ErrConflict, CodeConflict},
		{http.StatusPreconditionFailed, ErrPreconditionFailed, CodeValidation},
		{http.StatusInsufficientStorage, ErrQuotaExceeded, CodeQuota},
		{http.StatusTooManyRequests, ErrThrottled, CodeOther},
		{http.StatusBadGateway, ErrServerError, CodeServer},
		{http.StatusTeapot, ErrRejected, CodeOther},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := NewAPIError(tt.status, -10000, "msg", "")
			assert.ErrorIs(t, err, tt.sentinel)
			assert.ErrorIs(t, err, ErrAPI)
			assert.Equal(t, tt.code, err.Code())
		})
	}
}

func TestAPIError_ErrorString(t *testing.T) {
	t.Run("with request id", func(t *testing.T) {
		err := NewAPIError(http.StatusNotFound, 0, "node missing", "req-1")
		assert.Contains(t, err.Error(), "404")
		assert.Contains(t, err.Error(), "req-1")
		assert.Contains(t, err.Error(), "node missing")
	})

	t.Run("without request id", func(t *testing.T) {
		err := NewAPIError(http.StatusNotFound, 0, "node missing", "")
		assert.NotContains(t, err.Error(), "request-id")
	})
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "crypto-bad-file", KindCryptoBadFile.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
