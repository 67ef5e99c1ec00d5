package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
	"github.com/tonimelisma/dracoon-go/internal/config"
)

// burstMultiplier sizes the token bucket relative to the per-second rate.
const burstMultiplier = 2

// BandwidthLimiter throttles chunk dispatch. One limiter may be shared by
// several transfers to bound their aggregate rate. A nil limiter is
// unlimited.
type BandwidthLimiter struct {
	limiter *rate.Limiter
}

// NewBandwidthLimiter creates a limiter from a rate such as "5MB/s".
// Returns nil for "0" or an empty string.
func NewBandwidthLimiter(bandwidthLimit string, logger *slog.Logger) (*BandwidthLimiter, error) {
	bytesPerSec, err := ParseBandwidthRate(bandwidthLimit)
	if err != nil {
		return nil, fmt.Errorf("transfer: bandwidth limit %q: %w", bandwidthLimit, err)
	}

	if bytesPerSec == 0 {
		return nil, nil //nolint:nilnil // nil limiter means unlimited
	}

	if logger == nil {
		logger = slog.Default()
	}

	burst := int(bytesPerSec) * burstMultiplier

	logger.Info("bandwidth limiter created",
		slog.Int64("bytes_per_sec", bytesPerSec),
		slog.Int("burst", burst),
	)

	return &BandwidthLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}, nil
}

// ParseBandwidthRate parses "5MB/s", "100KiB/s" or "0" into bytes per
// second. The "/s" suffix is optional.
func ParseBandwidthRate(s string) (int64, error) {
	return config.ParseRate(s)
}

// wait blocks until n bytes may be sent. Cancellation while waiting is
// reported as apperr.ErrCanceled.
func (bl *BandwidthLimiter) wait(ctx context.Context, n int) error {
	if bl == nil {
		return nil
	}

	burst := bl.limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := bl.limiter.WaitN(ctx, take); err != nil {
			if ctx.Err() != nil {
				return apperr.Canceled(context.Cause(ctx))
			}

			return fmt.Errorf("transfer: bandwidth wait: %w", err)
		}

		n -= take
	}

	return nil
}
