package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"guildwatch/internal/transport"

	"golang.org/x/time/rate"
)

// ErrDelivery wraps every failed notification send.
var ErrDelivery = errors.New("notification delivery failed")

// Sender delivers notification embeds under a shared rate limit. Failures
// are returned once; there is no retry.
type Sender struct {
	out transport.EmbedSender

	mu      sync.Mutex
	limiter *rate.Limiter
	timeout time.Duration
}

func NewSender(out transport.EmbedSender, ratePerSec float64, timeout time.Duration) *Sender {
	s := &Sender{out: out}
	s.Apply(ratePerSec, timeout)
	return s
}

// Apply updates the rate limit and per-send timeout. ratePerSec <= 0 disables limiting.
func (s *Sender) Apply(ratePerSec float64, timeout time.Duration) {
	var lim *rate.Limiter
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	s.mu.Lock()
	s.limiter = lim
	s.timeout = timeout
	s.mu.Unlock()
}

func (s *Sender) Send(ctx context.Context, channelID string, e transport.Embed) error {
	s.mu.Lock()
	lim, timeout := s.limiter, s.timeout
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("%w to %s: %w", ErrDelivery, channelID, err)
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.out.SendEmbed(ctx, channelID, e); err != nil {
		return fmt.Errorf("%w to %s: %w", ErrDelivery, channelID, err)
	}
	return nil
}
