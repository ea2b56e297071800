package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrThrottled is returned when a notification was dropped by the limiter.
var ErrThrottled = errors.New("notification throttled")

// RateLimited drops notifications beyond perMinute with a small burst so
// a task failing every second cannot flood the receiver.
type RateLimited struct {
	next    Notifier
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewRateLimited(next Notifier, perMinute int, logger *slog.Logger) *RateLimited {
	if perMinute <= 0 {
		perMinute = 10
	}
	burst := perMinute / 2
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		logger:  logger,
	}
}

func (r *RateLimited) Send(ctx context.Context, title, body string) error {
	if !r.limiter.Allow() {
		r.logger.Debug("notification dropped by rate limit", "title", title)
		return ErrThrottled
	}
	return r.next.Send(ctx, title, body)
}
