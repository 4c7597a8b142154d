// Package delivery turns "deliver today's news to subscriber X" into a news
// fetch followed by a transport send.
package delivery

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"daynews/internal/news"
	"daynews/internal/schedule"
	"daynews/internal/transport"
	"daynews/pkg/logx"
)

// Port is what the scheduler engine consumes. Every failure matches
// schedule.ErrDeliveryUnavailable.
type Port interface {
	Deliver(ctx context.Context, subscriberID string) error
}

// Func adapts a plain function to Port.
type Func func(ctx context.Context, subscriberID string) error

func (f Func) Deliver(ctx context.Context, subscriberID string) error { return f(ctx, subscriberID) }

type Service struct {
	src    news.Source
	sender transport.PhotoSender
	log    logx.Logger

	mu      sync.RWMutex
	limiter *rate.Limiter
}

// New builds the delivery service. ratePerSec <= 0 disables pacing.
func New(src news.Source, sender transport.PhotoSender, ratePerSec int, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{src: src, sender: sender, log: log.With(logx.String("comp", "delivery"))}
	s.SetRate(ratePerSec)
	return s
}

// SetRate replaces the send pacing; used by config hot reload.
func (s *Service) SetRate(ratePerSec int) {
	var lim *rate.Limiter
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	s.mu.Lock()
	s.limiter = lim
	s.mu.Unlock()
}

func (s *Service) Deliver(ctx context.Context, subscriberID string) error {
	to, err := transport.ParseSubscriberID(subscriberID)
	if err != nil {
		return unavailable("resolve target", err)
	}
	img, err := s.src.Fetch(ctx)
	if err != nil {
		return unavailable("fetch", err)
	}

	s.mu.RLock()
	lim := s.limiter
	s.mu.RUnlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return unavailable("pace", err)
		}
	}

	ref, err := s.sender.SendPhoto(ctx, to, transport.Photo{URL: img.URL, Caption: img.Caption})
	if err != nil {
		return unavailable("send", err)
	}
	s.log.Debug("photo sent", logx.String("sub", subscriberID), logx.Int("msg_id", ref.MessageID))
	return nil
}

func unavailable(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", schedule.ErrDeliveryUnavailable, step, err)
}
