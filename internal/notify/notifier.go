package notify

import (
	"context"
	"errors"
)

// Pusher delivers a short title/body notification to a push channel.
type Pusher interface {
	Send(ctx context.Context, title, body string) error
}

// MultiPusher fans a notification out to several pushers.
type MultiPusher struct {
	pushers []Pusher
}

func NewMultiPusher(pushers ...Pusher) *MultiPusher {
	return &MultiPusher{pushers: pushers}
}

// Send tries every pusher and joins their errors.
func (m *MultiPusher) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, p := range m.pushers {
		if err := p.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports how many pushers are configured.
func (m *MultiPusher) Len() int { return len(m.pushers) }
