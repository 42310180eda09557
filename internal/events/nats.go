package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

type natsSubscription interface {
	Unsubscribe() error
}

type natsConnection interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error)
	Close() error
}

// NATS publishes events on a NATS subject
type NATS struct {
	conn    natsConnection
	subject string
}

// NewNATS connects to url (empty means nats.DefaultURL)
func NewNATS(url, subject string) (*NATS, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("heal-orch"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: &natsConnAdapter{conn}, subject: subject}, nil
}

func (b *NATS) Publish(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Publish(b.subject, raw)
}

func (b *NATS) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	if b == nil || b.conn == nil {
		return nil, nil, fmt.Errorf("nats bus is nil")
	}

	out := make(chan Event, subscriberBuffer)
	var stopped atomic.Bool
	var mu sync.RWMutex
	var once sync.Once
	var sub natsSubscription
	done := make(chan struct{})

	unsubscribe := func() {
		once.Do(func() {
			stopped.Store(true)
			close(done)
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			mu.Lock()
			defer mu.Unlock()
			close(out)
		})
	}

	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		if stopped.Load() {
			return
		}
		e, err := Parse(msg.Data)
		if err != nil {
			return
		}
		mu.RLock()
		defer mu.RUnlock()
		if stopped.Load() {
			return
		}
		select {
		case out <- e:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-done:
		}
	}()
	return out, unsubscribe, nil
}

func (b *NATS) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

type natsConnAdapter struct {
	*nats.Conn
}

func (a *natsConnAdapter) Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error) {
	sub, err := a.Conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (a *natsConnAdapter) Close() error {
	a.Conn.Close()
	return nil
}
