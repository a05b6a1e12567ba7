// Package channeltest provides an in-memory channel.Publisher for tests.
package channeltest

import (
	"context"
	"sync"

	"github.com/k1networth/dispatch-relay/internal/channel"
)

type Recorder struct {
	mu       sync.Mutex
	messages []channel.Message
	err      error
	closed   bool
}

// FailWith makes every following Publish return err. Nil restores success.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Publish(ctx context.Context, msg channel.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Messages() []channel.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channel.Message(nil), r.messages...)
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
