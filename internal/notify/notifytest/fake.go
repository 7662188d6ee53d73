// Package notifytest provides a recording push dispatcher for tests.
package notifytest

import (
	"context"
	"sync"

	"plantcare/internal/notify"
)

// FakeDispatcher records sends and returns the error configured per token.
type FakeDispatcher struct {
	mu     sync.Mutex
	Errors map[string]error
	Sent   []Send
}

type Send struct {
	Token string
	Msg   notify.Message
}

func (f *FakeDispatcher) Send(ctx context.Context, token string, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, Send{Token: token, Msg: msg})
	if f.Errors == nil {
		return nil
	}
	return f.Errors[token]
}

func (f *FakeDispatcher) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}

// Tokens lists the tokens sent to, in order.
func (f *FakeDispatcher) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Sent))
	for _, s := range f.Sent {
		out = append(out, s.Token)
	}
	return out
}
