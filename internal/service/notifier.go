package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// notifier tracks the stream position (the ordering of the newest stored
// event) and wakes waiters when it moves.
//
// Why close a channel instead of sync.Cond?
// A long-polling sync has to give up when its request context ends, and
// Cond.Wait cannot be selected on. Closing the channel wakes every waiter
// at once; each one then re-checks the position under mu, so a waiter
// that raced with advance never sleeps through an event.
type notifier struct {
	mu      sync.Mutex
	pos     int64
	changed chan struct{}
}

func newNotifier() *notifier {
	return &notifier{changed: make(chan struct{})}
}

func (n *notifier) current() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pos
}

// advance moves the position forward; it never goes back.
func (n *notifier) advance(pos int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if pos <= n.pos {
		return
	}
	n.pos = pos
	close(n.changed)
	n.changed = make(chan struct{})
}

// wait returns once the position is past since or ctx is done.
func (n *notifier) wait(ctx context.Context, since int64) {
	for {
		n.mu.Lock()
		if n.pos > since {
			n.mu.Unlock()
			return
		}
		ch := n.changed
		n.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
	}
}

// Stream tokens look like "s42".
func formatStreamToken(pos int64) string {
	return "s" + strconv.FormatInt(pos, 10)
}

func parseStreamToken(token string) (int64, error) {
	rest, ok := strings.CutPrefix(token, "s")
	if !ok {
		return 0, fmt.Errorf("malformed stream token %q", token)
	}
	pos, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || pos < 0 {
		return 0, fmt.Errorf("malformed stream token %q", token)
	}
	return pos, nil
}
