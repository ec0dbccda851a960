// Package inflight counts requests that must finish before the server stops.
package inflight

import (
	"context"
	"net/http"
	"sync"
)

// Counter tracks in-flight requests. The zero value is ready to use.
type Counter struct {
	mu   sync.Mutex
	n    int64
	idle chan struct{} // closed while n == 0; nil until first needed
}

// Inc records the start of a request.
func (c *Counter) Inc() {
	c.mu.Lock()
	if c.n == 0 {
		c.idle = make(chan struct{})
	}
	c.n++
	c.mu.Unlock()
}

// Dec records the end of a request. Extra calls are ignored.
func (c *Counter) Dec() {
	c.mu.Lock()
	if c.n > 0 {
		c.n--
		if c.n == 0 && c.idle != nil {
			close(c.idle)
		}
	}
	c.mu.Unlock()
}

// Load returns the current count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// WaitForZero blocks until no request is in flight or ctx is done. It
// reports whether the counter reached zero.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	if c.n == 0 {
		c.mu.Unlock()
		return true
	}
	ch := c.idle
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Middleware counts each request for the duration of the wrapped handler.
func (c *Counter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Inc()
		defer c.Dec()
		next.ServeHTTP(w, r)
	})
}
