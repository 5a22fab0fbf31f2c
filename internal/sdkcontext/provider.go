package sdkcontext

import (
	"context"
	"log/slog"
	"sync"
)

// Provider runs every read and mutation of the Context in submission
// order on one goroutine. Async and Update never block the caller; the
// inbox grows as needed.
type Provider struct {
	logger *slog.Logger

	mu     sync.Mutex
	inbox  []func(*Context)
	closed bool
	wake   chan struct{}
	done   chan struct{}

	ctx Context
}

func NewProvider(initial Context, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    initial,
	}
	go p.loop()
	return p
}

// Async schedules fn with a copy of the current context. It reports false
// once the provider is closed.
func (p *Provider) Async(fn func(Context)) bool {
	return p.submit(func(c *Context) { fn(*c) })
}

// Update schedules a mutation of the context.
func (p *Provider) Update(fn func(*Context)) bool {
	return p.submit(fn)
}

// Current waits for everything scheduled so far and returns the context
// as it is after those tasks.
func (p *Provider) Current(ctx context.Context) (Context, error) {
	result := make(chan Context, 1)
	if !p.Async(func(c Context) { result <- c }) {
		return Context{}, ErrProviderClosed
	}
	select {
	case c := <-result:
		return c, nil
	case <-ctx.Done():
		return Context{}, ctx.Err()
	}
}

// Flush blocks until every task scheduled before the call has run.
func (p *Provider) Flush(ctx context.Context) error {
	_, err := p.Current(ctx)
	return err
}

// Close stops accepting tasks, runs the backlog and waits for the
// goroutine to exit.
func (p *Provider) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.signal()
	}
	p.mu.Unlock()
	<-p.done
}

func (p *Provider) submit(fn func(*Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.inbox = append(p.inbox, fn)
	p.signal()
	return true
}

func (p *Provider) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Provider) loop() {
	defer close(p.done)
	for range p.wake {
		p.mu.Lock()
		batch := p.inbox
		p.inbox = nil
		closed := p.closed
		p.mu.Unlock()

		for _, fn := range batch {
			p.run(fn)
		}
		if closed {
			return
		}
	}
}

func (p *Provider) run(fn func(*Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("context task panicked", "panic", r)
		}
	}()
	fn(&p.ctx)
}
