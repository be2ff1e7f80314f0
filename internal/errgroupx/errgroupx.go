// Package errgroupx wraps errgroup to thread one cancelable context through
// every goroutine in the group.
package errgroupx

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group is an errgroup whose goroutines all receive the group's context.
type Group struct {
	inner  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// WithContext creates a Group as a child of the given context.
func WithContext(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	return &Group{inner: g, ctx: ctx, cancel: cancel}
}

// Go launch the given function in the group.
func (g *Group) Go(f func(ctx context.Context) error) {
	g.inner.Go(func() error {
		return f(g.ctx)
	})
}

// Wait for all goroutines in the group to complete.
func (g *Group) Wait() error {
	return g.inner.Wait()
}

// Cancel the group's context.
func (g *Group) Cancel() {
	g.cancel()
}

// Close cancels the group's context and waits for all goroutines to complete.
func (g *Group) Close() error {
	g.cancel()
	return g.Wait()
}
