// Package plugin defines the extension points the dispatcher consults on
// the hot path: request hooks that may short-circuit with a synthetic
// response, response hooks that observe or rewrite the worker's answer,
// and route mounters that claim paths ahead of app resolution.
//
// A plugin implements Plugin plus any subset of the capability interfaces;
// the Chain discovers capabilities with type assertions, so a logging-only
// plugin does not pay for hooks it never declared.
package plugin

import (
	"context"
	"fmt"

	"github.com/gorilla/mux"

	"github.com/foyerhq/foyer/internal/ipc"
)

// Plugin is the base interface every extension implements.
type Plugin interface {
	// Name identifies the plugin in logs and error messages.
	Name() string
}

// RequestHook runs before a request is handed to the worker pool. app is
// the resolved "name@version" key. A non-nil response short-circuits: the
// remaining request hooks, the pool, and the worker are all skipped, but
// response hooks still run.
type RequestHook interface {
	Plugin
	OnRequest(ctx context.Context, app string, req *ipc.Request) (*ipc.Response, error)
}

// ResponseHook runs after a response has been produced, by the worker or
// by a short-circuiting request hook. Hooks may rewrite resp in place.
type ResponseHook interface {
	Plugin
	OnResponse(ctx context.Context, app string, req *ipc.Request, resp *ipc.Response) error
}

// RouteMounter registers routes that are matched before the per-app
// catch-alls, letting a plugin own paths like /_assets/ outright.
type RouteMounter interface {
	Plugin
	MountRoutes(r *mux.Router)
}

// Chain holds an ordered plugin list and runs each capability in
// registration order. The zero value is a valid empty chain.
type Chain struct {
	plugins []Plugin
}

// NewChain builds a chain over plugins, kept in the given order.
func NewChain(plugins ...Plugin) *Chain {
	return &Chain{plugins: plugins}
}

// Len returns the number of registered plugins.
func (c *Chain) Len() int { return len(c.plugins) }

// OnRequest runs every RequestHook in order. The first hook returning a
// non-nil response stops the chain and that response is returned. A hook
// error aborts the request.
func (c *Chain) OnRequest(ctx context.Context, app string, req *ipc.Request) (*ipc.Response, error) {
	for _, p := range c.plugins {
		h, ok := p.(RequestHook)
		if !ok {
			continue
		}
		resp, err := h.OnRequest(ctx, app, req)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: on request: %w", p.Name(), err)
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

// OnResponse runs every ResponseHook in order over resp. A hook error
// aborts the request even though the worker already answered.
func (c *Chain) OnResponse(ctx context.Context, app string, req *ipc.Request, resp *ipc.Response) error {
	for _, p := range c.plugins {
		h, ok := p.(ResponseHook)
		if !ok {
			continue
		}
		if err := h.OnResponse(ctx, app, req, resp); err != nil {
			return fmt.Errorf("plugin %s: on response: %w", p.Name(), err)
		}
	}
	return nil
}

// Mount registers every RouteMounter's routes on r, in plugin order.
// Earlier plugins win route conflicts, matching mux's first-match rule.
func (c *Chain) Mount(r *mux.Router) {
	for _, p := range c.plugins {
		if m, ok := p.(RouteMounter); ok {
			m.MountRoutes(r)
		}
	}
}
