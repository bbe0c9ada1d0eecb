package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler serves one (resource, verb) route
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Handle calls f(ctx, req)
func (f HandlerFunc) Handle(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// Observer is told about every dispatched request
type Observer func(resource string, verb Verb, code Code)

type route struct {
	resource string
	verb     Verb
}

// Dispatcher routes requests to handlers by resource name and verb
type Dispatcher struct {
	mu       sync.RWMutex
	routes   map[route]Handler
	observer Observer
	logger   *slog.Logger
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		routes: make(map[route]Handler),
		logger: logger,
	}
}

// SetObserver installs a callback run after each dispatch
func (d *Dispatcher) SetObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = o
}

// Handle registers h for the given resource and verb, replacing any
// previous registration
func (d *Dispatcher) Handle(verb Verb, resource string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[route{resource: resource, verb: verb}] = h
}

// HandleFunc registers a function for the given resource and verb
func (d *Dispatcher) HandleFunc(verb Verb, resource string, f func(ctx context.Context, req *Request) *Response) {
	d.Handle(verb, resource, HandlerFunc(f))
}

// Dispatch routes req to its handler. An empty resource path yields
// BAD_REQUEST; a missing route, including an unknown verb, yields NOT_FOUND.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (resp *Response) {
	resource := req.Resource()

	d.mu.RLock()
	h, ok := d.routes[route{resource: resource, verb: req.Verb}]
	observer := d.observer
	d.mu.RUnlock()

	defer func() {
		if observer != nil && resp != nil {
			observer(resource, req.Verb, resp.Code)
		}
	}()

	if resource == "" {
		d.logger.Warn("request without resource", "request_id", req.ID, "verb", req.Verb)
		return Fail(CodeBadRequest, "Resource cannot be empty", nil)
	}
	if !ok {
		d.logger.Debug("no route", "request_id", req.ID, "verb", req.Verb, "resource", resource)
		return Fail(CodeNotFound, fmt.Sprintf("Resource %s not found for %s", resource, req.Verb), nil)
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "request_id", req.ID, "resource", resource, "verb", req.Verb, "panic", r)
			resp = Fail(CodeError, "Unexpected error", fmt.Errorf("panic: %v", r))
		}
	}()

	resp = h.Handle(ctx, req)
	if resp == nil {
		resp = NewResponse(CodeOK)
	}
	return resp
}
