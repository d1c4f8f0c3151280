package loader

import (
	"context"

	"github.com/zot/lua-include/internal/locator"
	"github.com/zot/lua-include/internal/transport"
)

// IncludeAsync starts an include and returns immediately. done is invoked
// once, on its own goroutine after the executor has finished the work: right
// away for a registry hit, otherwise after the fetched script has run. done
// may call back into the Loader. Concurrent requests for the same identifier
// share one fetch. When the transport keeps asynchronous failures silent,
// done is never invoked for a failed fetch.
func (l *Loader) IncludeAsync(ctx context.Context, loc string, done DoneFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if done == nil {
		done = func(bool, error) {}
	}
	l.runtime.Post(func() {
		l.includeAsync(ctx, loc, done)
	})
}

// includeAsync runs on the executor.
func (l *Loader) includeAsync(ctx context.Context, loc string, done DoneFunc) {
	id, err := locator.Normalize(loc)
	if err != nil {
		l.finish("include", err)
		deliver([]DoneFunc{done}, false, err)
		return
	}
	if l.registry.Contains(id) {
		l.metrics.request("include", "hit")
		deliver([]DoneFunc{done}, true, nil)
		return
	}
	if waiters, ok := l.pending[id]; ok {
		l.pending[id] = append(waiters, done)
		return
	}
	target, err := locator.Resolve(l.origin, loc)
	if err != nil {
		l.finish("include", err)
		deliver([]DoneFunc{done}, false, err)
		return
	}

	l.pending[id] = []DoneFunc{done}
	l.states[id] = Fetching
	err = l.transport.FetchAsync(ctx, target, func(res transport.Result, err error) {
		// Completions hop back onto the executor before touching loader state.
		l.runtime.Post(func() {
			l.completeAsync(ctx, id, loc, res, err)
		})
	})
	if err != nil {
		l.metrics.fetch(err)
		l.states[id] = Failed
		l.finish("include", err)
		l.notify(id, false, err)
	}
}

// completeAsync runs on the executor.
func (l *Loader) completeAsync(ctx context.Context, id locator.Identifier, loc string, res transport.Result, err error) {
	if err == nil && !l.registry.Contains(id) {
		err = checkBody(res)
	}
	l.metrics.fetch(err)
	if err != nil {
		l.states[id] = Failed
		l.finish("include", err)
		l.notify(id, false, err)
		return
	}
	// A synchronous include may have loaded it while the fetch was in flight.
	if l.registry.Contains(id) {
		l.metrics.request("include", "hit")
		l.notify(id, true, nil)
		return
	}

	_, evalErr := l.withContext(ctx, func() (bool, error) {
		l.push(id)
		defer l.pop()
		return false, l.evaluate(id, loc, res.Body)
	})
	l.finish("include", evalErr)
	l.notify(id, evalErr == nil, evalErr)
}

func (l *Loader) notify(id locator.Identifier, ok bool, err error) {
	waiters := l.pending[id]
	delete(l.pending, id)
	deliver(waiters, ok, err)
}

// deliver runs the waiters in order off the executor. Loader methods queue
// onto the executor and wait, so a waiter running there would deadlock.
func deliver(waiters []DoneFunc, ok bool, err error) {
	if len(waiters) == 0 {
		return
	}
	go func() {
		for _, done := range waiters {
			done(ok, err)
		}
	}()
}
