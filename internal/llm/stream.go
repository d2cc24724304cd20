package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// streamBuffer bounds how far the provider may run ahead of a slow reader.
const streamBuffer = 64

// errStreamClosed is the cancellation cause recorded by Stream.Close.
var errStreamClosed = errors.New("llm: stream closed by caller")

// Stream is an in-flight streaming completion. Deltas arrive on Deltas() in
// order; the channel is closed when the call ends for any reason. Result
// blocks until then and returns the aggregated text (the concatenation of
// every delivered delta) or the classified error.
//
// A reader that stops draining Deltas without calling Close will eventually
// hit the per-call deadline.
type Stream struct {
	deltas chan string
	done   chan struct{}
	abort  context.CancelCauseFunc

	once   sync.Once
	result CompletionResult
	err    error
}

// Deltas returns the receive side of the delta channel.
func (s *Stream) Deltas() <-chan string { return s.deltas }

// Done is closed once Result is available.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close aborts the call. Result then reports ErrAborted unless the call had
// already finished. Safe to call more than once.
func (s *Stream) Close() { s.abort(errStreamClosed) }

// Result waits for the call to end.
func (s *Stream) Result() (CompletionResult, error) {
	<-s.done
	return s.result, s.err
}

func (s *Stream) complete(res CompletionResult, err error) {
	s.once.Do(func() {
		s.result, s.err = res, err
		close(s.deltas)
		close(s.done)
	})
}

// Stream starts a streaming completion. Request validation errors are
// returned synchronously; everything after that surfaces through Result.
func (c *Client) Stream(ctx context.Context, req CompletionRequest) (*Stream, error) {
	req, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	timeout := c.timeoutFor(req)

	spanCtx, span := c.startSpan(ctx, "llm.stream", req)
	abortCtx, abort := context.WithCancelCause(spanCtx)
	callCtx, cancel := context.WithTimeoutCause(abortCtx, timeout, errDeadline)

	s := &Stream{
		deltas: make(chan string, streamBuffer),
		done:   make(chan struct{}),
		abort:  abort,
	}

	start := time.Now()
	c.logStart(req, timeout)
	go func() {
		defer span.End()
		defer abort(nil)
		defer cancel()

		var text strings.Builder
		emit := func(delta string) error {
			if delta == "" {
				return nil
			}
			select {
			case s.deltas <- delta:
				text.WriteString(delta)
				return nil
			case <-callCtx.Done():
				return context.Cause(callCtx)
			}
		}

		res, err := c.provider.CompleteStream(callCtx, req, emit)
		if err == nil && callCtx.Err() != nil {
			// Provider swallowed the cancellation; report it anyway.
			err = context.Cause(callCtx)
		}
		if err != nil {
			err = c.classify(callCtx, req, timeout, err)
			c.finish(spanCtx, span, req, start, CompletionResult{}, err)
			s.complete(CompletionResult{}, err)
			return
		}
		res.Text = text.String()
		c.finish(spanCtx, span, req, start, res, nil)
		s.complete(res, nil)
	}()
	return s, nil
}
