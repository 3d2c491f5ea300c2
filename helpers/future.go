// Based on https://github.com/256dpi/gomqtt/blob/e7823dfd0958f968b8e69eb1bf235456316c54fb/client/future/future.go
// with completed/cancelled channels exported
// which allows to wait on result in custom select statement.
//
// Outcome convention: Complete means success, Cancel(err) means failure with err.

package helpers

import (
	"context"
	"fmt"
	"sync"
)

var ErrFutureCancelled = fmt.Errorf("future cancelled")

type Future struct {
	result    interface{}
	completed chan struct{}
	cancelled chan struct{}
	done      bool
	mutex     sync.Mutex
}

func NewFuture() *Future {
	return &Future{
		completed: make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

// NewFailedFuture returns already cancelled future, for errors detected before any IO.
func NewFailedFuture(err error) *Future {
	f := NewFuture()
	f.Cancel(err)
	return f
}

func (f *Future) Cancelled() <-chan struct{} { return f.cancelled }
func (f *Future) Completed() <-chan struct{} { return f.completed }

func (f *Future) Complete(result interface{}) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.done {
		return false
	}

	f.result = result
	close(f.completed)
	f.done = true
	return true
}

func (f *Future) Cancel(result interface{}) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.done {
		return false
	}

	f.result = result
	close(f.cancelled)
	f.done = true
	return true
}

func (f *Future) Result() interface{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.result
}

// Wait blocks until outcome or ctx is done.
// Returns nil on success, cancel reason (or ErrFutureCancelled) on failure, ctx.Err() if ctx is done first.
func (f *Future) Wait(ctx context.Context) error {
	// known outcome wins over done ctx
	select {
	case <-f.completed:
		return nil
	case <-f.cancelled:
		return f.err()
	default:
	}
	select {
	case <-f.completed:
		return nil

	case <-f.cancelled:
		return f.err()

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Future) err() error {
	if err, ok := f.Result().(error); ok && err != nil {
		return err
	}
	return ErrFutureCancelled
}
