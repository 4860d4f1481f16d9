// Package hub is the event backbone of the daemon. Components never call
// each other directly; they subscribe to typed events and communicate through
// emissions. Listeners for an event run sequentially in registration order,
// an emission returns only after every listener has returned, and a listener
// error aborts the chain and propagates to the emitter.
package hub

import (
	"context"
	"time"
)

// Hub carries the typed event set plus a dispatch queue that serializes
// top-level entries (the tick loop and bus callbacks) onto one goroutine, so
// every listener chain runs to completion before the next begins.
type Hub struct {
	tasks chan func()

	databaseConnect    []func(context.Context) error
	databaseDisconnect []func(context.Context) error
	databaseError      []func(context.Context, error) error
	localChange        []func(context.Context, LocalChange) error
	localSaveChange    []func(context.Context, Change) error
	localSaveOK        []func(context.Context, ChangeInfo) error
	localSaveFailed    []func(context.Context, ChangeError) error
	remoteChange       []func(context.Context, Change) error
	remoteSendChange   []func(context.Context, RemoteSend) error
	remoteStatusChange []func(context.Context, StatusChange) error
}

func New() *Hub {
	return &Hub{tasks: make(chan func(), 64)}
}

// Do schedules fn onto the dispatch goroutine. It is the only safe entry
// point for code running outside Run's goroutine (bus client callbacks).
func (h *Hub) Do(fn func()) {
	h.tasks <- fn
}

// Run drives the daemon: queued tasks are executed as they arrive and tick
// fires once per interval, after the interval has elapsed. Run returns when
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context, interval time.Duration, tick func(context.Context)) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-h.tasks:
			fn()
		case <-timer.C:
			tick(ctx)
			timer.Reset(interval)
		}
	}
}

func (h *Hub) OnDatabaseConnect(fn func(context.Context) error) {
	h.databaseConnect = append(h.databaseConnect, fn)
}

func (h *Hub) EmitDatabaseConnect(ctx context.Context) error {
	for _, fn := range h.databaseConnect {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) OnDatabaseDisconnect(fn func(context.Context) error) {
	h.databaseDisconnect = append(h.databaseDisconnect, fn)
}

func (h *Hub) EmitDatabaseDisconnect(ctx context.Context) error {
	for _, fn := range h.databaseDisconnect {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) OnDatabaseError(fn func(context.Context, error) error) {
	h.databaseError = append(h.databaseError, fn)
}

func (h *Hub) EmitDatabaseError(ctx context.Context, cause error) error {
	for _, fn := range h.databaseError {
		if err := fn(ctx, cause); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) OnLocalChange(fn func(context.Context, LocalChange) error) {
	h.localChange = append(h.localChange, fn)
}

func (h *Hub) EmitLocalChange(ctx context.Context, event LocalChange) error {
	for _, fn := range h.localChange {
		if err := fn(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) OnLocalSaveChange(fn func(context.Context, Change) error) {
	h.localSaveChange = append(h.localSaveChange, fn)
}

func (h *Hub) EmitLocalSaveChange(ctx context.Context, event Change) error {
	for _, fn := range h.localSaveChange {
		if err := fn(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) OnLocalSaveSuccessful(fn func(context.Context, ChangeInfo) error) {
	h.localSaveOK = append(h.localSaveOK, fn)
}

func (h *Hub) EmitLocalSaveSuccessful(ctx context.Context, event ChangeInfo) error {
	for _, fn := range h.localSaveOK {
		if err := fn(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) OnLocalSaveFailed(fn func(context.Context, ChangeError) error) {
	h.localSaveFailed = append(h.localSaveFailed, fn)
}

func (h *Hub) EmitLocalSaveFailed(ctx context.Context, event ChangeError) error {
	for _, fn := range h.localSaveFailed {
		if err := fn(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) OnRemoteChange(fn func(context.Context, Change) error) {
	h.remoteChange = append(h.remoteChange, fn)
}

func (h *Hub) EmitRemoteChange(ctx context.Context, event Change) error {
	for _, fn := range h.remoteChange {
		if err := fn(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) OnRemoteSendChange(fn func(context.Context, RemoteSend) error) {
	h.remoteSendChange = append(h.remoteSendChange, fn)
}

func (h *Hub) EmitRemoteSendChange(ctx context.Context, event RemoteSend) error {
	for _, fn := range h.remoteSendChange {
		if err := fn(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) OnRemoteStatusChange(fn func(context.Context, StatusChange) error) {
	h.remoteStatusChange = append(h.remoteStatusChange, fn)
}

func (h *Hub) EmitRemoteStatusChange(ctx context.Context, event StatusChange) error {
	for _, fn := range h.remoteStatusChange {
		if err := fn(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
