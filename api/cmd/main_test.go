package main

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeApp struct {
	mu sync.Mutex

	startErr error
	stopErr  error

	startCalled bool
	stopCalled  bool
}

func (f *fakeApp) Start(ctx context.Context) error {
	f.mu.Lock()
	f.startCalled = true
	err := f.startErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeApp) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalled = true
	return f.stopErr
}

func TestRun_BootstrapFail_Returns1(t *testing.T) {
	build := func() (runner, func(), error) {
		return nil, func() {}, errors.New("boom")
	}

	assert.Equal(t, 1, Run(build, make(chan os.Signal, 1), zerolog.Nop()))
}

func TestRun_OnSignal_StopsAndReturns0(t *testing.T) {
	// Pre-send a signal so Run() takes the signal path deterministically.
	sigCh := make(chan os.Signal, 1)
	sigCh <- os.Interrupt

	app := &fakeApp{}
	cleanupCalled := false
	build := func() (runner, func(), error) {
		return app, func() { cleanupCalled = true }, nil
	}

	assert.Equal(t, 0, Run(build, sigCh, zerolog.Nop()))
	assert.True(t, app.stopCalled)
	assert.True(t, cleanupCalled)
}

func TestRun_StopFails_Returns1(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	sigCh <- os.Interrupt

	app := &fakeApp{stopErr: errors.New("drain timeout")}
	build := func() (runner, func(), error) { return app, func() {}, nil }

	assert.Equal(t, 1, Run(build, sigCh, zerolog.Nop()))
}

func TestRun_AppCrash_Returns1(t *testing.T) {
	app := &fakeApp{startErr: errors.New("broker gave up")}
	build := func() (runner, func(), error) { return app, func() {}, nil }

	// no signal: the crash path must win
	assert.Equal(t, 1, Run(build, make(chan os.Signal), zerolog.Nop()))
	assert.True(t, app.stopCalled)
}
