package valet

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeSweep struct {
	abandoned int
	err       error
	calls     int
	pruneAge  time.Duration
}

func (f *fakeSweep) AbandonExpiredIntakes(context.Context) (int, error) {
	f.calls++
	return f.abandoned, f.err
}

func (f *fakeSweep) PruneProcessedMessages(_ context.Context, maxAge time.Duration) (int64, error) {
	f.pruneAge = maxAge
	return 0, nil
}

func TestSweeper_RunOnce(t *testing.T) {
	logger := zerolog.New(io.Discard)
	f := &fakeSweep{abandoned: 2}
	s := NewSweeper(f, f, 0, &logger)

	s.RunOnce(context.Background())
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, processedRetention, f.pruneAge)
	assert.Equal(t, time.Minute, s.interval)

	f.err = errors.New("locked")
	s.RunOnce(context.Background())
	assert.Equal(t, 2, f.calls)
}

func TestSweeper_StopsWithContext(t *testing.T) {
	logger := zerolog.New(io.Discard)
	f := &fakeSweep{}
	s := NewSweeper(f, nil, 10*time.Millisecond, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
