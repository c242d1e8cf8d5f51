package chainrpc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeHealthClient struct {
	Client
	calls  int32
	failUp error // non-nil: every GetLatestBlockhash call fails with this error
}

func (f *fakeHealthClient) GetLatestBlockhash(ctx context.Context) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.failUp != nil {
		return "", f.failUp
	}
	return "fake-blockhash", nil
}

func TestHealthMonitorExitsAfterConsecutiveFailures(t *testing.T) {
	client := &fakeHealthClient{failUp: errors.New("connection refused")}
	tripped := make(chan error, 1)

	mon := NewHealthMonitor(client, 5*time.Millisecond, 3, func(lastErr error) {
		tripped <- lastErr
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go mon.Run(ctx)

	select {
	case err := <-tripped:
		if err == nil {
			t.Error("expected the triggering error to be passed through")
		}
	case <-time.After(time.Second):
		t.Fatal("expected onUnrecoverable to fire after 3 consecutive failures")
	}

	if atomic.LoadInt32(&client.calls) < 3 {
		t.Errorf("expected at least 3 probes before tripping, got %d", client.calls)
	}
}

func TestHealthMonitorNeverTripsWhileHealthy(t *testing.T) {
	client := &fakeHealthClient{}
	tripped := make(chan error, 1)

	mon := NewHealthMonitor(client, 5*time.Millisecond, 2, func(lastErr error) {
		tripped <- lastErr
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	mon.Run(ctx)

	select {
	case <-tripped:
		t.Fatal("expected a consistently healthy probe to never trip onUnrecoverable")
	default:
	}
}

func TestHealthMonitorDisabledWhenThresholdNonPositive(t *testing.T) {
	client := &fakeHealthClient{failUp: errors.New("connection refused")}
	tripped := make(chan error, 1)

	mon := NewHealthMonitor(client, time.Millisecond, 0, func(lastErr error) {
		tripped <- lastErr
	})

	done := make(chan struct{})
	go func() {
		mon.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return immediately when maxConsecutiveFailures <= 0")
	}
	if atomic.LoadInt32(&client.calls) != 0 {
		t.Errorf("expected no probes when disabled, got %d", client.calls)
	}
}
