package main

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-tunnel/internal/relay"
	"github.com/kstaniek/go-can-tunnel/internal/serial"
)

// fakeErrPort always returns a synthetic error to trigger backoff.
type fakeErrPort struct{}

func (f *fakeErrPort) Read(p []byte) (int, error)  { return 0, io.ErrNoProgress }
func (f *fakeErrPort) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeErrPort) Close() error                { return nil }

func TestSerialBackendBackoffProgression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return &fakeErrPort{}, nil }
	defer func() { openSerialPort = serial.Open }()

	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		if len(seen) < 8 {
			seen = append(seen, d)
			if len(seen) == 8 {
				cancel()
			}
		}
		mu.Unlock()
	}
	defer func() { sleepFn = time.Sleep }()

	cfg := &appConfig{backend: "serial", serialDev: "fake", baud: 9600, serialReadTO: 10 * time.Millisecond}
	var wg sync.WaitGroup
	_, cleanup, err := initSerialBackend(ctx, cfg, relay.New(1, relay.PolicyDropNewest), testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSerialBackend: %v", err)
	}
	wg.Wait()
	cleanup()

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{20, 40, 80, 160, 320, 500, 500, 500}
	if len(seen) != len(want) {
		t.Fatalf("expected %d backoff samples, got %d", len(want), len(seen))
	}
	for i, d := range seen {
		if d != want[i]*time.Millisecond {
			t.Fatalf("backoff[%d] = %v, want %v", i, d, want[i]*time.Millisecond)
		}
	}
}

func TestNextBackoff(t *testing.T) {
	if got := nextBackoff(rxBackoffMin); got != 2*rxBackoffMin {
		t.Fatalf("got %v", got)
	}
	if got := nextBackoff(rxBackoffMax); got != rxBackoffMax {
		t.Fatalf("cap not applied: %v", got)
	}
}
