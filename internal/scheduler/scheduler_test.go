package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestNormalizeSpec(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "07:30", want: "30 7 * * *"},
		{in: "@every 1h", want: "@every 1h"},
		{in: "0 6 * * 1-5", want: "0 6 * * 1-5"},
		{in: "24:00", wantErr: true},
		{in: "ab:cd", wantErr: true},
		{in: "  ", wantErr: true},
	}
	for _, tc := range tests {
		got, err := normalizeSpec(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: expected %q, got %q (%v)", tc.in, tc.want, got, err)
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New(Options{Spec: "not a schedule"}); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
	if _, err := New(Options{Spec: "07:00", Timezone: "Mars/Olympus"}); err == nil {
		t.Fatalf("expected timezone error")
	}
}

func TestRunFiresJob(t *testing.T) {
	s, err := New(Options{
		Spec:     "@every 1s",
		Timezone: "UTC",
		Timeout:  time.Second,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	hadDeadline := make(chan bool, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				_, ok := ctx.Deadline()
				hadDeadline <- ok
				cancel()
			}
			return nil
		})
	}()

	select {
	case ok := <-hadDeadline:
		if !ok {
			t.Fatalf("expected per-run timeout on job context")
		}
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("job never ran")
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
