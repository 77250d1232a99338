package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/scheduler"
	"go.uber.org/zap"
)

func TestEveryRunsJob(t *testing.T) {
	s := scheduler.New(context.Background(), zap.NewNop())

	ran := make(chan struct{}, 4)
	if err := s.Every("tick", time.Second, func(context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("Every: %v", err)
	}
	if _, ok := s.Next("tick"); !ok {
		t.Fatal("registered job should be known")
	}

	s.Start()
	defer func() { <-s.Stop().Done() }()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestSkipIfStillRunning(t *testing.T) {
	s := scheduler.New(context.Background(), zap.NewNop())

	var running, overlaps, runs atomic.Int32
	release := make(chan struct{})
	if err := s.Every("slow", time.Second, func(context.Context) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		runs.Add(1)
		<-release
		running.Add(-1)
	}); err != nil {
		t.Fatal(err)
	}

	s.Start()
	time.Sleep(2500 * time.Millisecond)
	close(release)
	<-s.Stop().Done()

	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
	if overlaps.Load() != 0 {
		t.Errorf("runs overlapped %d times", overlaps.Load())
	}
}

func TestRegistrationErrors(t *testing.T) {
	s := scheduler.New(context.Background(), zap.NewNop())
	noop := func(context.Context) {}

	if err := s.Every("bad", 0, noop); err == nil {
		t.Error("zero interval should be rejected")
	}
	if err := s.Every("hb", 30*time.Second, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Every("hb", 30*time.Second, noop); err == nil {
		t.Error("duplicate name should be rejected")
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("unknown job should be an error")
	}
}

func TestRunNowAndCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := scheduler.New(ctx, zap.NewNop())

	var n atomic.Int32
	if err := s.Every("tick", time.Minute, func(context.Context) { n.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow("tick"); err != nil {
		t.Fatal(err)
	}
	if n.Load() != 1 {
		t.Fatalf("RunNow should run synchronously, ran %d", n.Load())
	}
	cancel()
}

func TestJobsReportsSchedule(t *testing.T) {
	s := scheduler.New(context.Background(), zap.NewNop())
	noop := func(context.Context) {}
	for _, name := range []string{"tick", "heartbeat"} {
		if err := s.Every(name, time.Minute, noop); err != nil {
			t.Fatal(err)
		}
	}

	s.Start()
	defer func() { <-s.Stop().Done() }()

	jobs := s.Jobs()
	if len(jobs) != 2 || jobs[0].Name != "heartbeat" || jobs[1].Name != "tick" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	for _, j := range jobs {
		if j.Every != "1m0s" {
			t.Errorf("%s: every = %s", j.Name, j.Every)
		}
		if j.Next.IsZero() || j.Next.Before(time.Now()) {
			t.Errorf("%s: next run %s should be in the future", j.Name, j.Next)
		}
	}
}
