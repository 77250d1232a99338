package alerts_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/alerts"
	"github.com/atlas-desktop/weekly-trader/internal/workers"
	"go.uber.org/zap"
)

type failingSink struct{ calls int }

func (f *failingSink) Send(context.Context, alerts.Alert) error {
	f.calls++
	return errors.New("down")
}

func TestMulti_AttemptsEverySink(t *testing.T) {
	bad := &failingSink{}
	mem := alerts.NewMemory(0)
	multi := alerts.Multi{bad, alerts.NewLogSink(zap.NewNop()), mem}

	err := multi.Send(context.Background(), alerts.Alert{Severity: alerts.SeverityCritical, Subject: "x"})
	if err == nil {
		t.Fatal("expected the failing sink's error")
	}
	if bad.calls != 1 {
		t.Errorf("expected 1 call to failing sink, got %d", bad.calls)
	}
	if mem.Count(alerts.SeverityCritical) != 1 {
		t.Error("memory sink should still receive the alert")
	}
}

func TestMemory_Limit(t *testing.T) {
	mem := alerts.NewMemory(2)
	for _, s := range []string{"a", "b", "c"} {
		mem.Send(context.Background(), alerts.Alert{Subject: s})
	}
	got := mem.Alerts()
	if len(got) != 2 || got[0].Subject != "b" || got[1].Subject != "c" {
		t.Errorf("unexpected alerts %+v", got)
	}
}

func TestTelegramSink_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	var lastText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		lastText = body["text"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := alerts.NewTelegramSink(zap.NewNop(), alerts.TelegramConfig{
		BotToken:   "token",
		ChatID:     "42",
		MaxRetries: 3,
		APIBase:    srv.URL,
		RetryBase:  time.Millisecond,
	})

	err := sink.Send(context.Background(), alerts.Alert{
		Severity:  alerts.SeverityCritical,
		Subject:   "Reconnect exhausted",
		Body:      "gateway <down>",
		Timestamp: time.Date(2024, 3, 8, 15, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if !strings.Contains(lastText, "gateway &lt;down&gt;") {
		t.Errorf("body should be HTML escaped, got %q", lastText)
	}
}

func TestTelegramSink_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := alerts.NewTelegramSink(zap.NewNop(), alerts.TelegramConfig{
		BotToken:   "token",
		MaxRetries: 1,
		APIBase:    srv.URL,
		RetryBase:  time.Millisecond,
	})

	if err := sink.Send(context.Background(), alerts.Alert{Subject: "x"}); err == nil {
		t.Fatal("expected error after retries")
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

type blockingSink struct {
	release chan struct{}
	mem     *alerts.Memory
}

func (b *blockingSink) Send(ctx context.Context, a alerts.Alert) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.mem.Send(ctx, a)
}

func TestAsync_DoesNotBlockCaller(t *testing.T) {
	slow := &blockingSink{release: make(chan struct{}), mem: alerts.NewMemory(0)}
	async := alerts.NewAsync(zap.NewNop(), slow, workers.PoolConfig{
		Name:       "test",
		NumWorkers: 1,
		QueueSize:  1,
	})

	if err := async.Send(context.Background(), alerts.Alert{Subject: "a"}); err != nil {
		t.Fatalf("Send(a): %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for async.Stats().Queued != 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never picked up the first alert")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The worker is stuck on "a"; "b" fills the queue.
	if err := async.Send(context.Background(), alerts.Alert{Subject: "b"}); err != nil {
		t.Fatalf("Send(b): %v", err)
	}
	if err := async.Send(context.Background(), alerts.Alert{Subject: "c"}); !errors.Is(err, workers.ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	close(slow.release)
	if err := async.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(slow.mem.Alerts()); got != 2 {
		t.Errorf("expected 2 delivered alerts, got %d", got)
	}
	if err := async.Send(context.Background(), alerts.Alert{Subject: "late"}); !errors.Is(err, workers.ErrPoolStopped) {
		t.Errorf("expected ErrPoolStopped after Close, got %v", err)
	}
}
