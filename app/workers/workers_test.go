package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type alerts struct {
	mu    sync.Mutex
	texts []string
}

func (a *alerts) Alert(ctx context.Context, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
}

func TestWorkerRunsUntilStopped(t *testing.T) {
	runs := make(chan struct{}, 10)
	w := NewWorker("test", "legalbot", nil, 10*time.Millisecond, func() { runs <- struct{}{} }, false)
	done := make(chan struct{})
	go func() {
		w.Start()
		close(done)
	}()
	for i := 0; i < 2; i++ {
		select {
		case <-runs:
		case <-time.After(time.Second):
			t.Fatal("worker did not run")
		}
	}
	w.StopWorker()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestMonthlyWorkerRunsOnFirstDayOnly(t *testing.T) {
	w := NewWorker("monthly", "legalbot", nil, time.Hour, func() {}, true)
	w.Now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	assert.True(t, w.due())
	w.Now = func() time.Time { return time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC) }
	assert.False(t, w.due())
	w.Monthly = false
	assert.True(t, w.due())
}

func TestAlertIsPrefixedWithBotName(t *testing.T) {
	a := &alerts{}
	w := NewWorker("status", "legalbot", a, time.Hour, func() {}, false)
	w.Alert("Redis is down")
	assert.Equal(t, []string{"🔥 legalbot: Redis is down 🔥"}, a.texts)

	// no alerter configured only logs
	NewWorker("status", "legalbot", nil, time.Hour, func() {}, false).Alert("MongoDB is down")
}
