package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-pipeline/internal/config"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/ports"
)

func startWriter(t *testing.T, repo *fakeRepository, cfg config.WriterConfig) *Writer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWriter(repo, cfg, zap.NewNop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func iocBody(i int) []byte {
	return []byte(fmt.Sprintf(`{"source":"ThreatFox","value":"10.0.0.%d","type":"ip"}`, i))
}

func TestWriter_FlushesFullBatch(t *testing.T) {
	repo := &fakeRepository{}
	w := startWriter(t, repo, config.WriterConfig{BatchSize: 3, FlushInterval: time.Hour})

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- w.Handle(context.Background(), iocBody(i))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Handle() error = %v", err)
		}
	}
	if got := repo.batchSizes(); len(got) != 1 || got[0] != 3 {
		t.Errorf("batches = %v, want [3]", got)
	}
}

func TestWriter_FlushesOnInterval(t *testing.T) {
	repo := &fakeRepository{}
	w := startWriter(t, repo, config.WriterConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Handle(ctx, iocBody(1)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got := repo.batchSizes(); len(got) != 1 || got[0] != 1 {
		t.Errorf("batches = %v, want [1]", got)
	}
}

func TestWriter_SaveErrorReachesHandler(t *testing.T) {
	dbDown := errors.New("db down")
	repo := &fakeRepository{err: dbDown}
	w := startWriter(t, repo, config.WriterConfig{BatchSize: 1, FlushInterval: time.Hour})

	if err := w.Handle(context.Background(), iocBody(1)); !errors.Is(err, dbDown) {
		t.Errorf("Handle() error = %v, want %v", err, dbDown)
	}
}

func TestWriter_MalformedBody(t *testing.T) {
	w := NewWriter(&fakeRepository{}, config.WriterConfig{BatchSize: 1}, zap.NewNop())
	if err := w.Handle(context.Background(), []byte("{")); !errors.Is(err, ports.ErrUnprocessable) {
		t.Errorf("Handle() error = %v, want ErrUnprocessable", err)
	}
}

func TestWriter_HandleHonoursContext(t *testing.T) {
	w := NewWriter(&fakeRepository{}, config.WriterConfig{BatchSize: 1}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Handle(ctx, iocBody(1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Handle() error = %v, want DeadlineExceeded", err)
	}
}
