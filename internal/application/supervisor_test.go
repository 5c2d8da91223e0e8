package application

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davarch/relpipe/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// blockingRun blocks every run until its context is cancelled or release is
// closed.
type blockingRun struct {
	release chan struct{}

	mu        sync.Mutex
	started   []domain.Version
	cancelled []domain.Version
}

func (b *blockingRun) Execute(ctx context.Context, trig domain.Trigger) (domain.RunReport, error) {
	b.mu.Lock()
	b.started = append(b.started, trig.Tag)
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		b.mu.Lock()
		b.cancelled = append(b.cancelled, trig.Tag)
		b.mu.Unlock()
		return domain.RunReport{Tag: trig.Tag, Status: domain.RunCancelled}, domain.ErrRunCancelled
	case <-b.release:
		return domain.RunReport{Tag: trig.Tag, Status: domain.RunSucceeded}, nil
	}
}

func TestSupervisor_NewerTagSupersedes(t *testing.T) {
	b := &blockingRun{release: make(chan struct{})}
	s := NewSupervisor(zap.NewNop(), b, "")

	require.True(t, s.Trigger(context.Background(), domain.Trigger{Tag: "v1.0.0"}))
	require.True(t, s.Trigger(context.Background(), domain.Trigger{Tag: "v1.1.0"}))

	close(b.release)
	s.Wait()

	assert.Equal(t, []domain.Version{"v1.0.0", "v1.1.0"}, b.started)
	assert.Equal(t, []domain.Version{"v1.0.0"}, b.cancelled)

	rep, err := s.Last()
	require.NoError(t, err)
	assert.Equal(t, domain.Version("v1.1.0"), rep.Tag)
}

func TestSupervisor_IgnoresOlderOrSameTag(t *testing.T) {
	b := &blockingRun{release: make(chan struct{})}
	s := NewSupervisor(zap.NewNop(), b, "")

	require.True(t, s.Trigger(context.Background(), domain.Trigger{Tag: "v2.0.0"}))
	assert.False(t, s.Trigger(context.Background(), domain.Trigger{Tag: "v2.0.0"}))
	assert.False(t, s.Trigger(context.Background(), domain.Trigger{Tag: "v1.9.9"}))
	assert.False(t, s.Trigger(context.Background(), domain.Trigger{Tag: "not-a-tag"}))

	close(b.release)
	s.Wait()
	assert.Equal(t, []domain.Version{"v2.0.0"}, b.started)
	assert.Empty(t, b.cancelled)
}

func TestSupervisor_RunCancelsOnShutdown(t *testing.T) {
	b := &blockingRun{release: make(chan struct{})}
	s := NewSupervisor(zap.NewNop(), b, "")

	ctx, cancel := context.WithCancel(context.Background())
	triggers := make(chan domain.Trigger, 1)
	triggers <- domain.Trigger{Tag: "v1.0.0"}

	done := make(chan struct{})
	go func() {
		s.Run(ctx, triggers)
		close(done)
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.started) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, []domain.Version{"v1.0.0"}, b.cancelled)
}

func TestSupervisor_PauseFileDropsTriggers(t *testing.T) {
	b := &blockingRun{release: make(chan struct{})}
	pause := filepath.Join(t.TempDir(), "relpipe.pause")
	s := NewSupervisor(zap.NewNop(), b, pause)

	require.NoError(t, os.WriteFile(pause, nil, 0o644))
	assert.False(t, s.Trigger(context.Background(), domain.Trigger{Tag: "v1.0.0"}))

	require.NoError(t, os.Remove(pause))
	assert.True(t, s.Trigger(context.Background(), domain.Trigger{Tag: "v1.0.0"}))

	close(b.release)
	s.Wait()
	assert.Equal(t, []domain.Version{"v1.0.0"}, b.started)
}
