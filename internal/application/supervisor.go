package application

import (
	"context"
	"os"
	"sync"

	"github.com/davarch/relpipe/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

type RunExecutor interface {
	Execute(ctx context.Context, trig domain.Trigger) (domain.RunReport, error)
}

type activeRun struct {
	trig   domain.Trigger
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor keeps at most one run in flight. A trigger with a newer tag
// cancels the in-flight run and waits for it to stop before starting.
// While the pause file exists new triggers are dropped.
type Supervisor struct {
	log       *zap.Logger
	uc        RunExecutor
	pauseFile string

	mu      sync.Mutex
	current *activeRun

	lastMu  sync.Mutex
	lastRep domain.RunReport
	lastErr error
}

func NewSupervisor(l *zap.Logger, uc RunExecutor, pauseFile string) *Supervisor {
	return &Supervisor{log: l, uc: uc, pauseFile: pauseFile}
}

// Trigger starts a run for trig unless it is invalid or not newer than the
// run in flight. It reports whether a run was started.
func (s *Supervisor) Trigger(ctx context.Context, trig domain.Trigger) bool {
	if _, err := domain.ParseVersion(string(trig.Tag)); err != nil {
		s.log.Warn("trigger rejected", zap.Error(err))
		return false
	}
	if s.isPaused() {
		s.log.Info("paused: trigger ignored", zap.String("tag", string(trig.Tag)))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.current; cur != nil && !isDone(cur.done) {
		if semver.Compare(string(trig.Tag), string(cur.trig.Tag)) <= 0 {
			s.log.Info("trigger ignored: not newer than running tag",
				zap.String("tag", string(trig.Tag)),
				zap.String("running", string(cur.trig.Tag)),
			)
			return false
		}
		s.log.Info("superseding run",
			zap.String("tag", string(trig.Tag)),
			zap.String("running", string(cur.trig.Tag)),
		)
		cur.cancel()
		<-cur.done
	}

	runCtx, cancel := context.WithCancel(ctx)
	ar := &activeRun{trig: trig, cancel: cancel, done: make(chan struct{})}
	s.current = ar

	go func() {
		defer close(ar.done)
		defer cancel()

		rep, err := s.uc.Execute(runCtx, trig)
		if err != nil {
			s.log.Warn("run failed", zap.String("tag", string(trig.Tag)), zap.Error(err))
		}

		s.lastMu.Lock()
		s.lastRep, s.lastErr = rep, err
		s.lastMu.Unlock()
	}()
	return true
}

// Run consumes triggers until ctx is done or the channel is closed, then
// waits for the in-flight run.
func (s *Supervisor) Run(ctx context.Context, triggers <-chan domain.Trigger) {
	defer s.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-triggers:
			if !ok {
				return
			}
			s.Trigger(ctx, t)
		}
	}
}

func (s *Supervisor) Wait() {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur != nil {
		<-cur.done
	}
}

func (s *Supervisor) Last() (domain.RunReport, error) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastRep, s.lastErr
}

func (s *Supervisor) isPaused() bool {
	if s.pauseFile == "" {
		return false
	}
	_, err := os.Stat(s.pauseFile)
	return err == nil
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
