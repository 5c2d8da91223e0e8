package application

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/davarch/relpipe/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PipelineSettings struct {
	Repo string
	// ArtifactDir is the root of the flat per-tag staging directories.
	ArtifactDir   string
	ReleaseTitle  string
	GenerateNotes bool
	RunTimeout    time.Duration
}

// PipelineUseCase turns a trigger into one pipeline run: execute the graph,
// publish from the stage marked as publish, then report and notify.
type PipelineUseCase struct {
	log       *zap.Logger
	graph     *Graph
	exec      domain.StageExecutor
	publisher *Publisher
	note      domain.Notifier
	report    domain.ReportSink
	settings  PipelineSettings
	opts      RunnerOptions
}

func NewPipelineUseCase(
	l *zap.Logger,
	g *Graph,
	exec domain.StageExecutor,
	pub *Publisher,
	note domain.Notifier,
	report domain.ReportSink,
	settings PipelineSettings,
	opts RunnerOptions,
) *PipelineUseCase {
	return &PipelineUseCase{
		log: l, graph: g, exec: exec, publisher: pub, note: note, report: report,
		settings: settings, opts: opts,
	}
}

func (uc *PipelineUseCase) Execute(ctx context.Context, trig domain.Trigger) (domain.RunReport, error) {
	if _, err := domain.ParseVersion(string(trig.Tag)); err != nil {
		return domain.RunReport{Tag: trig.Tag, Commit: trig.Commit}, err
	}

	if uc.settings.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.settings.RunTimeout)
		defer cancel()
	}

	run := domain.NewPipelineRun(uuid.NewString(), trig, time.Now())
	store := NewArtifactStore()
	vars := Vars{Repo: uc.settings.Repo, Version: trig.Tag, Commit: trig.Commit}

	uc.log.Info("run start",
		zap.String("run", run.ID),
		zap.String("tag", string(trig.Tag)),
		zap.String("commit", trig.Commit),
	)

	step := &publishStep{uc: uc, store: store, trig: trig, vars: vars}
	runner := NewRunner(uc.log, dispatch{exec: uc.exec, publish: step}, uc.opts)

	rep, err := runner.Run(ctx, run, uc.graph, vars, store)
	rep.Release = step.release()

	if uc.report != nil {
		if werr := uc.report.Write(ctx, rep); werr != nil {
			uc.log.Warn("report write failed", zap.Error(werr))
		}
	}
	if uc.note != nil && rep.Status != "" {
		url := ""
		if rep.Release != nil {
			url = rep.Release.URL
		}
		_ = uc.note.Notify(context.WithoutCancel(ctx), titleFor(rep.Status), bodyFor(rep), url)
	}
	return rep, err
}

type dispatch struct {
	exec    domain.StageExecutor
	publish domain.StageExecutor
}

func (d dispatch) Execute(ctx context.Context, inst domain.StageInstance) (domain.ExecResult, error) {
	if inst.Publish {
		return d.publish.Execute(ctx, inst)
	}
	return d.exec.Execute(ctx, inst)
}

// publishStep stages every registered artifact into a flat directory and
// hands them to the Publisher.
type publishStep struct {
	uc    *PipelineUseCase
	store *ArtifactStore
	trig  domain.Trigger
	vars  Vars

	mu  sync.Mutex
	rec *domain.ReleaseRecord
}

func (s *publishStep) Execute(ctx context.Context, inst domain.StageInstance) (domain.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExecResult{ExitCode: -1}, err
	}

	dir := filepath.Join(s.uc.settings.ArtifactDir, string(s.trig.Tag))
	staged, err := Stage(dir, s.store.All())
	if err != nil {
		return domain.ExecResult{ExitCode: 1}, err
	}

	title := replacer(inst.Stage, "", s.vars).Replace(s.uc.settings.ReleaseTitle)
	rec, err := s.uc.publisher.Publish(ctx, PublishRequest{
		Tag:           s.trig.Tag,
		Commit:        s.trig.Commit,
		Title:         title,
		Artifacts:     staged,
		GenerateNotes: s.uc.settings.GenerateNotes,
	})
	if rec.ID != "" {
		s.mu.Lock()
		s.rec = &rec
		s.mu.Unlock()
	}
	if err != nil {
		return domain.ExecResult{ExitCode: 1, Output: []byte(err.Error())}, err
	}
	return domain.ExecResult{Output: []byte(rec.URL)}, nil
}

func (s *publishStep) release() *domain.ReleaseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func titleFor(s domain.RunStatus) string {
	switch s {
	case domain.RunSucceeded:
		return "✅ release: succeeded"
	case domain.RunFailed:
		return "❌ release: failed"
	case domain.RunCancelled:
		return "⛔ release: cancelled"
	default:
		return "ℹ️ release: " + string(s)
	}
}

func bodyFor(rep domain.RunReport) string {
	body := string(rep.Tag)
	if rep.Commit != "" {
		body += " (" + rep.Commit + ")"
	}
	if len(rep.Failed) > 0 {
		body += "\nfailed: " + strings.Join(rep.Failed, ", ")
	}
	return body
}
