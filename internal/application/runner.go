package application

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/relpipe/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type RunnerOptions struct {
	// MaxParallel caps concurrently running instances; 0 means unlimited.
	MaxParallel int
	// RetryDelay is the pause between attempts of stages with Retries > 0.
	RetryDelay time.Duration
	Observer   domain.RunObserver
}

// Runner executes a Graph layer by layer. Instances within a layer run
// concurrently; the next layer starts once the current one has resolved.
type Runner struct {
	log  *zap.Logger
	exec domain.StageExecutor
	opts RunnerOptions
}

func NewRunner(l *zap.Logger, exec domain.StageExecutor, opts RunnerOptions) *Runner {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Runner{log: l, exec: exec, opts: opts}
}

// Run expands every stage, then executes the graph. The returned error is
// nil iff every instance succeeded; otherwise it is a configuration error,
// *domain.PipelineFailedError or domain.ErrRunCancelled. The report is
// filled in all cases except configuration errors.
func (r *Runner) Run(ctx context.Context, run *domain.PipelineRun, g *Graph, vars Vars, store *ArtifactStore) (domain.RunReport, error) {
	rep := domain.RunReport{RunID: run.ID, Tag: run.Tag, Commit: run.Commit, Started: time.Now()}

	expanded := make(map[string][]domain.StageInstance, len(g.stages))
	for _, s := range g.stages {
		insts, err := Expand(s, vars)
		if err != nil {
			return rep, err
		}
		expanded[s.Name] = insts
	}
	for _, layer := range g.layers {
		for _, name := range layer {
			axes := make([]string, 0, len(expanded[name]))
			for _, inst := range expanded[name] {
				axes = append(axes, inst.Axis)
			}
			store.Declare(name, axes)
		}
	}

	log := r.log.With(zap.String("run", run.ID), zap.String("tag", string(run.Tag)))
	run.SetStatus(domain.RunRunning)

	results := make(map[string][]domain.InstanceResult, len(g.stages))
	stageStatus := make(map[string]domain.InstanceStatus, len(g.stages))

	for n, layer := range g.layers {
		log.Debug("layer start", zap.Int("layer", n), zap.Strings("stages", layer))

		var eg errgroup.Group
		if r.opts.MaxParallel > 0 {
			eg.SetLimit(r.opts.MaxParallel)
		}

		for _, name := range layer {
			insts := expanded[name]
			res := make([]domain.InstanceResult, len(insts))
			results[name] = res

			spec, _ := g.Stage(name)
			if blocked := unmetDependency(spec, stageStatus); blocked != "" {
				log.Warn("stage skipped", zap.String("stage", name), zap.String("dependency", blocked))
				r.resolve(res, insts, domain.InstanceSkipped)
				continue
			}
			if ctx.Err() != nil {
				r.resolve(res, insts, domain.InstanceCancelled)
				continue
			}

			r.opts.Observer.StageStarted(name)
			for i, inst := range insts {
				eg.Go(func() error {
					res[i] = r.runInstance(ctx, log, inst, store)
					r.opts.Observer.InstanceFinished(res[i])
					return nil
				})
			}
		}
		_ = eg.Wait()

		for _, name := range layer {
			stageStatus[name] = aggregate(results[name])
		}
	}

	var (
		failed    []string
		causes    []error
		succeeded = true
	)
	for _, layer := range g.layers {
		for _, name := range layer {
			for _, res := range results[name] {
				rep.Instances = append(rep.Instances, res)
				if res.Status != domain.InstanceSucceeded {
					succeeded = false
				}
				if res.Status == domain.InstanceFailed {
					failed = append(failed, res.Instance.ID())
					causes = append(causes, res.Err)
				}
			}
		}
	}

	rep.Failed = failed
	rep.Artifacts = store.All()
	rep.Finished = time.Now()

	var err error
	switch {
	case succeeded:
		rep.Status = domain.RunSucceeded
	case ctx.Err() != nil || len(failed) == 0:
		rep.Status = domain.RunCancelled
		err = domain.ErrRunCancelled
	default:
		rep.Status = domain.RunFailed
		err = &domain.PipelineFailedError{Failed: failed, Errors: causes}
	}
	run.SetStatus(rep.Status)
	r.opts.Observer.RunFinished(rep)

	log.Info("run finished",
		zap.String("status", string(rep.Status)),
		zap.Strings("failed", failed),
		zap.Int("artifacts", len(rep.Artifacts)),
		zap.Duration("took", rep.Finished.Sub(rep.Started)),
	)
	return rep, err
}

func (r *Runner) runInstance(ctx context.Context, log *zap.Logger, inst domain.StageInstance, store *ArtifactStore) domain.InstanceResult {
	res := domain.InstanceResult{Instance: inst, Started: time.Now()}
	log = log.With(zap.String("instance", inst.ID()))

	if ctx.Err() != nil {
		res.Status = domain.InstanceCancelled
		res.Err = ctx.Err()
		res.Finished = res.Started
		return res
	}

	log.Info("instance start")
	var (
		out domain.ExecResult
		err error
	)
	op := func() error {
		res.Attempts++
		out, err = r.exec.Execute(ctx, inst)
		if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)) {
			return backoff.Permanent(err)
		}
		if err != nil && res.Attempts <= inst.Retries {
			log.Warn("instance attempt failed", zap.Int("attempt", res.Attempts), zap.Error(err))
		}
		return err
	}
	if inst.Retries > 0 && !inst.Publish {
		bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(r.opts.RetryDelay), uint64(inst.Retries))
		_ = backoff.Retry(op, backoff.WithContext(bo, ctx))
	} else {
		_ = op()
	}

	res.ExitCode = out.ExitCode
	res.Output = out.Output
	res.Err = err

	switch {
	case err == nil:
		res.Status = domain.InstanceSucceeded
		for _, p := range out.Artifacts {
			key := domain.ArtifactKey{Stage: inst.Stage, Axis: inst.Axis, Name: filepath.Base(p)}
			if perr := store.Put(key, p); perr != nil {
				res.Status = domain.InstanceFailed
				res.Err = perr
				break
			}
		}
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		res.Status = domain.InstanceCancelled
	default:
		res.Status = domain.InstanceFailed
	}
	res.Finished = time.Now()

	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Int("attempts", res.Attempts),
		zap.Duration("took", res.Finished.Sub(res.Started)),
	}
	if res.Status == domain.InstanceSucceeded {
		log.Info("instance done", fields...)
	} else {
		log.Warn("instance done", append(fields, zap.Error(res.Err))...)
	}
	return res
}

func unmetDependency(spec domain.StageSpec, status map[string]domain.InstanceStatus) string {
	for _, dep := range spec.Needs {
		if status[dep] != domain.InstanceSucceeded {
			return dep
		}
	}
	return ""
}

// resolve marks instances that never ran.
func (r *Runner) resolve(res []domain.InstanceResult, insts []domain.StageInstance, st domain.InstanceStatus) {
	now := time.Now()
	for i, inst := range insts {
		res[i] = domain.InstanceResult{Instance: inst, Status: st, Started: now, Finished: now}
		r.opts.Observer.InstanceFinished(res[i])
	}
}

func aggregate(res []domain.InstanceResult) domain.InstanceStatus {
	st := domain.InstanceSucceeded
	for _, r := range res {
		switch r.Status {
		case domain.InstanceFailed:
			return domain.InstanceFailed
		case domain.InstanceCancelled:
			st = domain.InstanceCancelled
		case domain.InstanceSkipped:
			if st == domain.InstanceSucceeded {
				st = domain.InstanceSkipped
			}
		}
	}
	return st
}

type nopObserver struct{}

func (nopObserver) StageStarted(string) {}
func (nopObserver) InstanceFinished(domain.InstanceResult) {}
func (nopObserver) RunFinished(domain.RunReport) {}
