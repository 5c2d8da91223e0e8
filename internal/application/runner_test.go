package application

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davarch/relpipe/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func runGraph(t *testing.T, ctx context.Context, exec domain.StageExecutor, specs []domain.StageSpec, opts RunnerOptions) (domain.RunReport, error) {
	t.Helper()
	g, err := BuildGraph(specs)
	require.NoError(t, err)

	run := domain.NewPipelineRun("run-1", domain.Trigger{Tag: "v1.2.0", Commit: "abc"}, time.Now())
	rep, err := NewRunner(zap.NewNop(), exec, opts).Run(ctx, run, g, testVars, NewArtifactStore())
	assert.Equal(t, rep.Status, run.Status())
	return rep, err
}

func indexOf(events []string, ev string) int {
	for i, e := range events {
		if e == ev {
			return i
		}
	}
	return -1
}

func TestRunner_DependenciesFinishBeforeDependentsStart(t *testing.T) {
	specs := []domain.StageSpec{
		{Name: "fmt", Steps: step("true")},
		{Name: "test", Steps: step("true")},
		{Name: "build", Needs: []string{"fmt", "test"}, Matrix: []string{"a", "b", "c"}, Steps: step("true")},
		{Name: "docs", Needs: []string{"fmt"}, Steps: step("true")},
		{Name: "package", Needs: []string{"build", "docs"}, Steps: step("true")},
	}
	exec := &domain.MockExecutor{Delay: map[string]time.Duration{
		"fmt": 20 * time.Millisecond, "build/b": 10 * time.Millisecond, "docs": 5 * time.Millisecond,
	}}

	rep, err := runGraph(t, context.Background(), exec, specs, RunnerOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, rep.Status)

	ids := func(stage string) []string {
		insts, err := Expand(mustStage(t, specs, stage), testVars)
		require.NoError(t, err)
		var out []string
		for _, in := range insts {
			out = append(out, in.ID())
		}
		return out
	}
	for _, s := range specs {
		for _, dep := range s.Needs {
			for _, d := range ids(dep) {
				for _, id := range ids(s.Name) {
					end, start := indexOf(exec.Events, "end:"+d), indexOf(exec.Events, "start:"+id)
					require.NotEqual(t, -1, end)
					require.NotEqual(t, -1, start)
					assert.Less(t, end, start, "%s must finish before %s starts", d, id)
				}
			}
		}
	}
}

func TestRunner_FailureOnlyBlocksItsSubtree(t *testing.T) {
	specs := []domain.StageSpec{
		{Name: "a", Steps: step("false")},
		{Name: "b", Steps: step("true")},
		{Name: "c", Needs: []string{"a"}, Steps: step("true")},
		{Name: "d", Needs: []string{"b"}, Steps: step("true")},
		{Name: "e", Needs: []string{"c", "d"}, Steps: step("true")},
	}
	exec := &domain.MockExecutor{
		Fail:  map[string]int{"a": 1},
		Delay: map[string]time.Duration{"b": 30 * time.Millisecond},
	}

	rep, err := runGraph(t, context.Background(), exec, specs, RunnerOptions{})

	var failed *domain.PipelineFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, []string{"a"}, failed.Failed)
	assert.Equal(t, domain.RunFailed, rep.Status)

	assert.True(t, exec.Called("b"), "independent sibling finishes")
	assert.True(t, exec.Called("d"))
	assert.False(t, exec.Called("c"))
	assert.False(t, exec.Called("e"), "transitive dependent never starts")
}

func TestRunner_FailedListIsOrdered(t *testing.T) {
	specs := []domain.StageSpec{
		{Name: "build", Matrix: []string{"x", "y", "z"}, Steps: step("true")},
		{Name: "lint", Steps: step("true")},
	}
	exec := &domain.MockExecutor{
		Fail:  map[string]int{"build/z": 1, "build/x": 1, "lint": 1},
		Delay: map[string]time.Duration{"build/x": 20 * time.Millisecond},
	}

	rep, err := runGraph(t, context.Background(), exec, specs, RunnerOptions{})
	require.Error(t, err)
	assert.Equal(t, []string{"build/x", "build/z", "lint"}, rep.Failed)
}

func TestRunner_CancellationMarksCancelledAndSkipsRest(t *testing.T) {
	specs := releaseSpecs(t.TempDir())
	exec := &domain.MockExecutor{Delay: map[string]time.Duration{
		"build/x86_64": 5 * time.Second, "build/aarch64": 5 * time.Second,
	}}
	publish := &domain.MockExecutor{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	rep, err := runGraph(t, ctx, dispatch{exec: exec, publish: publish}, specs, RunnerOptions{})

	assert.ErrorIs(t, err, domain.ErrRunCancelled)
	assert.Equal(t, domain.RunCancelled, rep.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, publish.CallCount(), "publish never runs for a cancelled run")

	for _, in := range rep.Instances {
		switch in.Instance.Stage {
		case "verify":
			assert.Equal(t, domain.InstanceSucceeded, in.Status)
		case "build":
			assert.Equal(t, domain.InstanceCancelled, in.Status)
		case "publish":
			assert.Equal(t, domain.InstanceSkipped, in.Status)
		}
	}
}

func TestRunner_RetryHook(t *testing.T) {
	specs := []domain.StageSpec{{Name: "flaky", Steps: step("true"), Retries: 2}}
	exec := &domain.MockExecutor{FailTimes: map[string]int{"flaky": 2}}

	rep, err := runGraph(t, context.Background(), exec, specs, RunnerOptions{RetryDelay: time.Millisecond})
	require.NoError(t, err)
	require.Len(t, rep.Instances, 1)
	assert.Equal(t, 3, rep.Instances[0].Attempts)
}

func TestRunner_NoRetryByDefault(t *testing.T) {
	specs := []domain.StageSpec{{Name: "flaky", Steps: step("true")}}
	exec := &domain.MockExecutor{FailTimes: map[string]int{"flaky": 1}}

	rep, err := runGraph(t, context.Background(), exec, specs, RunnerOptions{})
	require.Error(t, err)
	assert.Equal(t, 1, exec.CallCount())
	assert.Equal(t, 1, rep.Instances[0].Attempts)
}

func TestRunner_DuplicateArtifactFailsOffendingInstance(t *testing.T) {
	dir := t.TempDir()
	specs := []domain.StageSpec{{
		Name:    "build",
		Matrix:  []string{"x", "y"},
		Steps:   step("true"),
		Outputs: []string{filepath.Join(dir, "{axis}.zip"), filepath.Join(dir, "{axis}", "bin.tar")},
	}}
	exec := &domain.MockExecutor{WriteOutputs: true}

	rep, err := runGraph(t, context.Background(), exec, specs, RunnerOptions{})
	require.NoError(t, err, "keys differ by axis so nothing collides")
	assert.Len(t, rep.Artifacts, 4)

	specs[0].Outputs = []string{filepath.Join(dir, "same.zip"), filepath.Join(dir, "sub", "same.zip")}
	rep, err = runGraph(t, context.Background(), exec, specs, RunnerOptions{})
	require.Error(t, err)

	var dup *domain.DuplicateArtifactError
	assert.True(t, errors.As(err, &dup))
	assert.Equal(t, []string{"build/x", "build/y"}, rep.Failed)
}

func TestRunner_MaxParallelStillCompletes(t *testing.T) {
	specs := []domain.StageSpec{{Name: "build", Matrix: []string{"a", "b", "c", "d", "e"}, Steps: step("true")}}
	exec := &domain.MockExecutor{}

	rep, err := runGraph(t, context.Background(), exec, specs, RunnerOptions{MaxParallel: 2})
	require.NoError(t, err)
	assert.Len(t, rep.Instances, 5)
	assert.Equal(t, 5, exec.CallCount())
}

func mustStage(t *testing.T, specs []domain.StageSpec, name string) domain.StageSpec {
	t.Helper()
	for _, s := range specs {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no stage %s", name)
	return domain.StageSpec{}
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished map[string]domain.InstanceStatus
	runs     []domain.RunStatus
}

func (o *recordingObserver) StageStarted(stage string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, stage)
}

func (o *recordingObserver) InstanceFinished(res domain.InstanceResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished == nil {
		o.finished = make(map[string]domain.InstanceStatus)
	}
	o.finished[res.Instance.ID()] = res.Status
}

func (o *recordingObserver) RunFinished(rep domain.RunReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, rep.Status)
}

func TestRunner_ObserverSeesEveryInstance(t *testing.T) {
	specs := []domain.StageSpec{
		{Name: "verify", Steps: step("true")},
		{Name: "build", Needs: []string{"verify"}, Matrix: []string{"x86_64", "aarch64"}, Steps: step("true")},
		{Name: "package", Needs: []string{"build"}, Steps: step("true")},
	}
	exec := &domain.MockExecutor{Fail: map[string]int{"build/aarch64": 1}}
	obs := &recordingObserver{}

	_, err := runGraph(t, context.Background(), exec, specs, RunnerOptions{Observer: obs})
	require.Error(t, err)

	assert.Equal(t, []string{"verify", "build"}, obs.started)
	assert.Equal(t, map[string]domain.InstanceStatus{
		"verify":        domain.InstanceSucceeded,
		"build/x86_64":  domain.InstanceSucceeded,
		"build/aarch64": domain.InstanceFailed,
		"package":       domain.InstanceSkipped,
	}, obs.finished)
	assert.Equal(t, []domain.RunStatus{domain.RunFailed}, obs.runs)
}
