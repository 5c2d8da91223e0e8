package application

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/davarch/relpipe/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func releaseSpecs(dir string) []domain.StageSpec {
	return []domain.StageSpec{
		{Name: "verify", Steps: step("make", "test")},
		{
			Name:    "build",
			Needs:   []string{"verify"},
			Matrix:  []string{"x86_64", "aarch64"},
			Steps:   step("make", "build", "TARGET={axis}"),
			Outputs: []string{filepath.Join(dir, "{axis}", "{artifact}.zip")},
		},
		{Name: "publish", Needs: []string{"build"}, Publish: true},
	}
}

type fixture struct {
	uc     *PipelineUseCase
	exec   *domain.MockExecutor
	host   *domain.MockReleaseHost
	note   *domain.MockNotifier
	report *domain.MockReport
	stage  string
}

func newFixture(t *testing.T, exec *domain.MockExecutor, host *domain.MockReleaseHost) *fixture {
	t.Helper()
	g, err := BuildGraph(releaseSpecs(t.TempDir()))
	require.NoError(t, err)

	exec.WriteOutputs = true
	f := &fixture{exec: exec, host: host, note: &domain.MockNotifier{}, report: &domain.MockReport{}, stage: t.TempDir()}
	f.uc = NewPipelineUseCase(zap.NewNop(), g, exec, NewPublisher(zap.NewNop(), host), f.note, f.report,
		PipelineSettings{Repo: "app", ArtifactDir: f.stage, ReleaseTitle: "{repo} {version}", GenerateNotes: true},
		RunnerOptions{},
	)
	return f
}

func TestExecute_AllStagesSucceedAndPublish(t *testing.T) {
	f := newFixture(t, &domain.MockExecutor{}, &domain.MockReleaseHost{})

	rep, err := f.uc.Execute(context.Background(), domain.Trigger{Tag: "v1.2.0", Commit: "abc123"})
	require.NoError(t, err)

	assert.Equal(t, domain.RunSucceeded, rep.Status)
	assert.Empty(t, rep.Failed)
	assert.Len(t, rep.Instances, 4)
	assert.Equal(t, 3, f.exec.CallCount(), "publish does not go through the command executor")

	assert.Equal(t, []string{"app_x86_64_v1.2.0.zip", "app_aarch64_v1.2.0.zip"}, f.host.Uploaded)
	require.NotNil(t, rep.Release)
	assert.Equal(t, "app v1.2.0", rep.Release.Title)
	require.Len(t, rep.Release.Artifacts, 2)
	assert.Equal(t, filepath.Join(f.stage, "v1.2.0", "app_x86_64_v1.2.0.zip"), rep.Release.Artifacts[0].Path)
	assert.NotEmpty(t, rep.Release.Artifacts[0].SHA256)
	assert.Contains(t, rep.Release.Description, "app_aarch64_v1.2.0.zip")

	require.Len(t, f.report.Reports, 1)
	require.Len(t, f.note.Messages, 1)
	assert.Contains(t, f.note.Messages[0], "succeeded")
}

func TestExecute_VerifyFailureStopsEverything(t *testing.T) {
	f := newFixture(t, &domain.MockExecutor{Fail: map[string]int{"verify": 1}}, &domain.MockReleaseHost{})

	rep, err := f.uc.Execute(context.Background(), domain.Trigger{Tag: "v1.2.0", Commit: "abc123"})

	var failed *domain.PipelineFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, []string{"verify"}, failed.Failed)
	assert.Equal(t, domain.RunFailed, rep.Status)
	assert.Equal(t, []string{"verify"}, f.exec.Calls)
	assert.Zero(t, f.host.CreateCalls)

	var exec *domain.StageExecutionError
	assert.True(t, errors.As(err, &exec))
}

func TestExecute_OneMatrixInstanceFails(t *testing.T) {
	f := newFixture(t, &domain.MockExecutor{Fail: map[string]int{"build/aarch64": 2}}, &domain.MockReleaseHost{})

	rep, err := f.uc.Execute(context.Background(), domain.Trigger{Tag: "v1.2.0", Commit: "abc123"})

	var failed *domain.PipelineFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, []string{"build/aarch64"}, rep.Failed)
	assert.True(t, f.exec.Called("build/x86_64"))
	assert.Zero(t, f.host.CreateCalls)
	assert.Nil(t, rep.Release)

	require.Len(t, rep.Artifacts, 1)
	assert.Equal(t, "x86_64", rep.Artifacts[0].Key.Axis)

	statuses := map[string]domain.InstanceStatus{}
	for _, in := range rep.Instances {
		statuses[in.Instance.ID()] = in.Status
	}
	assert.Equal(t, domain.InstanceSucceeded, statuses["build/x86_64"])
	assert.Equal(t, domain.InstanceFailed, statuses["build/aarch64"])
	assert.Equal(t, domain.InstanceSkipped, statuses["publish"])
}

func TestExecute_ExistingReleaseSurfaces(t *testing.T) {
	host := &domain.MockReleaseHost{Releases: map[domain.Version]domain.ReleaseRecord{"v1.0.0": {Tag: "v1.0.0"}}}
	f := newFixture(t, &domain.MockExecutor{}, host)

	rep, err := f.uc.Execute(context.Background(), domain.Trigger{Tag: "v1.0.0"})

	var exists *domain.ReleaseAlreadyExistsError
	require.True(t, errors.As(err, &exists))
	assert.Equal(t, []string{"publish"}, rep.Failed)
	assert.Empty(t, host.Uploaded)
}

func TestExecute_PartialUploadFailureSurfaces(t *testing.T) {
	host := &domain.MockReleaseHost{FailUploads: map[string]error{"app_aarch64_v1.0.0.zip": errors.New("502")}}
	f := newFixture(t, &domain.MockExecutor{}, host)
	// a publish stage that slipped past validation with retries must still run once
	f.uc.graph.stages[2].Retries = 2

	rep, err := f.uc.Execute(context.Background(), domain.Trigger{Tag: "v1.0.0"})

	var partial *domain.PublishPartialFailure
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, []string{"app_x86_64_v1.0.0.zip"}, partial.Succeeded)
	require.Len(t, partial.Failed, 1)
	assert.Equal(t, "app_aarch64_v1.0.0.zip", partial.Failed[0].Name)

	var exists *domain.ReleaseAlreadyExistsError
	assert.False(t, errors.As(err, &exists))
	assert.Equal(t, 1, host.CreateCalls)
	assert.Equal(t, []string{"publish"}, rep.Failed)
	require.NotNil(t, rep.Release)
}

func TestExecute_InvalidTagRejectedBeforeAnyStage(t *testing.T) {
	f := newFixture(t, &domain.MockExecutor{}, &domain.MockReleaseHost{})

	_, err := f.uc.Execute(context.Background(), domain.Trigger{Tag: "1.2.0"})

	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Zero(t, f.exec.CallCount())
	assert.Empty(t, f.report.Reports)
}
