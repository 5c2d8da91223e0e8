package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration matches every error that makes a pipeline definition or
// trigger unusable. Such errors are reported before any stage runs.
var ErrConfiguration = errors.New("configuration error")

type configError struct{}

func (configError) Is(target error) bool { return target == ErrConfiguration }

type CycleError struct {
	configError
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

type DuplicateAxisError struct {
	configError
	Stage string
	Axis  string
}

func (e *DuplicateAxisError) Error() string {
	return fmt.Sprintf("stage %q: duplicate matrix value %q", e.Stage, e.Axis)
}

type DuplicateStageError struct {
	configError
	Stage string
}

func (e *DuplicateStageError) Error() string {
	return fmt.Sprintf("stage %q declared more than once", e.Stage)
}

type UnknownDependencyError struct {
	configError
	Stage      string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("stage %q needs unknown stage %q", e.Stage, e.Dependency)
}

type InvalidStageError struct {
	configError
	Stage  string
	Reason string
}

func (e *InvalidStageError) Error() string {
	return fmt.Sprintf("stage %q: %s", e.Stage, e.Reason)
}

type InvalidTagError struct {
	configError
	Tag string
}

func (e *InvalidTagError) Error() string {
	return fmt.Sprintf("tag %q does not match vMAJOR.MINOR.PATCH", e.Tag)
}

// StageExecutionError is a command of a stage instance that did not
// complete successfully. Step is the zero-based index of the command.
type StageExecutionError struct {
	Instance string
	Step     int
	ExitCode int
	Err      error
}

func (e *StageExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: step %d: %v", e.Instance, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: step %d exited with status %d", e.Instance, e.Step, e.ExitCode)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

type DuplicateArtifactError struct {
	Key ArtifactKey
}

func (e *DuplicateArtifactError) Error() string {
	return fmt.Sprintf("artifact %s already registered", e.Key)
}

type ReleaseAlreadyExistsError struct {
	Tag Version
}

func (e *ReleaseAlreadyExistsError) Error() string {
	return fmt.Sprintf("release %s already exists", e.Tag)
}

type AssetFailure struct {
	Name string
	Err  error
}

// PublishPartialFailure reports a release that was created but not every
// artifact could be attached to it.
type PublishPartialFailure struct {
	Tag       Version
	Release   ReleaseRecord
	Succeeded []string
	Failed    []AssetFailure
}

func (e *PublishPartialFailure) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		names = append(names, f.Name)
	}
	return fmt.Sprintf("release %s: %d of %d artifacts failed to upload: %s",
		e.Tag, len(e.Failed), len(e.Failed)+len(e.Succeeded), strings.Join(names, ", "))
}

func (e *PublishPartialFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// ErrRunCancelled is returned for a run whose context was cancelled before
// every instance succeeded.
var ErrRunCancelled = errors.New("pipeline run cancelled")

// PipelineFailedError lists failed instances in execution order. Errors
// holds the cause of each, so callers can match specific failures.
type PipelineFailedError struct {
	Failed []string
	Errors []error
}

func (e *PipelineFailedError) Error() string {
	return "pipeline failed: [" + strings.Join(e.Failed, ", ") + "]"
}

func (e *PipelineFailedError) Unwrap() []error { return e.Errors }
