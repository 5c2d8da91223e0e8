package domain

import "context"

// StageExecutor runs the steps of one instance. A non-nil error fails the
// instance; a context error means it was cancelled.
type StageExecutor interface {
	Execute(ctx context.Context, inst StageInstance) (ExecResult, error)
}

type ReleaseHost interface {
	ReleaseExists(ctx context.Context, tag Version) (bool, error)
	CreateRelease(ctx context.Context, req ReleaseRequest) (ReleaseRecord, error)
	UploadAsset(ctx context.Context, rel ReleaseRecord, a Artifact) error
}

type Notifier interface {
	Notify(ctx context.Context, title, body, url string) error
}

type ReportSink interface {
	Write(ctx context.Context, r RunReport) error
}

type RunObserver interface {
	StageStarted(stage string)
	InstanceFinished(res InstanceResult)
	RunFinished(rep RunReport)
}
