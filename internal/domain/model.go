package domain

import (
	"regexp"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

var versionPattern = regexp.MustCompile(`^v\d+\.\d+\.\d+(-.*)?$`)

// Version is a release tag of the form vMAJOR.MINOR.PATCH[-suffix].
type Version string

func ParseVersion(s string) (Version, error) {
	if !versionPattern.MatchString(s) {
		return "", &InvalidTagError{Tag: s}
	}
	return Version(s), nil
}

func (v Version) String() string { return string(v) }

// Prerelease reports whether the tag carries a semver prerelease suffix.
func (v Version) Prerelease() bool {
	return semver.Prerelease(string(v)) != ""
}

type Trigger struct {
	Tag    Version
	Commit string
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstanceSucceeded InstanceStatus = "succeeded"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
	InstanceSkipped   InstanceStatus = "skipped"
)

// StageSpec is one node of the pipeline graph as declared in configuration.
// Steps, Dir, Env values and Outputs are templates; see Vars.
type StageSpec struct {
	Name    string
	Needs   []string
	Steps   [][]string
	Env     map[string]string
	Dir     string
	Matrix  []string
	Outputs []string
	Timeout time.Duration
	Retries int
	Publish bool
}

// StageInstance is a StageSpec materialized for a single axis value.
type StageInstance struct {
	Stage   string
	Axis    string
	Steps   [][]string
	Env     map[string]string
	Dir     string
	Outputs []string
	Timeout time.Duration
	Retries int
	Publish bool
}

// ID is the stage name, suffixed with "/axis" for matrix instances.
func (i StageInstance) ID() string {
	if i.Axis == "" {
		return i.Stage
	}
	return i.Stage + "/" + i.Axis
}

type ArtifactKey struct {
	Stage string
	Axis  string
	Name  string
}

func (k ArtifactKey) String() string {
	return k.Stage + "/" + k.Axis + "/" + k.Name
}

// Artifact references a file on disk. Size and SHA256 are filled once the
// file has been staged for publication.
type Artifact struct {
	Key    ArtifactKey
	Path   string
	Size   int64
	SHA256 string
}

type ExecResult struct {
	ExitCode  int
	Output    []byte
	Artifacts []string
}

type InstanceResult struct {
	Instance StageInstance
	Status   InstanceStatus
	ExitCode int
	Output   []byte
	Err      error
	Attempts int
	Started  time.Time
	Finished time.Time
}

type ReleaseRequest struct {
	Tag           Version
	Commit        string
	Title         string
	Description   string
	GenerateNotes bool
	Prerelease    bool
}

type ReleaseRecord struct {
	ID          string
	Tag         Version
	Title       string
	Description string
	URL         string
	Artifacts   []Artifact
	CreatedAt   time.Time
}

// PipelineRun is created per trigger. Only its aggregate status changes
// after creation.
type PipelineRun struct {
	ID      string
	Tag     Version
	Commit  string
	Created time.Time

	mu     sync.RWMutex
	status RunStatus
}

func NewPipelineRun(id string, t Trigger, now time.Time) *PipelineRun {
	return &PipelineRun{ID: id, Tag: t.Tag, Commit: t.Commit, Created: now, status: RunPending}
}

func (r *PipelineRun) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *PipelineRun) SetStatus(s RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

type RunReport struct {
	RunID     string
	Tag       Version
	Commit    string
	Status    RunStatus
	Failed    []string
	Instances []InstanceResult
	Artifacts []Artifact
	Release   *ReleaseRecord
	Started   time.Time
	Finished  time.Time
}
