package report_fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/davarch/relpipe/internal/domain"
)

// FSReport writes the last run report as JSON.
type FSReport struct {
	path string
}

func New(path string) *FSReport { return &FSReport{path: path} }

type instanceOut struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
	Millis   int64  `json:"duration_ms"`
}

type artifactOut struct {
	Key    string `json:"key"`
	Path   string `json:"path"`
	Size   int64  `json:"size,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

type reportOut struct {
	RunID      string        `json:"run_id"`
	Tag        string        `json:"tag"`
	Commit     string        `json:"commit,omitempty"`
	Status     string        `json:"status"`
	Failed     []string      `json:"failed,omitempty"`
	Instances  []instanceOut `json:"instances"`
	Artifacts  []artifactOut `json:"artifacts"`
	ReleaseURL string        `json:"release_url,omitempty"`
	Started    time.Time     `json:"started"`
	Finished   time.Time     `json:"finished"`
}

func (c *FSReport) Write(_ context.Context, r domain.RunReport) error {
	if c.path == "" {
		return errors.New("report path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}

	out := reportOut{
		RunID:     r.RunID,
		Tag:       string(r.Tag),
		Commit:    r.Commit,
		Status:    string(r.Status),
		Failed:    r.Failed,
		Instances: make([]instanceOut, 0, len(r.Instances)),
		Artifacts: make([]artifactOut, 0, len(r.Artifacts)),
		Started:   r.Started,
		Finished:  r.Finished,
	}
	for _, in := range r.Instances {
		row := instanceOut{
			ID:       in.Instance.ID(),
			Status:   string(in.Status),
			ExitCode: in.ExitCode,
			Attempts: in.Attempts,
			Millis:   in.Finished.Sub(in.Started).Milliseconds(),
		}
		if in.Err != nil {
			row.Error = in.Err.Error()
		}
		out.Instances = append(out.Instances, row)
	}
	artifacts := r.Artifacts
	if r.Release != nil {
		out.ReleaseURL = r.Release.URL
		if len(r.Release.Artifacts) > 0 {
			artifacts = r.Release.Artifacts
		}
	}
	for _, a := range artifacts {
		out.Artifacts = append(out.Artifacts, artifactOut{Key: a.Key.String(), Path: a.Path, Size: a.Size, SHA256: a.SHA256})
	}

	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
