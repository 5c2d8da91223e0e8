package domain

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MockExecutor succeeds every instance unless told otherwise. Events records
// "start:<id>" and "end:<id>" in the order they happened. FailTimes fails
// the first n calls of an instance with exit status 1.
type MockExecutor struct {
	Fail         map[string]int
	FailTimes    map[string]int
	Errs         map[string]error
	Delay        map[string]time.Duration
	WriteOutputs bool

	mu     sync.Mutex
	Calls  []string
	Events []string
}

func (m *MockExecutor) Execute(ctx context.Context, inst StageInstance) (ExecResult, error) {
	id := inst.ID()
	m.record("start:"+id, id)
	defer m.record("end:"+id, "")

	if d := m.Delay[id]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ExecResult{ExitCode: -1}, ctx.Err()
		}
	}
	if err := m.Errs[id]; err != nil {
		return ExecResult{ExitCode: -1}, err
	}
	if m.failAttempt(id) {
		return ExecResult{ExitCode: 1}, &StageExecutionError{Instance: id, ExitCode: 1}
	}
	if code := m.Fail[id]; code != 0 {
		return ExecResult{ExitCode: code}, &StageExecutionError{Instance: id, ExitCode: code}
	}

	if m.WriteOutputs {
		for _, p := range inst.Outputs {
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return ExecResult{}, err
			}
			if err := os.WriteFile(p, []byte(id), 0o644); err != nil {
				return ExecResult{}, err
			}
		}
	}
	return ExecResult{Output: []byte("ok " + id), Artifacts: inst.Outputs}, nil
}

func (m *MockExecutor) failAttempt(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == id {
			n++
		}
	}
	return n <= m.FailTimes[id]
}

func (m *MockExecutor) record(ev, call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, ev)
	if call != "" {
		m.Calls = append(m.Calls, call)
	}
}

func (m *MockExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

func (m *MockExecutor) Called(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Calls {
		if c == id {
			return true
		}
	}
	return false
}

type MockReleaseHost struct {
	FailUploads map[string]error
	ExistsErr   error
	CreateErr   error

	mu          sync.Mutex
	Releases    map[Version]ReleaseRecord
	Uploaded    []string
	CreateCalls int
}

func (h *MockReleaseHost) ReleaseExists(ctx context.Context, tag Version) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ExistsErr != nil {
		return false, h.ExistsErr
	}
	_, ok := h.Releases[tag]
	return ok, nil
}

func (h *MockReleaseHost) CreateRelease(ctx context.Context, req ReleaseRequest) (ReleaseRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CreateCalls++
	if h.CreateErr != nil {
		return ReleaseRecord{}, h.CreateErr
	}
	if h.Releases == nil {
		h.Releases = make(map[Version]ReleaseRecord)
	}
	rec := ReleaseRecord{
		ID:          string(req.Tag),
		Tag:         req.Tag,
		Title:       req.Title,
		Description: req.Description,
		URL:         "https://releases.example/" + string(req.Tag),
		CreatedAt:   time.Now(),
	}
	h.Releases[req.Tag] = rec
	return rec, nil
}

func (h *MockReleaseHost) UploadAsset(ctx context.Context, rel ReleaseRecord, a Artifact) error {
	name := filepath.Base(a.Path)
	if err := h.FailUploads[name]; err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Uploaded = append(h.Uploaded, name)
	return nil
}

type MockNotifier struct {
	Messages []string
	Err      error
}

func (n *MockNotifier) Notify(ctx context.Context, title, body, url string) error {
	n.Messages = append(n.Messages, title+"|"+body+"|"+url)
	return n.Err
}

type MockReport struct {
	Reports []RunReport
	Err     error
}

func (c *MockReport) Write(ctx context.Context, r RunReport) error {
	if c.Err != nil {
		return c.Err
	}
	c.Reports = append(c.Reports, r)
	return nil
}
