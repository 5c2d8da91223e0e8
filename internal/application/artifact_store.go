package application

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/davarch/relpipe/internal/domain"
)

// ArtifactStore is the run's artifact manifest. It records keys and file
// paths only; file contents stay on disk until Stage copies them.
type ArtifactStore struct {
	mu      sync.Mutex
	entries map[domain.ArtifactKey]domain.Artifact
	stages  []string
	axes    map[string]map[string]int
}

func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{
		entries: make(map[domain.ArtifactKey]domain.Artifact),
		axes:    make(map[string]map[string]int),
	}
}

// Declare records a stage's axis order so Collect and All can return
// artifacts in that order regardless of completion order.
func (s *ArtifactStore) Declare(stage string, axes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.axes[stage]; !ok {
		s.stages = append(s.stages, stage)
	}
	order := make(map[string]int, len(axes))
	for i, a := range axes {
		order[a] = i
	}
	s.axes[stage] = order
}

func (s *ArtifactStore) Put(key domain.ArtifactKey, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return &domain.DuplicateArtifactError{Key: key}
	}
	if _, ok := s.axes[key.Stage]; !ok {
		s.stages = append(s.stages, key.Stage)
		s.axes[key.Stage] = map[string]int{}
	}
	s.entries[key] = domain.Artifact{Key: key, Path: path}
	return nil
}

// Collect returns a stage's artifacts ordered by axis, then by name.
func (s *ArtifactStore) Collect(stage string) []domain.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(stage)
}

// All returns every artifact, stages in declaration order.
func (s *ArtifactStore) All() []domain.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Artifact
	for _, st := range s.stages {
		out = append(out, s.collectLocked(st)...)
	}
	return out
}

func (s *ArtifactStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *ArtifactStore) collectLocked(stage string) []domain.Artifact {
	var out []domain.Artifact
	for k, a := range s.entries {
		if k.Stage == stage {
			out = append(out, a)
		}
	}

	order := s.axes[stage]
	rank := func(axis string) int {
		if r, ok := order[axis]; ok {
			return r
		}
		return len(order)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].Key, out[j].Key
		if ri, rj := rank(ai.Axis), rank(aj.Axis); ri != rj {
			return ri < rj
		}
		if ai.Axis != aj.Axis {
			return ai.Axis < aj.Axis
		}
		return ai.Name < aj.Name
	})
	return out
}

// Stage copies artifacts into dir as a flat set of files and returns them
// with Path, Size and SHA256 pointing at the staged copies. Two artifacts
// with the same file name cannot share the flat directory.
func Stage(dir string, artifacts []domain.Artifact) ([]domain.Artifact, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	seen := make(map[string]domain.ArtifactKey, len(artifacts))
	out := make([]domain.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		name := filepath.Base(a.Path)
		if _, ok := seen[name]; ok {
			return nil, &domain.DuplicateArtifactError{Key: a.Key}
		}
		seen[name] = a.Key

		dst := filepath.Join(dir, name)
		size, sum, err := copyFile(a.Path, dst)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", a.Key, err)
		}
		out = append(out, domain.Artifact{Key: a.Key, Path: dst, Size: size, SHA256: sum})
	}
	return out, nil
}

func copyFile(src, dst string) (_ int64, _ string, rerr error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = in.Close() }()

	abs, _ := filepath.Abs(src)
	absDst, _ := filepath.Abs(dst)
	h := sha256.New()
	if abs == absDst {
		n, err := io.Copy(h, in)
		return n, hex.EncodeToString(h.Sum(nil)), err
	}

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, "", err
	}
	defer func() {
		_ = out.Close()
		if rerr != nil {
			_ = os.Remove(tmp)
		}
	}()

	n, err := io.Copy(io.MultiWriter(out, h), in)
	if err != nil {
		return 0, "", err
	}
	if err := out.Sync(); err != nil {
		return 0, "", err
	}
	if err := out.Close(); err != nil {
		return 0, "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
