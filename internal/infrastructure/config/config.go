package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/davarch/relpipe/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	HostGitHub = "github"
	HostMinIO  = "minio"
)

type Stage struct {
	Name    string            `yaml:"name"`
	Needs   []string          `yaml:"needs,omitempty"`
	Steps   [][]string        `yaml:"steps,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	Matrix  []string          `yaml:"matrix,omitempty"`
	Exclude []string          `yaml:"exclude,omitempty"`
	Outputs []string          `yaml:"outputs,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Retries int               `yaml:"retries,omitempty"`
	Publish bool              `yaml:"publish,omitempty"`
}

type Config struct {
	Repository string `yaml:"repository"`

	Release struct {
		Host          string `yaml:"host"`
		Title         string `yaml:"title"`
		GenerateNotes bool   `yaml:"generate_notes"`
	} `yaml:"release"`

	GitHub struct {
		BaseURL    string        `yaml:"base_url"`
		Repository string        `yaml:"repository"`
		Token      string        `yaml:"token,omitempty"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"github"`

	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key,omitempty"`
		SecretKey string `yaml:"secret_key,omitempty"`
		Bucket    string `yaml:"bucket"`
		Prefix    string `yaml:"prefix"`
		Region    string `yaml:"region,omitempty"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`

	Run struct {
		WorkDir     string        `yaml:"work_dir"`
		ArtifactDir string        `yaml:"artifact_dir"`
		MaxParallel int           `yaml:"max_parallel"`
		Timeout     time.Duration `yaml:"timeout"`
		RetryDelay  time.Duration `yaml:"retry_delay"`
		ReportPath  string        `yaml:"report_path"`
		TriggerFile string        `yaml:"trigger_file"`
		PauseFile   string        `yaml:"pause_file"`
	} `yaml:"run"`

	Stages []Stage `yaml:"stages"`
}

// Load reads the pipeline file, applies defaults and environment overrides.
// Release-host credentials are checked separately by CheckRelease, so that
// commands which never publish work without them.
func Load(path string) (Config, error) {
	var c Config

	c.Release.Host = HostGitHub
	c.Release.Title = "{repo} {version}"
	c.Release.GenerateNotes = true
	c.GitHub.BaseURL = "https://api.github.com"
	c.GitHub.Timeout = 30 * time.Second
	c.MinIO.Prefix = "releases"
	c.Run.WorkDir = "."
	c.Run.ArtifactDir = "dist/release"
	c.Run.Timeout = 2 * time.Hour
	c.Run.RetryDelay = 5 * time.Second
	c.Run.ReportPath = expandHome("~/.cache/relpipe/last_run.json")

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("RELPIPE_REPOSITORY"); v != "" {
		c.Repository = v
	}
	if v := os.Getenv("RELPIPE_RELEASE_HOST"); v != "" {
		c.Release.Host = v
	}
	if v := os.Getenv("RELPIPE_ARTIFACT_DIR"); v != "" {
		c.Run.ArtifactDir = v
	}
	if v := os.Getenv("RELPIPE_REPORT_PATH"); v != "" {
		c.Run.ReportPath = v
	}
	if v := os.Getenv("RELPIPE_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Run.MaxParallel = n
		}
	}
	if v := os.Getenv("RELPIPE_PAUSE_FILE"); v != "" {
		c.Run.PauseFile = v
	}
	if v := os.Getenv("RELPIPE_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Run.Timeout = d
		}
	}

	if v := os.Getenv("GITHUB_API_URL"); v != "" {
		c.GitHub.BaseURL = v
	}
	if v := os.Getenv("GITHUB_REPOSITORY"); v != "" {
		c.GitHub.Repository = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.GitHub.Token = v
	}

	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		c.MinIO.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.MinIO.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.MinIO.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		c.MinIO.Bucket = v
	}

	c.Run.ReportPath = expandHome(c.Run.ReportPath)
	c.Run.TriggerFile = expandHome(c.Run.TriggerFile)
	c.Run.PauseFile = expandHome(c.Run.PauseFile)

	if c.Repository == "" {
		if _, name, ok := strings.Cut(c.GitHub.Repository, "/"); ok {
			c.Repository = name
		}
	}
	if c.Repository == "" {
		return c, errors.New("repository name is required (repository or RELPIPE_REPOSITORY)")
	}
	if len(c.Stages) == 0 {
		return c, errors.New("no stages configured")
	}
	if c.Run.MaxParallel < 0 {
		c.Run.MaxParallel = 0
	}
	if c.GitHub.Timeout <= 0 {
		c.GitHub.Timeout = 30 * time.Second
	}

	return c, nil
}

// CheckRelease validates the settings of the selected release host.
func (c Config) CheckRelease() error {
	switch c.Release.Host {
	case HostGitHub:
		if c.GitHub.Token == "" {
			return errors.New("GITHUB_TOKEN is required")
		}
		if _, _, ok := strings.Cut(c.GitHub.Repository, "/"); !ok {
			return fmt.Errorf("github repository %q must be owner/name", c.GitHub.Repository)
		}
	case HostMinIO:
		if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
			return errors.New("minio endpoint and bucket are required")
		}
		if c.MinIO.AccessKey == "" || c.MinIO.SecretKey == "" {
			return errors.New("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required")
		}
	default:
		return fmt.Errorf("unknown release host %q", c.Release.Host)
	}
	return nil
}

// StageSpecs converts the configured stages, dropping excluded matrix values
// and resolving relative directories and outputs against the work dir.
func (c Config) StageSpecs() ([]domain.StageSpec, error) {
	out := make([]domain.StageSpec, 0, len(c.Stages))
	for _, s := range c.Stages {
		matrix := make([]string, 0, len(s.Matrix))
		for _, v := range s.Matrix {
			if !contains(s.Exclude, v) {
				matrix = append(matrix, v)
			}
		}
		if len(s.Matrix) > 0 && len(matrix) == 0 {
			return nil, &domain.InvalidStageError{Stage: s.Name, Reason: "every matrix value is excluded"}
		}

		dir := s.Dir
		if dir == "" {
			dir = c.Run.WorkDir
		} else if !filepath.IsAbs(dir) {
			dir = filepath.Join(c.Run.WorkDir, dir)
		}

		outputs := make([]string, 0, len(s.Outputs))
		for _, o := range s.Outputs {
			if !filepath.IsAbs(o) {
				o = filepath.Join(dir, o)
			}
			outputs = append(outputs, o)
		}

		out = append(out, domain.StageSpec{
			Name:    s.Name,
			Needs:   s.Needs,
			Steps:   s.Steps,
			Env:     s.Env,
			Dir:     dir,
			Matrix:  matrix,
			Outputs: outputs,
			Timeout: s.Timeout,
			Retries: s.Retries,
			Publish: s.Publish,
		})
	}
	return out, nil
}

// SetExcluded adds axis to (or removes it from) the stage's exclude list.
// It reports whether the configuration changed.
func (c *Config) SetExcluded(stage, axis string, excluded bool) (bool, error) {
	for i := range c.Stages {
		s := &c.Stages[i]
		if s.Name != stage {
			continue
		}
		if !contains(s.Matrix, axis) {
			return false, fmt.Errorf("stage %q has no matrix value %q", stage, axis)
		}
		if excluded == contains(s.Exclude, axis) {
			return false, nil
		}
		if excluded {
			s.Exclude = append(s.Exclude, axis)
			return true, nil
		}
		kept := s.Exclude[:0]
		for _, v := range s.Exclude {
			if v != axis {
				kept = append(kept, v)
			}
		}
		s.Exclude = kept
		return true, nil
	}
	return false, fmt.Errorf("stage %q not found", stage)
}

// Save writes c atomically. Secrets taken from the environment are not
// written back.
func Save(path string, c Config) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lockFile := path + ".lock"
	lf, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	if os.Getenv("GITHUB_TOKEN") != "" {
		c.GitHub.Token = ""
	}
	if os.Getenv("MINIO_ACCESS_KEY") != "" || os.Getenv("MINIO_SECRET_KEY") != "" {
		c.MinIO.AccessKey, c.MinIO.SecretKey = "", ""
	}

	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}
