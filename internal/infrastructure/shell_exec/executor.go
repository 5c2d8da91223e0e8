package shell_exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/davarch/relpipe/internal/domain"
	"go.uber.org/zap"
)

// Executor runs instance steps as child processes. Partial outputs of a
// failed step are left in place.
type Executor struct {
	log *zap.Logger
	// Stream, when set, receives the combined output of every step as it
	// is produced.
	Stream io.Writer
	// KillGrace is how long a cancelled step has between SIGTERM and SIGKILL.
	KillGrace time.Duration
}

func New(l *zap.Logger) *Executor {
	return &Executor{log: l, KillGrace: 10 * time.Second}
}

func (e *Executor) Execute(ctx context.Context, inst domain.StageInstance) (domain.ExecResult, error) {
	id := inst.ID()
	runCtx := ctx
	if inst.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inst.Timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	out := io.Writer(&buf)
	if e.Stream != nil {
		out = io.MultiWriter(&buf, &prefixWriter{prefix: "[" + id + "] ", w: e.Stream})
	}

	env := environ(inst)
	for i, step := range inst.Steps {
		if len(step) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return domain.ExecResult{ExitCode: -1, Output: buf.Bytes()}, err
		}

		e.log.Debug("step", zap.String("instance", id), zap.Int("step", i), zap.Strings("argv", step))

		cmd := exec.CommandContext(runCtx, step[0], step[1:]...)
		cmd.Dir = inst.Dir
		cmd.Env = env
		cmd.Stdout = out
		cmd.Stderr = out
		// own process group, so SIGTERM reaches everything the step spawned
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM) }
		cmd.WaitDelay = e.KillGrace

		err := cmd.Run()
		if err == nil {
			continue
		}

		res := domain.ExecResult{ExitCode: -1, Output: buf.Bytes()}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if runCtx.Err() != nil {
			return res, &domain.StageExecutionError{Instance: id, Step: i, ExitCode: -1,
				Err: fmt.Errorf("timed out after %s: %w", inst.Timeout, runCtx.Err())}
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &domain.StageExecutionError{Instance: id, Step: i, ExitCode: res.ExitCode}
		}
		return res, &domain.StageExecutionError{Instance: id, Step: i, ExitCode: -1, Err: err}
	}

	produced := make([]string, 0, len(inst.Outputs))
	for _, p := range inst.Outputs {
		if !filepath.IsAbs(p) && inst.Dir != "" {
			p = filepath.Join(inst.Dir, p)
		}
		st, err := os.Stat(p)
		if err != nil || st.IsDir() {
			return domain.ExecResult{ExitCode: 0, Output: buf.Bytes()}, &domain.StageExecutionError{
				Instance: id, Step: len(inst.Steps), Err: fmt.Errorf("declared output %s not produced", p),
			}
		}
		produced = append(produced, p)
	}

	return domain.ExecResult{ExitCode: 0, Output: buf.Bytes(), Artifacts: produced}, nil
}

func environ(inst domain.StageInstance) []string {
	env := os.Environ()
	env = append(env,
		"RELPIPE_STAGE="+inst.Stage,
		"RELPIPE_AXIS="+inst.Axis,
	)
	keys := make([]string, 0, len(inst.Env))
	for k := range inst.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+inst.Env[k])
	}
	return env
}

// prefixWriter tags every line written to w. Concurrent instances share the
// stream, so whole lines are written at once.
type prefixWriter struct {
	prefix string
	w      io.Writer
	line   []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	n := len(b)
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			p.line = append(p.line, b...)
			break
		}
		p.line = append(p.line, b[:i+1]...)
		if _, err := p.w.Write(append([]byte(p.prefix), p.line...)); err != nil {
			return 0, err
		}
		p.line = p.line[:0]
		b = b[i+1:]
	}
	return n, nil
}
