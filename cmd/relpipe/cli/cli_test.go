package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davarch/relpipe/internal/domain"
	"github.com/davarch/relpipe/internal/infrastructure/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testYAML = `
repository: app
stages:
  - name: verify
    steps: [[make, test]]
  - name: build
    needs: [verify]
    matrix: [x86_64, aarch64]
    steps: [[make, "TARGET={axis}"]]
    outputs: ["dist/{artifact}.zip"]
  - name: publish
    needs: [build]
    publish: true
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "relpipe.yaml")
	require.NoError(t, os.WriteFile(p, []byte(testYAML), 0o644))
	return p
}

func TestParseTrigger(t *testing.T) {
	trig, err := parseTrigger("# next release\n\nv1.4.0 abc123\n")
	require.NoError(t, err)
	assert.Equal(t, domain.Trigger{Tag: "v1.4.0", Commit: "abc123"}, trig)

	trig, err = parseTrigger("v2.0.0-rc.1")
	require.NoError(t, err)
	assert.Equal(t, domain.Version("v2.0.0-rc.1"), trig.Tag)
	assert.Empty(t, trig.Commit)

	_, err = parseTrigger("1.0.0 abc")
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = parseTrigger("v1.0.0 a b")
	assert.Error(t, err)

	_, err = parseTrigger("  \n# only comments\n")
	assert.EqualError(t, err, "trigger file is empty")
}

func TestWatchTriggerFile_SendsAfterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release.trigger")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan domain.Trigger, 1)
	require.NoError(t, watchTriggerFile(ctx, zap.NewNop(), path, out))

	require.NoError(t, os.WriteFile(path, []byte("v1.2.0 deadbeef\n"), 0o644))

	select {
	case trig := <-out:
		assert.Equal(t, domain.Version("v1.2.0"), trig.Tag)
		assert.Equal(t, "deadbeef", trig.Commit)
	case <-time.After(5 * time.Second):
		t.Fatal("no trigger received")
	}
}

func TestInstanceRows(t *testing.T) {
	cfg, err := config.Load(writeTestConfig(t))
	require.NoError(t, err)

	rows, err := instanceRows(cfg, "v1.0.0")
	require.NoError(t, err)

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"verify", "build/x86_64", "build/aarch64", "publish"}, ids)
	assert.Equal(t, []string{"make TARGET=aarch64"}, rows[2].Steps)
	assert.Equal(t, filepath.Join(".", "dist", "app_aarch64_v1.0.0.zip"), rows[2].Outputs[0])

	_, err = instanceRows(cfg, "latest")
	assert.Error(t, err)
}

func TestSetExcluded_SavesConfig(t *testing.T) {
	cfgPath = writeTestConfig(t)

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	require.NoError(t, setExcluded(cmd, "build", "aarch64", true))
	assert.Equal(t, "disabled: build/aarch64\n", buf.String())

	buf.Reset()
	require.NoError(t, setExcluded(cmd, "build", "aarch64", true))
	assert.Contains(t, buf.String(), "no change")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"aarch64"}, cfg.Stages[1].Exclude)

	assert.Error(t, setExcluded(cmd, "build", "mips", true))
}

func TestCompleteAxis(t *testing.T) {
	cfgPath = writeTestConfig(t)

	got, _ := completeAxis(nil, nil, "")
	assert.Equal(t, []string{"build"}, got)

	got, _ = completeAxis(nil, []string{"build"}, "a")
	assert.Equal(t, []string{"aarch64"}, got)
}
