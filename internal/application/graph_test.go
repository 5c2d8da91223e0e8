package application

import (
	"errors"
	"testing"

	"github.com/davarch/relpipe/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(args ...string) [][]string { return [][]string{args} }

func TestBuildGraph_ReleaseLayers(t *testing.T) {
	g, err := BuildGraph(releaseSpecs(t.TempDir()))
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"verify"}, {"build"}, {"publish"}}, g.Layers())
}

func TestBuildGraph_DiamondSharesLayer(t *testing.T) {
	g, err := BuildGraph([]domain.StageSpec{
		{Name: "d", Needs: []string{"b", "c"}, Steps: step("true")},
		{Name: "a", Steps: step("true")},
		{Name: "b", Needs: []string{"a"}, Steps: step("true")},
		{Name: "c", Needs: []string{"a"}, Steps: step("true")},
		{Name: "lint", Steps: step("true")},
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "lint"}, {"b", "c"}, {"d"}}, g.Layers())
}

func TestBuildGraph_Cycle(t *testing.T) {
	_, err := BuildGraph([]domain.StageSpec{
		{Name: "a", Needs: []string{"c"}, Steps: step("true")},
		{Name: "b", Needs: []string{"a"}, Steps: step("true")},
		{Name: "c", Needs: []string{"b"}, Steps: step("true")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	var cyc *domain.CycleError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, []string{"a", "c", "b", "a"}, cyc.Path)
}

func TestBuildGraph_SelfDependency(t *testing.T) {
	_, err := BuildGraph([]domain.StageSpec{{Name: "a", Needs: []string{"a"}, Steps: step("true")}})

	var cyc *domain.CycleError
	require.True(t, errors.As(err, &cyc))
}

func TestBuildGraph_ConfigurationErrors(t *testing.T) {
	cases := map[string][]domain.StageSpec{
		"unknown dependency": {{Name: "a", Needs: []string{"nope"}, Steps: step("true")}},
		"duplicate stage":    {{Name: "a", Steps: step("true")}, {Name: "a", Steps: step("true")}},
		"duplicate axis":     {{Name: "a", Matrix: []string{"x", "x"}, Steps: step("true")}},
		"empty name":         {{Steps: step("true")}},
		"no steps":           {{Name: "a"}},
		"publish matrix":     {{Name: "p", Publish: true, Matrix: []string{"x"}}},
		"publish retries":    {{Name: "p", Publish: true, Retries: 2}},
		"publish steps":      {{Name: "p", Publish: true, Steps: step("true")}},
		"publish outputs":    {{Name: "p", Publish: true, Outputs: []string{"x.zip"}}},
		"publish env":        {{Name: "p", Publish: true, Env: map[string]string{"A": "b"}}},
	}
	for name, specs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := BuildGraph(specs)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}

func TestBuildGraph_CycleRejectedBeforeAnyExecution(t *testing.T) {
	exec := &domain.MockExecutor{}
	specs := releaseSpecs(t.TempDir())
	specs[0].Needs = []string{"publish"}

	g, err := BuildGraph(specs)
	require.Error(t, err)
	assert.Nil(t, g)
	assert.Zero(t, exec.CallCount())
}
