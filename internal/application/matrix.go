package application

import (
	"strings"

	"github.com/davarch/relpipe/internal/domain"
)

// Vars are the run-wide values substituted into stage templates.
//
// Placeholders: {repo} {stage} {axis} {version} {commit} {artifact}, where
// {artifact} expands to the artifact base name {repo}_{axis}_{version}.
type Vars struct {
	Repo    string
	Version domain.Version
	Commit  string
}

// ArtifactBaseName is the release file name without extension.
func ArtifactBaseName(repo, axis string, v domain.Version) string {
	if axis == "" {
		return repo + "_" + string(v)
	}
	return repo + "_" + axis + "_" + string(v)
}

// Expand materializes one instance per matrix value, in matrix order, or a
// single instance with an empty axis when the stage has no matrix. It has no
// side effects and returns the same result for the same input.
func Expand(spec domain.StageSpec, vars Vars) ([]domain.StageInstance, error) {
	if err := checkAxis(spec); err != nil {
		return nil, err
	}

	axes := spec.Matrix
	if len(axes) == 0 {
		axes = []string{""}
	}

	out := make([]domain.StageInstance, 0, len(axes))
	for _, axis := range axes {
		r := replacer(spec.Name, axis, vars)

		steps := make([][]string, len(spec.Steps))
		for i, step := range spec.Steps {
			steps[i] = make([]string, len(step))
			for j, arg := range step {
				steps[i][j] = r.Replace(arg)
			}
		}

		var env map[string]string
		if len(spec.Env) > 0 {
			env = make(map[string]string, len(spec.Env))
			for k, v := range spec.Env {
				env[k] = r.Replace(v)
			}
		}

		outputs := make([]string, len(spec.Outputs))
		for i, o := range spec.Outputs {
			outputs[i] = r.Replace(o)
		}

		out = append(out, domain.StageInstance{
			Stage:   spec.Name,
			Axis:    axis,
			Steps:   steps,
			Env:     env,
			Dir:     r.Replace(spec.Dir),
			Outputs: outputs,
			Timeout: spec.Timeout,
			Retries: spec.Retries,
			Publish: spec.Publish,
		})
	}
	return out, nil
}

func replacer(stage, axis string, vars Vars) *strings.Replacer {
	return strings.NewReplacer(
		"{repo}", vars.Repo,
		"{stage}", stage,
		"{axis}", axis,
		"{version}", string(vars.Version),
		"{commit}", vars.Commit,
		"{artifact}", ArtifactBaseName(vars.Repo, axis, vars.Version),
	)
}

func checkAxis(spec domain.StageSpec) error {
	seen := make(map[string]struct{}, len(spec.Matrix))
	for _, a := range spec.Matrix {
		if a == "" {
			return &domain.InvalidStageError{Stage: spec.Name, Reason: "empty matrix value"}
		}
		if _, ok := seen[a]; ok {
			return &domain.DuplicateAxisError{Stage: spec.Name, Axis: a}
		}
		seen[a] = struct{}{}
	}
	return nil
}
