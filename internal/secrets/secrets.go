// Package secrets resolves a workflow's declared secret references
// (environment variable, file, or inline literal) once at executor
// initialize time and populates the Secret scope of the Variable
// Context, per SPEC_FULL.md §4.15.
package secrets

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"

	"github.com/loomwork/loom/internal/dsl"
	"github.com/loomwork/loom/internal/variables"
)

// Resolve reads every entry of specs from its declared source and
// inserts the result into the Secret scope of ctx. A secret's value is
// never logged by the structured logger (see internal/logging); callers
// must avoid echoing a resolved Secret-scope value in diagnostics.
func Resolve(fs afero.Fs, specs map[string]dsl.SecretSpec, ctx *variables.Context) error {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	for name, spec := range specs {
		value, err := resolveOne(fs, name, spec)
		if err != nil {
			return err
		}
		ctx.Insert(variables.ScopeSecret, name, value)
	}
	return nil
}

func resolveOne(fs afero.Fs, name string, spec dsl.SecretSpec) (string, error) {
	switch {
	case spec.Env != "":
		v, ok := os.LookupEnv(spec.Env)
		if !ok {
			return "", fmt.Errorf("secrets: %q: environment variable %q is not set", name, spec.Env)
		}
		return v, nil

	case spec.File != "":
		data, err := afero.ReadFile(fs, spec.File)
		if err != nil {
			return "", fmt.Errorf("secrets: %q: reading %s: %w", name, spec.File, err)
		}
		lines := strings.SplitN(string(data), "\n", 2)
		return strings.TrimSpace(lines[0]), nil

	case spec.Value != "":
		return spec.Value, nil

	default:
		return "", fmt.Errorf("secrets: %q declares no source (env/file/value)", name)
	}
}
