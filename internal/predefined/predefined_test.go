package predefined

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/dsl"
)

func writeTemplate(t *testing.T, fs afero.Fs, path, body string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(body), 0o644))
}

func TestLocalDirectorySourceResolvesAndSubstitutesInput(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTemplate(t, fs, "/predefined/lint-go/1.0.0.yaml", `
input:
  path:
    type: string
    required: true
  verbose:
    type: bool
    default: false
command:
  argv: ["golangci-lint", "run"]
`)
	loader := NewLoader(NewLocalDirectorySource(fs, "/predefined"))

	ref := &dsl.PredefinedRef{Name: "lint-go", Version: "1.0.0", Input: map[string]any{"path": "./cmd"}}
	task, err := loader.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "./cmd", task.Input["path"])
	assert.Equal(t, false, task.Input["verbose"])
	assert.Equal(t, []string{"golangci-lint", "run"}, task.Command.Argv)
}

func TestResolveMissingRequiredInputFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTemplate(t, fs, "/predefined/lint-go/1.0.0.yaml", `
input:
  path:
    type: string
    required: true
command:
  argv: ["golangci-lint", "run"]
`)
	loader := NewLoader(NewLocalDirectorySource(fs, "/predefined"))
	_, err := loader.Resolve(context.Background(), &dsl.PredefinedRef{Name: "lint-go", Version: "1.0.0"})
	require.Error(t, err)
}

func TestResolveFallsThroughStubSourcesToLocal(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTemplate(t, fs, "/predefined/deploy/2.0.0.yaml", `
script:
  body: "echo deploying"
`)
	loader := NewLoader(GitSource{}, RegistrySource{}, NewLocalDirectorySource(fs, "/predefined"))
	task, err := loader.Resolve(context.Background(), &dsl.PredefinedRef{Name: "deploy", Version: "2.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "echo deploying", task.Script.Body)
}

func TestResolveUnresolvedReturnsError(t *testing.T) {
	fs := afero.NewMemMapFs()
	loader := NewLoader(NewLocalDirectorySource(fs, "/predefined"))
	_, err := loader.Resolve(context.Background(), &dsl.PredefinedRef{Name: "missing", Version: "1.0.0"})
	require.Error(t, err)
}

func TestOverridesDeepMergeScalarsReplaceAndObjectsMerge(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTemplate(t, fs, "/predefined/notify/1.0.0.yaml", `
description: base description
command:
  argv: ["notify-send", "hello"]
  env:
    LEVEL: info
`)
	loader := NewLoader(NewLocalDirectorySource(fs, "/predefined"))
	ref := &dsl.PredefinedRef{
		Name:    "notify",
		Version: "1.0.0",
		Overrides: map[string]any{
			"description": "overridden description",
			"command": map[string]any{
				"env": map[string]any{"LEVEL": "debug"},
			},
		},
	}
	task, err := loader.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "overridden description", task.Description)
	assert.Equal(t, []string{"notify-send", "hello"}, task.Command.Argv)
	assert.Equal(t, "debug", task.Command.Env["LEVEL"])
}
