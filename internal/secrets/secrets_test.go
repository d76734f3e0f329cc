package secrets

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/dsl"
	"github.com/loomwork/loom/internal/variables"
)

func TestResolveEnvSource(t *testing.T) {
	t.Setenv("LOOM_TEST_SECRET", "s3kr3t")
	ctx := variables.New()
	err := Resolve(afero.NewMemMapFs(), map[string]dsl.SecretSpec{
		"api_key": {Env: "LOOM_TEST_SECRET"},
	}, ctx)
	require.NoError(t, err)

	v, ok := ctx.Get(variables.ScopeSecret, "api_key")
	require.True(t, ok)
	assert.Equal(t, "s3kr3t", v)
}

func TestResolveEnvMissingErrors(t *testing.T) {
	ctx := variables.New()
	err := Resolve(afero.NewMemMapFs(), map[string]dsl.SecretSpec{
		"api_key": {Env: "LOOM_TEST_SECRET_DOES_NOT_EXIST"},
	}, ctx)
	require.Error(t, err)
}

func TestResolveFileSourceTrimsAndTakesFirstLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/secrets/db", []byte("password123  \nsecond line\n"), 0o600))

	ctx := variables.New()
	err := Resolve(fs, map[string]dsl.SecretSpec{
		"db_password": {File: "/secrets/db"},
	}, ctx)
	require.NoError(t, err)

	v, ok := ctx.Get(variables.ScopeSecret, "db_password")
	require.True(t, ok)
	assert.Equal(t, "password123", v)
}

func TestResolveInlineValueSource(t *testing.T) {
	ctx := variables.New()
	err := Resolve(afero.NewMemMapFs(), map[string]dsl.SecretSpec{
		"literal": {Value: "inline-value"},
	}, ctx)
	require.NoError(t, err)

	v, ok := ctx.Get(variables.ScopeSecret, "literal")
	require.True(t, ok)
	assert.Equal(t, "inline-value", v)
}

func TestResolveRejectsEmptySpec(t *testing.T) {
	ctx := variables.New()
	err := Resolve(afero.NewMemMapFs(), map[string]dsl.SecretSpec{
		"nothing": {},
	}, ctx)
	require.Error(t, err)
}
