// Package predefined implements the Predefined Task Loader: resolving a
// name@version reference against a prioritized list of Source
// implementations and splicing the resulting template, with call-site
// inputs substituted and overrides deep-merged, into the task graph
// before validation runs, per SPEC_FULL.md §4.16.
package predefined

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/loomwork/loom/internal/dsl"
)

// ErrSourceUnavailable is returned by a Source that cannot resolve a
// reference in this build (the stub Git/Registry sources always return
// it; fetching predefined tasks over a network is out of scope).
var ErrSourceUnavailable = errors.New("predefined: source unavailable")

// Template is the on-disk shape of one predefined task version: a Task
// body plus its own declared input schema, so the loader can validate
// call-site inputs before substitution.
type Template struct {
	Input map[string]dsl.InputVariable `yaml:"input,omitempty"`
	Task  dsl.Task                     `yaml:",inline"`
}

// Source resolves one name@version reference to a Template.
type Source interface {
	// Resolve returns the template for name at version, or
	// ErrSourceUnavailable if this source cannot serve the request.
	Resolve(ctx context.Context, name, version string) (*Template, error)
}

// Loader tries each Source in priority order (first registered wins)
// until one resolves the reference or all report ErrSourceUnavailable.
type Loader struct {
	sources []Source
}

// NewLoader returns a Loader trying sources in the given order.
func NewLoader(sources ...Source) *Loader {
	return &Loader{sources: sources}
}

// Resolve looks up ref.Name@ref.Version, substitutes ref.Input into the
// template's declared variables, deep-merges ref.Overrides on top of
// the result, and returns the concrete Task ready to splice into the
// graph. The Task's ID is left blank for the caller to assign.
func (l *Loader) Resolve(ctx context.Context, ref *dsl.PredefinedRef) (*dsl.Task, error) {
	var lastErr error
	for _, src := range l.sources {
		tmpl, err := src.Resolve(ctx, ref.Name, ref.Version)
		switch {
		case err == nil:
			return materialize(tmpl, ref)
		case errors.Is(err, ErrSourceUnavailable):
			lastErr = err
			continue
		default:
			return nil, fmt.Errorf("predefined: resolving %s@%s: %w", ref.Name, ref.Version, err)
		}
	}
	if lastErr == nil {
		lastErr = ErrSourceUnavailable
	}
	return nil, fmt.Errorf("predefined: no source resolved %s@%s: %w", ref.Name, ref.Version, lastErr)
}

func materialize(tmpl *Template, ref *dsl.PredefinedRef) (*dsl.Task, error) {
	task := tmpl.Task

	merged := make(map[string]any, len(tmpl.Input))
	for name, v := range tmpl.Input {
		if v.Default != nil {
			merged[name] = v.Default
		}
	}
	for name, v := range ref.Input {
		merged[name] = v
	}
	for name, v := range tmpl.Input {
		if v.Required {
			if _, ok := merged[name]; !ok {
				return nil, fmt.Errorf("predefined: %s@%s: required input %q not supplied", ref.Name, ref.Version, name)
			}
		}
	}
	task.Input = mergeMaps(task.Input, merged)

	if len(ref.Overrides) > 0 {
		task = overrideTask(task, ref.Overrides)
	}
	return &task, nil
}

// overrideTask applies a deep merge of a raw overrides document onto
// task (any task field may be overridden; no field is excluded), by
// round-tripping through YAML so object keys merge
// recursively while scalars and arrays replace, per SPEC_FULL.md §9.
func overrideTask(task dsl.Task, overrides map[string]any) dsl.Task {
	base := taskToMap(task)
	merged := deepMerge(base, overrides)

	out, err := yaml.Marshal(merged)
	if err != nil {
		return task
	}
	var result dsl.Task
	if err := yaml.Unmarshal(out, &result); err != nil {
		return task
	}
	return result
}

func taskToMap(task dsl.Task) map[string]any {
	data, err := yaml.Marshal(task)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// deepMerge merges src onto dst: object keys merge recursively, any
// other value (scalar or array) in src replaces dst's value wholesale.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func mergeMaps(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// LocalDirectorySource reads templates from
// <predefinedDir>/<name>/<version>.yaml.
type LocalDirectorySource struct {
	Fs  afero.Fs
	Dir string
}

// NewLocalDirectorySource returns a LocalDirectorySource rooted at dir.
func NewLocalDirectorySource(fs afero.Fs, dir string) *LocalDirectorySource {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &LocalDirectorySource{Fs: fs, Dir: dir}
}

func (s *LocalDirectorySource) Resolve(_ context.Context, name, version string) (*Template, error) {
	if strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("predefined: invalid task name %q", name)
	}
	path := filepath.Join(s.Dir, name, version+".yaml")
	exists, err := afero.Exists(s.Fs, path)
	if err != nil {
		return nil, fmt.Errorf("predefined: checking %s: %w", path, err)
	}
	if !exists {
		return nil, ErrSourceUnavailable
	}
	data, err := afero.ReadFile(s.Fs, path)
	if err != nil {
		return nil, fmt.Errorf("predefined: reading %s: %w", path, err)
	}
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("predefined: parsing %s: %w", path, err)
	}
	return &tmpl, nil
}

// GitSource is a discovery-order placeholder: predefined-task
// marketplace distribution over git is out of scope for the core.
type GitSource struct{}

func (GitSource) Resolve(context.Context, string, string) (*Template, error) {
	return nil, ErrSourceUnavailable
}

// RegistrySource is a discovery-order placeholder for an HTTP registry.
type RegistrySource struct{}

func (RegistrySource) Resolve(context.Context, string, string) (*Template, error) {
	return nil, ErrSourceUnavailable
}
