package variables

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// InputDefaultsStore persists a workflow run's resolved ${workflow.*}
// input map as a .env-style KEY=VALUE file, so a later `loomctl run
// --env-file` can replay the same inputs without retyping every flag.
// It never touches the secret scope: secrets are resolved by
// internal/secrets at dispatch time and are deliberately excluded from
// the persisted file so a save-inputs run doesn't leak them to disk.
type InputDefaultsStore struct {
	fs afero.Fs
}

// NewEnvVariableStore returns an InputDefaultsStore rooted at fs.
func NewEnvVariableStore(fs afero.Fs) *InputDefaultsStore {
	return &InputDefaultsStore{fs: fs}
}

// Load reads filePath and returns its KEY=VALUE pairs as a workflow
// input map, typed the same way YAML front-matter would type them
// (bool, int64, float64, comma-separated array, or string). A missing
// file is not an error: it returns an empty map, since --env-file is
// optional input seeding rather than a required configuration source.
func (s *InputDefaultsStore) Load(ctx context.Context, filePath string) (map[string]any, error) {
	exists, err := afero.Exists(s.fs, filePath)
	if err != nil {
		return nil, fmt.Errorf("check env file: %w", err)
	}
	if !exists {
		return make(map[string]any), nil
	}

	file, err := s.fs.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	inputs := make(map[string]any)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE, got %q", filePath, lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := unquote(strings.TrimSpace(parts[1]))
		inputs[key] = parseTyped(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}

	return inputs, nil
}

// Save writes the resolved workflow input map to filePath as
// KEY=VALUE lines, sorted for a stable diff, and chmods it 0600 since
// inputs frequently carry account IDs, hostnames, or other values the
// caller may not want world-readable on disk.
func (s *InputDefaultsStore) Save(ctx context.Context, filePath string, inputs map[string]any) error {
	if dir := filepath.Dir(filePath); dir != "." {
		if err := s.fs.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create env file directory: %w", err)
		}
	}

	file, err := s.fs.Create(filePath)
	if err != nil {
		return fmt.Errorf("create env file: %w", err)
	}
	defer file.Close()

	header := fmt.Sprintf("# loom workflow inputs, saved %s\n# re-run with --env-file %s to replay these inputs\n\n",
		time.Now().Format(time.RFC3339), filePath)
	if _, err := file.WriteString(header); err != nil {
		return err
	}

	keys := make([]string, 0, len(inputs))
	for key := range inputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, err := fmt.Fprintf(file, "%s=%s\n", key, formatValue(inputs[key])); err != nil {
			return fmt.Errorf("write input %s: %w", key, err)
		}
	}

	if err := s.fs.Chmod(filePath, 0600); err != nil {
		return fmt.Errorf("set env file permissions: %w", err)
	}
	return nil
}

// Merge layers incoming over existing, giving flags and freshly
// resolved inputs priority over whatever a prior --env-file loaded.
func (s *InputDefaultsStore) Merge(existing, incoming map[string]any) map[string]any {
	result := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		result[k] = v
	}
	for k, v := range incoming {
		result[k] = v
	}
	return result
}

func unquote(value string) string {
	if len(value) >= 2 {
		if (strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`)) ||
			(strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'")) {
			return value[1 : len(value)-1]
		}
	}
	return value
}

func parseTyped(value string) any {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
		return intVal
	}
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}
	if strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		array := make([]string, len(parts))
		for i, part := range parts {
			array[i] = strings.TrimSpace(part)
		}
		return array
	}
	return value
}

func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		if strings.ContainsAny(v, " \t\n\r\"'\\") {
			return fmt.Sprintf("%q", v)
		}
		return v
	case bool:
		return strconv.FormatBool(v)
	case int, int32, int64:
		return fmt.Sprintf("%d", v)
	case float32, float64:
		return fmt.Sprintf("%g", v)
	case []string:
		return strings.Join(v, ",")
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = formatValue(item)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", v)
	}
}
