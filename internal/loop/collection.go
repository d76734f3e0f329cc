package loop

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loomwork/loom/internal/dsl"
)

// Resolver supplies the external lookups a CollectionSource may need:
// a prior task's output, a state-store value, and file/HTTP fetchers.
type Resolver struct {
	TaskOutput func(taskID string) (any, bool)
	StateValue func(key string) (any, bool)
	ReadFile   func(path string) ([]byte, error)
	HTTPClient *http.Client
}

// ResolveCollection materializes a for-each loop's items from its
// declared source. Exactly one of the source's fields is expected to be
// set; if more than one is, Inline takes precedence, matching the order
// the fields are checked below.
func ResolveCollection(ctx context.Context, src *dsl.CollectionSource, r Resolver) ([]any, error) {
	if src == nil {
		return nil, fmt.Errorf("loop: for_each requires a collection source")
	}

	switch {
	case src.Inline != nil:
		return src.Inline, nil

	case src.FromTask != "":
		if r.TaskOutput == nil {
			return nil, fmt.Errorf("loop: from_task collection source requires a task-output resolver")
		}
		v, ok := r.TaskOutput(src.FromTask)
		if !ok {
			return nil, fmt.Errorf("loop: task %q has no output to iterate", src.FromTask)
		}
		return toSlice(v, src.JSONPath)

	case src.FromState != "":
		if r.StateValue == nil {
			return nil, fmt.Errorf("loop: from_state collection source requires a state resolver")
		}
		v, ok := r.StateValue(src.FromState)
		if !ok {
			return nil, fmt.Errorf("loop: state key %q not found", src.FromState)
		}
		return toSlice(v, src.JSONPath)

	case src.File != "":
		if r.ReadFile == nil {
			return nil, fmt.Errorf("loop: file collection source requires a file reader")
		}
		data, err := r.ReadFile(src.File)
		if err != nil {
			return nil, fmt.Errorf("loop: reading %s: %w", src.File, err)
		}
		return parseFileCollection(data, src.FileFormat)

	case src.Range != nil:
		return rangeCollection(src.Range), nil

	case src.HTTP != nil:
		return httpCollection(ctx, src.HTTP, src.JSONPath, r)

	default:
		return nil, fmt.Errorf("loop: collection source declares no items")
	}
}

func rangeCollection(rng *dsl.Range) []any {
	step := rng.Step
	if step == 0 {
		step = 1
	}
	var out []any
	if step > 0 {
		for i := rng.Start; i < rng.End; i += step {
			out = append(out, i)
		}
	} else {
		for i := rng.Start; i > rng.End; i += step {
			out = append(out, i)
		}
	}
	return out
}

func parseFileCollection(data []byte, format string) ([]any, error) {
	switch format {
	case "", "json":
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("loop: parsing json collection file: %w", err)
		}
		return toSlice(v, "")

	case "jsonl":
		var out []any
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var v any
			if err := json.Unmarshal([]byte(line), &v); err != nil {
				return nil, fmt.Errorf("loop: parsing jsonl line: %w", err)
			}
			out = append(out, v)
		}
		return out, scanner.Err()

	case "csv":
		reader := csv.NewReader(bytes.NewReader(data))
		header, err := reader.Read()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("loop: parsing csv header: %w", err)
		}
		var out []any
		for {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("loop: parsing csv row: %w", err)
			}
			row := make(map[string]any, len(header))
			for i, col := range header {
				if i < len(record) {
					row[col] = record[i]
				}
			}
			out = append(out, row)
		}
		return out, nil

	case "lines":
		var out []any
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			out = append(out, scanner.Text())
		}
		return out, scanner.Err()

	default:
		return nil, fmt.Errorf("loop: unknown file_format %q", format)
	}
}

func httpCollection(ctx context.Context, spec *dsl.HTTPSpec, jsonPath string, r Resolver) ([]any, error) {
	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("loop: building http collection request: %w", err)
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loop: fetching http collection: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("loop: reading http collection response: %w", err)
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("loop: http collection response is not JSON: %w", err)
	}
	return toSlice(v, jsonPath)
}

// toSlice extracts a []any from v, optionally after descending a dotted
// jsonPath, and coerces a bare JSON array decode ([]any) directly.
func toSlice(v any, jsonPath string) ([]any, error) {
	if jsonPath != "" {
		extracted, ok := jsonPathGet(v, jsonPath)
		if !ok {
			return nil, fmt.Errorf("loop: json_path %q not found in collection value", jsonPath)
		}
		v = extracted
	}
	switch t := v.(type) {
	case []any:
		return t, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("loop: resolved collection value is not an array")
	}
}

// jsonPathGet walks a dotted path ("a.b.c") through nested
// map[string]any/[]any structures.
func jsonPathGet(v any, path string) (any, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
