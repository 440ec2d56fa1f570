package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// parseRequestArgs builds the request body from, in order of precedence,
// key=value pairs over a positional JSON object, or JSON piped on stdin.
func parseRequestArgs(positional string, pairs []string, stdin io.Reader, stdinIsTTY bool) (json.RawMessage, error) {
	body := make(map[string]any)

	raw := strings.TrimSpace(positional)
	if raw == "" && len(pairs) == 0 && !stdinIsTTY && stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw != "" {
		obj, err := parseJSONObject(raw)
		if err != nil {
			return nil, err
		}
		body = obj
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q: want key=value", pair)
		}
		body[key] = parseArgValue(value)
	}

	if len(body) == 0 {
		return nil, nil
	}
	return json.Marshal(body)
}

func parseJSONObject(raw string) (map[string]any, error) {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("JSON arguments must be an object")
	}
	return obj, nil
}

// parseArgValue reads numbers, booleans, arrays and objects as JSON and
// anything else as a string.
func parseArgValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func stdinIsTTY(file *os.File) bool {
	info, err := file.Stat()
	if err != nil {
		return true
	}
	return info.Mode()&fs.ModeCharDevice != 0
}
