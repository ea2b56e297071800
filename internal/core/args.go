package core

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

var errUnstructuredArgs = errors.New("arguments are not a JSON object or array")

// appendArgs appends the task arguments to a command line. A JSON object
// becomes --key=value flags in key order, a JSON array becomes positional
// arguments, and anything that is not JSON is appended verbatim. Other JSON
// values add nothing.
func appendArgs(command, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return command
	}
	tokens, err := argTokens(raw)
	if errors.Is(err, errUnstructuredArgs) {
		return command
	}
	if err != nil {
		return command + " " + raw
	}
	if len(tokens) == 0 {
		return command
	}
	return command + " " + shellquote.Join(tokens...)
}

func argTokens(raw string) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	var tokens []string
	switch tok {
	case json.Delim('{'):
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, _ := keyTok.(string)
			var val json.RawMessage
			if err := dec.Decode(&val); err != nil {
				return nil, err
			}
			tokens = append(tokens, "--"+key+"="+scalarText(val))
		}
	case json.Delim('['):
		for dec.More() {
			var val json.RawMessage
			if err := dec.Decode(&val); err != nil {
				return nil, err
			}
			tokens = append(tokens, scalarText(val))
		}
	default:
		if _, err := dec.Token(); err != io.EOF {
			return nil, errors.New("trailing data after JSON value")
		}
		return nil, errUnstructuredArgs
	}
	// closing delimiter, then nothing but whitespace
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON value")
	}
	return tokens, nil
}

func scalarText(val json.RawMessage) string {
	var s string
	if err := json.Unmarshal(val, &s); err == nil {
		return s
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, val); err == nil {
		return compact.String()
	}
	return string(val)
}

// parseEnvLines parses KEY=VALUE lines. Blank lines and # comments are
// skipped, as are lines without a key.
func parseEnvLines(raw string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out = append(out, key+"="+strings.TrimSpace(value))
	}
	return out
}
