package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// httpArgs is the JSON argument payload of an HTTP task.
type httpArgs struct {
	Method  string          `json:"method"`
	Headers map[string]any  `json:"headers"`
	Data    json.RawMessage `json:"data"`
}

// httpStrategy issues one request per attempt. Any 2xx is a success.
type httpStrategy struct {
	client      *http.Client
	logger      *slog.Logger
	outputLimit int
}

func newHTTPStrategy(client *http.Client, logger *slog.Logger, outputLimit int) *httpStrategy {
	if client == nil {
		client = &http.Client{}
	}
	return &httpStrategy{client: client, logger: logger, outputLimit: outputLimit}
}

func (h *httpStrategy) Run(ctx context.Context, task *Task) Result {
	var args httpArgs
	if raw := strings.TrimSpace(task.Args); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return Result{Err: errors.Wrapf(ErrExecutionFailure, "invalid HTTP arguments: %v", err)}
		}
	}
	method := strings.ToUpper(strings.TrimSpace(args.Method))
	if method == "" {
		method = http.MethodGet
	}
	target, err := url.Parse(strings.TrimSpace(task.Command))
	if err != nil {
		return Result{Err: errors.Wrapf(ErrExecutionFailure, "invalid URL: %v", err)}
	}

	hasData := len(args.Data) > 0 && string(args.Data) != "null"
	var body io.Reader
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if hasData {
			body = bytes.NewReader(args.Data)
		}
	case http.MethodGet:
		if hasData {
			if err := mergeQuery(target, args.Data); err != nil {
				return Result{Err: errors.Wrapf(ErrExecutionFailure, "invalid query data: %v", err)}
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return Result{Err: errors.Wrapf(ErrExecutionFailure, "build request: %v", err)}
	}
	for k, v := range args.Headers {
		req.Header.Set(k, fmt.Sprint(v))
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	h.logger.Info("sending request", "task_id", task.ID, "method", method, "url", target.Redacted())
	resp, err := h.client.Do(req)
	if err != nil {
		return Result{Err: errors.Wrapf(ErrExecutionFailure, "request failed: %v", err)}
	}
	defer resp.Body.Close()

	text, err := readCapped(resp.Body, h.outputLimit)
	if err != nil {
		return Result{Output: text, Err: errors.Wrapf(ErrExecutionFailure, "read response: %v", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Output: text, Err: errors.Wrapf(ErrExecutionFailure, "HTTP %d: %s", resp.StatusCode, strings.TrimSpace(text))}
	}
	return Result{Output: text}
}

// mergeQuery adds data to the URL query. An object maps to parameters,
// list values repeat the key. A JSON string is appended as a raw query.
func mergeQuery(target *url.URL, data json.RawMessage) error {
	var rawQuery string
	if err := json.Unmarshal(data, &rawQuery); err == nil {
		rawQuery = strings.TrimPrefix(rawQuery, "?")
		if target.RawQuery == "" {
			target.RawQuery = rawQuery
		} else if rawQuery != "" {
			target.RawQuery += "&" + rawQuery
		}
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return err
	}
	q := target.Query()
	for k, v := range params {
		switch vals := v.(type) {
		case []any:
			for _, item := range vals {
				q.Add(k, fmt.Sprint(item))
			}
		case nil:
		default:
			q.Set(k, fmt.Sprint(vals))
		}
	}
	target.RawQuery = q.Encode()
	return nil
}
