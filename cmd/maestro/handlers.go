package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/maestro-ai/maestro"
)

// builtinHandlers returns the handler set available to CLI-run workflows.
func builtinHandlers() *maestro.HandlerRegistry {
	return maestro.NewHandlerRegistry(
		maestro.NewHandlerFunc("print", printHandler),
		maestro.NewHandlerFunc("time", timeHandler),
		maestro.NewHandlerFunc("wait", waitHandler),
		maestro.NewHandlerFunc("fail", failHandler),
		maestro.NewHandlerFunc("http", httpHandler),
	)
}

func printHandler(ctx context.Context, params map[string]any) (any, error) {
	message, _ := params["message"].(string)
	fmt.Println(message)
	return message, nil
}

func timeHandler(ctx context.Context, params map[string]any) (any, error) {
	format := time.RFC3339
	if f, ok := params["format"].(string); ok && f != "" {
		format = f
	}
	return time.Now().Format(format), nil
}

func waitHandler(ctx context.Context, params map[string]any) (any, error) {
	duration, ok := params["duration"].(string)
	if !ok {
		return nil, fmt.Errorf("wait requires a duration parameter (e.g. \"5s\")")
	}
	d, err := time.ParseDuration(duration)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", duration, err)
	}
	select {
	case <-time.After(d):
		return d.String(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func failHandler(ctx context.Context, params map[string]any) (any, error) {
	message, _ := params["message"].(string)
	if message == "" {
		message = "intentional failure"
	}
	return nil, fmt.Errorf("%s", message)
}

func httpHandler(ctx context.Context, params map[string]any) (any, error) {
	url, ok := params["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("http requires a url parameter")
	}
	method := http.MethodGet
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	var body io.Reader
	if b, ok := params["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for key, value := range headers {
			if v, ok := value.(string); ok {
				request.Header.Set(key, v)
			}
		}
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status": response.StatusCode,
		"body":   string(payload),
	}, nil
}
