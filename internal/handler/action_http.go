package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SoumadeepCh/FlowSync/internal/errs"
	"github.com/SoumadeepCh/FlowSync/internal/expr"
)

// maxResponseBytes caps how much of an action's HTTP response body the
// handler will buffer into a step result, so a misbehaving endpoint
// cannot blow up engine memory.
const maxResponseBytes = 10 << 20

// ActionHandler dispatches an action node by its config["actionType"],
// which today is limited to "http"; other action types degrade to a
// no-op so a workflow author's typo doesn't wedge the whole execution.
type ActionHandler struct {
	client *http.Client
}

// NewActionHandler builds an ActionHandler with a pooled HTTP client
// bounded by timeoutMs.
func NewActionHandler(timeoutMs int) *ActionHandler {
	if timeoutMs <= 0 {
		timeoutMs = 30_000
	}
	return &ActionHandler{
		client: &http.Client{
			Timeout: time.Duration(timeoutMs) * time.Millisecond,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (h *ActionHandler) Handle(ctx context.Context, in Input) (Output, error) {
	actionType, _ := in.Node.Config["actionType"].(string)
	switch actionType {
	case "http":
		return h.handleHTTP(ctx, in)
	default:
		return Output{Result: map[string]interface{}{}}, nil
	}
}

func (h *ActionHandler) handleHTTP(ctx context.Context, in Input) (Output, error) {
	url, _ := in.Node.Config["url"].(string)
	if url == "" {
		return Output{}, errs.Validation("action node missing config.url", nil)
	}
	url = expr.Template(url, in.Expr)

	method, _ := in.Node.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if bodyTmpl, ok := in.Node.Config["body"].(string); ok && bodyTmpl != "" {
		bodyReader = strings.NewReader(expr.Template(bodyTmpl, in.Expr))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return Output{}, errs.Handler("failed to build http request", err)
	}
	req.Header.Set("User-Agent", "flowsync-worker/1.0")
	req.Header.Set("X-Execution-Id", in.ExecutionID)
	req.Header.Set("X-Node-Id", in.Node.ID)
	if headers, ok := in.Node.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, expr.Template(s, in.Expr))
			}
		}
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Output{}, errs.Infrastructure("http action request failed", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes)
	data, err := io.ReadAll(limited)
	if err != nil {
		return Output{}, errs.Infrastructure("failed to read http action response", err)
	}

	result := map[string]interface{}{
		"statusCode": resp.StatusCode,
	}
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		var parsed interface{}
		if err := json.Unmarshal(data, &parsed); err == nil {
			result["body"] = parsed
		} else {
			result["body"] = string(data)
		}
	} else {
		result["body"] = string(data)
	}

	if resp.StatusCode >= 400 {
		return Output{Result: result}, errs.Handler(fmt.Sprintf("http action returned status %d", resp.StatusCode), nil)
	}
	return Output{Result: result}, nil
}
