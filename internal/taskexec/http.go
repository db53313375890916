package taskexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/ronappleton/dagengine/internal/engine"
	"github.com/ronappleton/dagengine/internal/store"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// StatusError is a non-2xx reply from the task service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("task service returned http status %d: %s", e.Code, e.Body)
}

// Temporary reports whether repeating the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

type request struct {
	ExecutionID     string         `json:"execution_id"`
	NodeID          string         `json:"node_id"`
	NodeName        string         `json:"node_name,omitempty"`
	Kind            string         `json:"kind"`
	Attempt         int            `json:"attempt"`
	Config          map[string]any `json:"config,omitempty"`
	ContractVersion string         `json:"contract_version,omitempty"`
	Context         map[string]any `json:"context"`
}

type response struct {
	Outputs   map[string]any `json:"outputs"`
	Artifacts []struct {
		Name        string `json:"name"`
		Locator     string `json:"locator"`
		Size        int64  `json:"size"`
		ContentHash string `json:"content_hash"`
	} `json:"artifacts"`
}

// HTTPExecutor hands node attempts to a remote task service.
type HTTPExecutor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPExecutor(baseURL, apiKey string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (h *HTTPExecutor) Execute(ctx context.Context, task engine.Task) (engine.Result, error) {
	url := h.baseURL + "/v1/tasks"
	if endpoint, ok := task.Node.Config["endpoint"].(string); ok && strings.TrimSpace(endpoint) != "" {
		if strings.HasPrefix(strings.ToLower(endpoint), "http") {
			url = endpoint
		} else {
			url = h.baseURL + "/" + strings.TrimLeft(endpoint, "/")
		}
	}

	raw, err := json.Marshal(request{
		ExecutionID:     task.ExecutionID,
		NodeID:          task.Node.ID,
		NodeName:        task.Node.Name,
		Kind:            task.Node.Kind.String(),
		Attempt:         task.Attempt,
		Config:          task.Node.Config,
		ContractVersion: task.Node.ContractVersion,
		Context:         task.Input,
	})
	if err != nil {
		return engine.Result{}, fmt.Errorf("encode task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return engine.Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", task.ExecutionID+":"+task.Node.ID)
	req.Header.Set("X-Attempt", fmt.Sprint(task.Attempt))
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return engine.Result{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return engine.Result{}, fmt.Errorf("read task response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return engine.Result{}, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var out response
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return engine.Result{}, fmt.Errorf("decode task response: %w", err)
		}
	}
	result := engine.Result{Outputs: out.Outputs}
	for _, a := range out.Artifacts {
		if a.Name == "" {
			continue
		}
		result.Artifacts = append(result.Artifacts, store.Artifact{
			NodeID:      task.Node.ID,
			Name:        a.Name,
			Locator:     a.Locator,
			Size:        a.Size,
			ContentHash: a.ContentHash,
		})
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
