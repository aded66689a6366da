// Package controlplane is the guest agent's HTTP client for the webhook
// endpoints described in spec §6: heartbeat, events, checkpoints,
// telemetry, and the two-step storages prepare/commit artifact upload
// protocol. Only the client side is in scope; the server implementing
// these endpoints is out of scope per the runner's purpose statement.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oriys/vm0-runner/internal/vmerr"
)

// Client posts JSON payloads to the control plane's agent webhook
// surface, retrying transient failures with exponential backoff.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	maxAttempts int
}

// New returns a Client rooted at apiURL, authenticating with token via
// an Authorization: Bearer header. requestTimeout bounds every single
// HTTP attempt (spec §5's 30s HTTP request budget).
func New(apiURL, token string, requestTimeout time.Duration) *Client {
	return &Client{
		baseURL: apiURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		maxAttempts: 3,
	}
}

func (c *Client) endpoint(name string) string {
	return fmt.Sprintf("%s/api/webhooks/agent/%s", c.baseURL, name)
}

// postJSON POSTs body as JSON to the named webhook endpoint, retrying up
// to maxAttempts times on connect failure or a 5xx response, with
// exponential backoff (200ms, 400ms, 800ms, ...). It unmarshals the
// response body into out (if non-nil) and returns a *vmerr.HTTPError for
// any non-2xx final response.
func (c *Client) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, err := c.doPost(ctx, endpoint, data)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read response: %w", readErr)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out != nil {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("unmarshal response: %w", err)
				}
			}
			return nil
		}

		httpErr := &vmerr.HTTPError{Status: resp.StatusCode, Body: string(respBody)}
		if !httpErr.Retryable() {
			return httpErr
		}
		lastErr = httpErr
	}

	return fmt.Errorf("webhook %s failed after %d attempts: %w", endpoint, c.maxAttempts, lastErr)
}

func (c *Client) doPost(ctx context.Context, url string, data []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.httpClient.Do(req)
}

// Heartbeat reports liveness for runID. The caller distinguishes the
// first call's failure (run-terminating) from later ones (logged and
// dropped) — that policy lives in the orchestrator, not here.
func (c *Client) Heartbeat(ctx context.Context, runID string) error {
	return c.postJSON(ctx, c.endpoint("heartbeat"), map[string]string{"runId": runID}, nil)
}

// Event reports a discrete run-scoped event (e.g. the event-error flag
// observed by the CLI runner).
func (c *Client) Event(ctx context.Context, runID, kind, message string) error {
	body := map[string]string{"runId": runID, "kind": kind, "message": message}
	return c.postJSON(ctx, c.endpoint("events"), body, nil)
}

// Checkpoint reports a checkpoint-protocol outcome.
func (c *Client) Checkpoint(ctx context.Context, runID string, payload any) error {
	body := map[string]any{"runId": runID, "checkpoint": payload}
	return c.postJSON(ctx, c.endpoint("checkpoints"), body, nil)
}

// TelemetryBatch is one upload of tailed log/metrics content.
type TelemetryBatch struct {
	RunID      string          `json:"runId"`
	Metrics    json.RawMessage `json:"metrics,omitempty"`
	NetworkLog string          `json:"networkLog,omitempty"`
	AgentLog   string          `json:"agentLog,omitempty"`
	SandboxOps string          `json:"sandboxOps,omitempty"`
}

// Telemetry uploads one batch. Failures are never fatal to the run — the
// caller logs and continues (spec §7).
func (c *Client) Telemetry(ctx context.Context, batch TelemetryBatch) error {
	return c.postJSON(ctx, c.endpoint("telemetry"), batch, nil)
}

// FileEntry is one hashed file in a storage's manifest.
type FileEntry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// PrepareRequest is posted to /storages/prepare.
type PrepareRequest struct {
	StorageName string      `json:"storageName"`
	StorageType string      `json:"storageType"`
	Files       []FileEntry `json:"files"`
	RunID       string      `json:"runId"`
}

// PresignedUpload is one presigned S3 PUT target.
type PresignedUpload struct {
	PresignedURL string `json:"presignedUrl"`
}

// PrepareResponse answers a PrepareRequest.
type PrepareResponse struct {
	VersionID string `json:"versionId"`
	Existing  bool   `json:"existing"`
	Uploads   *struct {
		Archive  PresignedUpload `json:"archive"`
		Manifest PresignedUpload `json:"manifest"`
	} `json:"uploads,omitempty"`
}

// Prepare starts the artifact upload protocol (spec §4.6 step 2).
func (c *Client) Prepare(ctx context.Context, req PrepareRequest) (*PrepareResponse, error) {
	var resp PrepareResponse
	if err := c.postJSON(ctx, c.endpoint("storages/prepare"), req, &resp); err != nil {
		return nil, &vmerr.CheckpointError{Stage: "prepare", Err: err}
	}
	return &resp, nil
}

// CommitRequest is posted to /storages/commit, either to acknowledge an
// existing version or to finalize a freshly uploaded one (Message is
// only meaningful in the latter case).
type CommitRequest struct {
	StorageName string      `json:"storageName"`
	StorageType string      `json:"storageType"`
	VersionID   string      `json:"versionId"`
	Files       []FileEntry `json:"files"`
	RunID       string      `json:"runId"`
	Message     string      `json:"message,omitempty"`
}

type commitResponse struct {
	Success bool `json:"success"`
}

// Commit finalizes an artifact version. A response whose success field
// is not strictly true is reported as a CheckpointError (spec §4.6 step
// 5), which overrides a zero CLI exit code to failure.
func (c *Client) Commit(ctx context.Context, req CommitRequest) error {
	var resp commitResponse
	if err := c.postJSON(ctx, c.endpoint("storages/commit"), req, &resp); err != nil {
		return &vmerr.CheckpointError{Stage: "commit", Err: err}
	}
	if !resp.Success {
		return &vmerr.CheckpointError{Stage: "commit", Err: fmt.Errorf("success=false in commit response")}
	}
	return nil
}

// CompleteRequest is posted to /complete once per run, regardless of
// outcome, as the last step of the guest agent's cleanup phase.
type CompleteRequest struct {
	RunID    string `json:"runId"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// Complete records the run's terminal outcome. Its own failure is never
// fatal to the run (the run has already finished) but means the control
// plane may not learn the sandbox exited, so the caller should log it.
func (c *Client) Complete(ctx context.Context, req CompleteRequest) error {
	return c.postJSON(ctx, c.endpoint("complete"), req, nil)
}

// PutPresigned uploads data to a presigned S3 URL with the given content
// type (spec §6: application/gzip for archives, application/json for
// manifests).
func (c *Client) PutPresigned(ctx context.Context, url string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build presigned PUT: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("presigned PUT: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &vmerr.HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}
