// forgecache is a distributed, content-addressed, incrementally cached build execution engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package distribution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// httpClient is the shared unary-call machinery for both role-specific
// clients: marshal, optionally sign, POST, decode, surface non-2xx as an
// error carrying the response body.
type httpClient struct {
	baseURL string
	http    *http.Client
	signer  *Signer
}

func newHTTPClient(baseURL string, signer *Signer) httpClient {
	return httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		signer:  signer,
	}
}

func (c httpClient) call(ctx context.Context, path string, reqBody any, respBody any, signed bool) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signed && c.signer != nil {
		req.Header.Set(SignatureHeader, c.signer.Sign(body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("distribution: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respData)))
	}
	if respBody == nil {
		return nil
	}
	return json.Unmarshal(respData, respBody)
}

func (c httpClient) streamNDJSON(ctx context.Context, path string, query string, items []any) error {
	body := &bytes.Buffer{}
	enc := json.NewEncoder(body)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return err
		}
	}
	u := c.baseURL + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respData, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("distribution: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respData)))
	}
	return nil
}

// OrchestratorClient is how a worker calls the orchestrator's endpoints.
type OrchestratorClient struct {
	httpClient
}

// NewOrchestratorClient builds a client for the orchestrator listening
// at baseURL. signer may be nil to disable signing on AttachCompleted/Heartbeat.
func NewOrchestratorClient(baseURL string, signer *Signer) *OrchestratorClient {
	return &OrchestratorClient{httpClient: newHTTPClient(baseURL, signer)}
}

func (c *OrchestratorClient) Hello(ctx context.Context, req HelloRequest) (*HelloResponse, error) {
	req.Version = CurrentVersion
	var resp HelloResponse
	if err := c.call(ctx, "/distribution/v1/hello", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *OrchestratorClient) AttachCompleted(ctx context.Context, req AttachCompletedRequest) error {
	req.Version = CurrentVersion
	var resp AckResponse
	return c.call(ctx, "/distribution/v1/attach-completed", req, &resp, true)
}

func (c *OrchestratorClient) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	req.Version = CurrentVersion
	var resp HeartbeatResponse
	return c.call(ctx, "/distribution/v1/heartbeat", req, &resp, true)
}

// StreamPipResults ships a batch of results as newline-delimited JSON
// over one chunked POST. The caller is responsible for retrying the
// same results (same sequence numbers) on a non-nil error; already
// committed sequence numbers are dropped server-side on retry.
func (c *OrchestratorClient) StreamPipResults(ctx context.Context, workerID string, results []PipResult) error {
	items := make([]any, len(results))
	for i, r := range results {
		items[i] = r
	}
	return c.streamNDJSON(ctx, "/distribution/v1/stream-pip-results", "worker_id="+url.QueryEscape(workerID), items)
}

// StreamExecutionLog ships opaque execution-log chunks for workerID.
func (c *OrchestratorClient) StreamExecutionLog(ctx context.Context, workerID string, chunks []ExecutionLogChunk) error {
	items := make([]any, len(chunks))
	for i, ch := range chunks {
		ch.WorkerID = workerID
		items[i] = ch
	}
	return c.streamNDJSON(ctx, "/distribution/v1/stream-execution-log", "worker_id="+url.QueryEscape(workerID), items)
}

// WorkerClient is how the orchestrator calls a worker's endpoints.
type WorkerClient struct {
	httpClient
}

// NewWorkerClient builds a client for the worker listening at baseURL.
func NewWorkerClient(baseURL string, signer *Signer) *WorkerClient {
	return &WorkerClient{httpClient: newHTTPClient(baseURL, signer)}
}

func (c *WorkerClient) Attach(ctx context.Context, req AttachRequest) error {
	req.Version = CurrentVersion
	var resp AckResponse
	return c.call(ctx, "/distribution/v1/attach", req, &resp, true)
}

// StreamExecutePips dispatches a batch of pip-build requests. On a
// non-nil error OrchestratorDriver does not resend the requests; it
// records the pip as failed. Sequence numbers the worker already
// committed are dropped if the same requests are sent again.
func (c *WorkerClient) StreamExecutePips(ctx context.Context, reqs []SinglePipBuildRequest) error {
	items := make([]any, len(reqs))
	for i, r := range reqs {
		items[i] = r
	}
	return c.streamNDJSON(ctx, "/distribution/v1/execute-pips", "", items)
}

func (c *WorkerClient) Exit(ctx context.Context, failure string) (*ExitResponse, error) {
	var resp ExitResponse
	if err := c.call(ctx, "/distribution/v1/exit", ExitRequest{Version: CurrentVersion, Failure: failure}, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}
