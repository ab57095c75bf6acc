// Package api is the HTTP client for the knowledge-graph assistant backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/synaptiq/graphchat/pkg/config"
	"github.com/synaptiq/graphchat/pkg/logger"
	"github.com/synaptiq/graphchat/pkg/utils"
)

const errorBodyLimit = 2048

type Client struct {
	baseURL string
	// rest has the configured timeout; stream must not, since a chat
	// generation legitimately runs longer. Stream lifetime is bounded by
	// the request context instead.
	rest   *http.Client
	stream *http.Client
}

func NewClient(cfg *config.Config) *Client {
	var transport http.RoundTripper
	if token := strings.TrimSpace(cfg.Backend.APIToken); token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.Backend.BaseURL, "/"),
		rest:    &http.Client{Transport: transport, Timeout: cfg.BackendTimeout()},
		stream:  &http.Client{Transport: transport},
	}
}

// ChatStream sends a chat message into a thread and returns the streamed
// response body as an incremental text reader. The caller owns the reader
// and must Close it.
func (c *Client) ChatStream(ctx context.Context, workspace, thread, message string) (*StreamReader, error) {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/threads/%s/%s/chat", c.baseURL, url.PathEscape(workspace), url.PathEscape(thread))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	correlationID := uuid.NewString()
	req.Header.Set("X-Correlation-ID", correlationID)

	logger.DebugCF("api", "Dispatching chat request", map[string]interface{}{
		"workspace":      workspace,
		"thread":         thread,
		"correlation_id": correlationID,
		"message":        utils.Truncate(message, 80),
	})

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, httpError("chat", resp)
	}
	return NewStreamReader(resp.Body), nil
}

// ThreadHistory returns the stored messages of a thread.
func (c *Client) ThreadHistory(ctx context.Context, workspace, thread string) ([]ThreadMessage, error) {
	endpoint := fmt.Sprintf("%s/threads/%s/%s/history", c.baseURL, url.PathEscape(workspace), url.PathEscape(thread))
	var messages []ThreadMessage
	if err := c.getJSON(ctx, endpoint, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// IngestStatus returns the current job list for a workspace.
func (c *Client) IngestStatus(ctx context.Context, workspace string) ([]Job, error) {
	endpoint := fmt.Sprintf("%s/workspaces/%s/ingest_status", c.baseURL, url.PathEscape(workspace))
	var out ingestStatusResponse
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// IngestPage submits captured page content for server-side ingestion and
// returns the accepted job ID.
func (c *Client) IngestPage(ctx context.Context, workspace string, page PageSubmission) (string, error) {
	endpoint := fmt.Sprintf("%s/workspaces/%s/ingest", c.baseURL, url.PathEscape(workspace))
	var out ingestAcceptResponse
	if err := c.postJSON(ctx, endpoint, page, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("ingest accepted without a job_id")
	}
	logger.InfoCF("api", "Ingestion job accepted", map[string]interface{}{
		"workspace": workspace,
		"job_id":    out.JobID,
		"url":       page.URL,
	})
	return out.JobID, nil
}

// StopIngest asks the backend to stop a running ingestion job. Best effort:
// the backend reports not_running for jobs that already finished.
func (c *Client) StopIngest(ctx context.Context, workspace, jobID string) error {
	endpoint := fmt.Sprintf("%s/workspaces/%s/ingest/stop?job_id=%s",
		c.baseURL, url.PathEscape(workspace), url.QueryEscape(jobID))
	return c.postJSON(ctx, endpoint, nil, nil)
}

// Contemplate starts a background contemplation job on the workspace. The
// job ID is generated client-side so the job is trackable from the moment
// of submission.
func (c *Client) Contemplate(ctx context.Context, workspace string, opts ContemplateOptions) (string, error) {
	jobID := uuid.NewString()
	q := url.Values{}
	q.Set("job_id", jobID)
	if opts.N > 0 {
		q.Set("n", strconv.Itoa(opts.N))
	}
	if opts.Depth > 0 {
		q.Set("depth", strconv.Itoa(opts.Depth))
	}
	if opts.Topic != "" {
		q.Set("topic", opts.Topic)
	}
	q.Set("save_to_notes", strconv.FormatBool(opts.SaveToNotes))

	endpoint := fmt.Sprintf("%s/workspaces/%s/contemplate?%s", c.baseURL, url.PathEscape(workspace), q.Encode())
	if err := c.postJSON(ctx, endpoint, nil, nil); err != nil {
		return "", err
	}
	return jobID, nil
}

// StopContemplate cancels a running contemplation job.
func (c *Client) StopContemplate(ctx context.Context, workspace, jobID string) error {
	endpoint := fmt.Sprintf("%s/workspaces/%s/contemplate/stop?job_id=%s",
		c.baseURL, url.PathEscape(workspace), url.QueryEscape(jobID))
	return c.postJSON(ctx, endpoint, nil, nil)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.rest.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(req.URL.Path, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func httpError(what string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	detail := strings.TrimSpace(string(snippet))
	if detail == "" {
		detail = resp.Status
	}
	return fmt.Errorf("%s: backend returned %d: %s", what, resp.StatusCode, utils.Truncate(detail, 200))
}
