package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basket/apiforge/internal/persistence"
)

// CallbackProcessor hands each claimed task to an external generation
// service over HTTP. The service receives the opaque endpoint descriptor and
// returns the opaque result; neither side's blobs are interpreted here.
type CallbackProcessor struct {
	URL    string
	Client *http.Client
}

func NewCallbackProcessor(url string) *CallbackProcessor {
	return &CallbackProcessor{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Minute},
	}
}

type callbackRequest struct {
	TaskID     string          `json:"task_id"`
	SessionID  string          `json:"session_id"`
	Priority   int             `json:"priority"`
	RetryCount int             `json:"retry_count"`
	Endpoint   json.RawMessage `json:"endpoint"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type callbackResponse struct {
	Result  json.RawMessage `json:"result"`
	Metrics json.RawMessage `json:"metrics,omitempty"`
}

func (p *CallbackProcessor) Process(ctx context.Context, task persistence.Task) (json.RawMessage, json.RawMessage, error) {
	body, err := json.Marshal(callbackRequest{
		TaskID:     task.ID,
		SessionID:  task.SessionID,
		Priority:   task.Priority,
		RetryCount: task.RetryCount,
		Endpoint:   task.Endpoint,
		Metadata:   task.Metadata,
	})
	if err != nil {
		return nil, nil, &ProcessorError{
			Type:        "encoding",
			Message:     fmt.Sprintf("encode callback request: %v", err),
			Recoverable: false,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, &ProcessorError{
			Type:        "encoding",
			Message:     fmt.Sprintf("build callback request: %v", err),
			Recoverable: false,
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		// Connection failures are transient from the queue's point of view.
		return nil, nil, &ProcessorError{
			Type:        "upstream",
			Message:     fmt.Sprintf("callback request failed: %v", err),
			Recoverable: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, nil, &ProcessorError{
			Type:        "upstream",
			Message:     fmt.Sprintf("callback returned %d: %s", resp.StatusCode, snippet),
			Recoverable: retryableStatus(resp.StatusCode),
		}
	}

	var out callbackResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, &ProcessorError{
			Type:        "upstream",
			Message:     fmt.Sprintf("decode callback response: %v", err),
			Recoverable: true,
		}
	}
	return out.Result, out.Metrics, nil
}

// retryableStatus treats server-side and throttling statuses as transient;
// other 4xx responses mean the task itself is bad.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
