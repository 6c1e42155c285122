package tui

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/airlock/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps the daemon calls the console needs.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new API client. token may be empty when the daemon
// runs without authentication.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// APIError is a non-2xx daemon response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		} else {
			apiErr.Message = string(data)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Pending fetches the unresolved approval requests, oldest first.
func (c *Client) Pending() ([]models.ApprovalRequest, error) {
	var out []models.ApprovalRequest
	if err := c.do(http.MethodGet, "/api/approvals", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Respond approves or denies a request.
func (c *Client) Respond(id string, approved bool) error {
	return c.do(http.MethodPost, "/api/approvals/"+id, map[string]bool{"approved": approved}, nil)
}

// Plans fetches the most recent plans.
func (c *Client) Plans(limit int) ([]models.TaskPlan, error) {
	var out []models.TaskPlan
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/plans?limit=%d", limit), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PlanState is the execution state of a plan as reported by the daemon.
type PlanState struct {
	PlanID string                  `json:"planId"`
	State  models.ExecutionState   `json:"state"`
	Result *models.ExecutionResult `json:"result,omitempty"`
}

// State fetches the execution state of a plan. A plan that never ran
// reports an empty state.
func (c *Client) State(planID string) (*PlanState, error) {
	var out PlanState
	if err := c.do(http.MethodGet, "/api/plans/"+planID+"/result", nil, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return &PlanState{PlanID: planID}, nil
		}
		return nil, err
	}
	return &out, nil
}

// Cancel requests cancellation of a running plan.
func (c *Client) Cancel(planID string) error {
	return c.do(http.MethodPost, "/api/plans/"+planID+"/cancel", nil, nil)
}

// Healthy reports whether the daemon answers its health check.
func (c *Client) Healthy() bool {
	return c.do(http.MethodGet, "/health", nil, nil) == nil
}
