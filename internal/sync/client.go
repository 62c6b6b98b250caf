// Package sync provides the network-aware synchronization orchestrator.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nexlearn/offline/internal/models"
)

// RejectedError is a validation or business rejection from the server. It is
// terminal: retrying the same payload cannot succeed.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by server (%d): %s", e.Status, e.Message)
}

// ConflictError reports state divergence detected by the server. It carries
// the server's copy of the record for the resolver.
type ConflictError struct {
	Body models.ConflictBody
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Body.RecordKey, e.Body.Message)
}

// callFunc performs the remote call for one action.
type callFunc func(ctx context.Context, action *models.SyncAction) (*models.APIResponse, error)

// Client talks to the remote learning platform API. One handler exists per
// action type; unknown types never reach the wire.
type Client struct {
	http     *resty.Client
	handlers map[models.ActionType]callFunc
}

// NewClient creates a Client for the given API base URL and bearer token.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	c := &Client{http: http}
	c.handlers = map[models.ActionType]callFunc{
		models.ActionEnrollment:       c.enroll,
		models.ActionQuizSubmission:   c.submitQuiz,
		models.ActionProfileEdit:      c.editProfile,
		models.ActionVideoProgress:    c.updateProgress,
		models.ActionCourseCompletion: c.completeCourse,
	}
	return c
}

// Do performs the remote call for the action. Returned errors are one of:
// *ConflictError (divergence), *RejectedError (terminal), or a plain error
// for transient transport/server trouble.
func (c *Client) Do(ctx context.Context, action *models.SyncAction) (*models.APIResponse, error) {
	handler, ok := c.handlers[action.Type]
	if !ok {
		return nil, &RejectedError{Message: fmt.Sprintf("no handler for action type %q", action.Type)}
	}
	return handler(ctx, action)
}

func (c *Client) request(ctx context.Context, action *models.SyncAction) *resty.Request {
	// The transport is at-least-once; the server deduplicates on this key.
	return c.http.R().
		SetContext(ctx).
		SetHeader("X-Idempotency-Key", action.ID.String()).
		SetBody(json.RawMessage(action.Payload))
}

func (c *Client) enroll(ctx context.Context, action *models.SyncAction) (*models.APIResponse, error) {
	var p models.EnrollmentPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return nil, &RejectedError{Message: fmt.Sprintf("bad enrollment payload: %v", err)}
	}
	resp, err := c.request(ctx, action).
		Post(fmt.Sprintf("/courses/%s/enroll", p.CourseID))
	return classify(resp, err)
}

func (c *Client) submitQuiz(ctx context.Context, action *models.SyncAction) (*models.APIResponse, error) {
	var p models.QuizSubmissionPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return nil, &RejectedError{Message: fmt.Sprintf("bad quiz payload: %v", err)}
	}
	resp, err := c.request(ctx, action).
		Post(fmt.Sprintf("/courses/%s/quizzes/%s/submit", p.CourseID, p.QuizID))
	return classify(resp, err)
}

func (c *Client) updateProgress(ctx context.Context, action *models.SyncAction) (*models.APIResponse, error) {
	var p models.VideoProgressPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return nil, &RejectedError{Message: fmt.Sprintf("bad progress payload: %v", err)}
	}
	resp, err := c.request(ctx, action).
		Put(fmt.Sprintf("/courses/%s/lessons/%s/progress", p.CourseID, p.LessonID))
	return classify(resp, err)
}

func (c *Client) completeCourse(ctx context.Context, action *models.SyncAction) (*models.APIResponse, error) {
	var p models.CourseCompletionPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return nil, &RejectedError{Message: fmt.Sprintf("bad completion payload: %v", err)}
	}
	resp, err := c.request(ctx, action).
		Post(fmt.Sprintf("/courses/%s/complete", p.CourseID))
	return classify(resp, err)
}

func (c *Client) editProfile(ctx context.Context, action *models.SyncAction) (*models.APIResponse, error) {
	resp, err := c.request(ctx, action).Put("/users/profile")
	return classify(resp, err)
}

// classify maps a raw HTTP exchange onto the engine's error taxonomy.
func classify(resp *resty.Response, err error) (*models.APIResponse, error) {
	if err != nil {
		// Transport failure or timeout: transient, counts toward retries.
		return nil, fmt.Errorf("request failed: %w", err)
	}

	code := resp.StatusCode()
	switch {
	case code == 409:
		var body models.ConflictBody
		if jerr := json.Unmarshal(resp.Body(), &body); jerr != nil {
			return nil, fmt.Errorf("conflict response unreadable: %w", jerr)
		}
		return nil, &ConflictError{Body: body}
	case code >= 500:
		return nil, fmt.Errorf("server error: %d", code)
	case code >= 400:
		msg := resp.String()
		var api models.APIResponse
		if json.Unmarshal(resp.Body(), &api) == nil && api.Message != "" {
			msg = api.Message
		}
		return nil, &RejectedError{Status: code, Message: msg}
	}

	var api models.APIResponse
	if jerr := json.Unmarshal(resp.Body(), &api); jerr != nil {
		return nil, fmt.Errorf("response unreadable: %w", jerr)
	}
	if !api.Success {
		return nil, &RejectedError{Status: code, Message: api.Message}
	}
	return &api, nil
}
