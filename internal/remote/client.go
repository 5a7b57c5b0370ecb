// Package remote provides the HTTP client for the remote reading service.
//
// The wire protocol is the Diabetactic gateway's glucose surface: bearer
// auth, JSON bodies, ISO 8601 dates with explicit offsets.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/diabetactic/glucotrack-core/internal/models"
)

// TokenProvider returns a bearer token for the next request.
type TokenProvider func(ctx context.Context) (string, error)

// RemoteReading is the backend's representation of one glucose reading.
type RemoteReading struct {
	ID          int64   `json:"id"`
	Value       float64 `json:"value"`
	Date        string  `json:"date"`
	Unit        string  `json:"unit,omitempty"`
	MealContext string  `json:"meal_context,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

// MeasuredAt parses the reading's date, preserving its offset.
func (r *RemoteReading) MeasuredAt() (time.Time, error) {
	return time.Parse(time.RFC3339, r.Date)
}

// ReadingPayload is the request body for create and update calls.
type ReadingPayload struct {
	Value       float64 `json:"value"`
	Date        string  `json:"date"`
	Unit        string  `json:"unit,omitempty"`
	MealContext string  `json:"meal_context,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

// PayloadFromSnapshot maps a frozen local payload onto the wire shape.
func PayloadFromSnapshot(snap models.ReadingSnapshot) ReadingPayload {
	measured := time.Unix(snap.MeasuredAt, 0).In(time.FixedZone("", snap.TZOffsetSec))
	return ReadingPayload{
		Value:       snap.Value,
		Date:        measured.Format(time.RFC3339),
		Unit:        snap.Unit,
		MealContext: snap.MealContext,
		Notes:       snap.Notes,
	}
}

// Client calls the remote reading service. Every request carries its own
// timeout via the underlying http.Client so a single call can never stall a
// sync pass indefinitely.
type Client struct {
	baseURL string
	token   TokenProvider
	http    *http.Client
}

// NewClient creates a Client against the given base URL.
func NewClient(baseURL string, token TokenProvider, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateReading pushes a new reading and returns the backend's copy,
// including the assigned remote id.
func (c *Client) CreateReading(ctx context.Context, payload ReadingPayload) (*RemoteReading, error) {
	var created RemoteReading
	if err := c.do(ctx, http.MethodPost, "/glucose/create", 0, payload, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateReading replaces the payload of an existing remote reading.
func (c *Client) UpdateReading(ctx context.Context, remoteID int64, payload ReadingPayload) error {
	path := fmt.Sprintf("/glucose/%d", remoteID)
	return c.do(ctx, http.MethodPut, path, remoteID, payload, nil)
}

// DeleteReading removes a remote reading.
func (c *Client) DeleteReading(ctx context.Context, remoteID int64) error {
	path := fmt.Sprintf("/glucose/%d", remoteID)
	return c.do(ctx, http.MethodDelete, path, remoteID, nil, nil)
}

// ListReadings fetches the caller's full remote reading set.
func (c *Client) ListReadings(ctx context.Context) ([]RemoteReading, error) {
	var readings []RemoteReading
	if err := c.do(ctx, http.MethodGet, "/glucose/mine", 0, nil, &readings); err != nil {
		return nil, err
	}
	return readings, nil
}

// Ping checks reachability of the backend without authentication side
// effects. Used by the connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/glucose/mine", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	resp.Body.Close()
	return nil
}

// classifyTokenError maps a TokenProvider failure onto the request error
// taxonomy. Already-typed errors pass through unchanged so a gateway that
// is merely unreachable during login stays a retryable transport failure
// instead of halting the sync pass as an auth failure.
func classifyTokenError(err error) error {
	var (
		transportErr *TransportError
		authErr      *AuthError
		statusErr    *StatusError
	)
	if errors.As(err, &transportErr) || errors.As(err, &authErr) || errors.As(err, &statusErr) {
		return err
	}
	return &AuthError{StatusCode: 0}
}

func (c *Client) do(ctx context.Context, method, path string, remoteID int64, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return classifyTokenError(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{RemoteID: remoteID}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ValidationError{StatusCode: resp.StatusCode, Detail: string(detail)}
	default:
		bodyText, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bodyText)}
	}
}
