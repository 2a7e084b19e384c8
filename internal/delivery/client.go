// Package delivery implements the sync engine's handlers against the
// backend REST API, one endpoint per action type.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/alexjbarnes/ride-sync/internal/errors"
	"github.com/alexjbarnes/ride-sync/internal/models"
	"github.com/alexjbarnes/ride-sync/internal/syncengine"
	"github.com/tidwall/gjson"
)

// maxErrorBody bounds how much of a failed response is kept for the
// action's last error.
const maxErrorBody = 512

// Client talks to the backend REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      func() string
	userAgent  string
}

// NewClient creates an API client. token is called per request so a
// refreshed credential is picked up. If httpClient is nil,
// http.DefaultClient is used.
func NewClient(httpClient *http.Client, baseURL string, token func() string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		userAgent:  "ride-sync",
	}
}

// Register installs one handler per action type on the engine.
func (c *Client) Register(e *syncengine.Engine) {
	e.Register(models.ActionProfileUpdate, c.UpdateProfile)
	e.Register(models.ActionRatingSubmission, c.SubmitRating)
	e.Register(models.ActionChatMessage, c.SendChatMessage)
	e.Register(models.ActionLocationUpdate, c.ReportLocation)
	e.Register(models.ActionEmergencyContactAdd, c.AddEmergencyContact)
	e.Register(models.ActionEmergencyContactRemove, c.RemoveEmergencyContact)
}

// UpdateProfile sends the profile fields in payload.
func (c *Client) UpdateProfile(ctx context.Context, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPut, "/v1/profile", payload)
}

// SubmitRating posts a rating for the ride named by payload.rideId.
func (c *Client) SubmitRating(ctx context.Context, payload json.RawMessage) error {
	rideID, err := requireString(payload, "rideId")
	if err != nil {
		return err
	}

	return c.do(ctx, http.MethodPost, "/v1/rides/"+url.PathEscape(rideID)+"/rating", payload)
}

// SendChatMessage posts a chat message written while offline.
func (c *Client) SendChatMessage(ctx context.Context, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/v1/chat/messages", payload)
}

// ReportLocation posts a location ping.
func (c *Client) ReportLocation(ctx context.Context, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/v1/location", payload)
}

// AddEmergencyContact creates an emergency contact.
func (c *Client) AddEmergencyContact(ctx context.Context, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/v1/emergency-contacts", payload)
}

// RemoveEmergencyContact deletes the contact named by payload.contactId.
func (c *Client) RemoveEmergencyContact(ctx context.Context, payload json.RawMessage) error {
	id, err := requireString(payload, "contactId")
	if err != nil {
		return err
	}

	return c.do(ctx, http.MethodDelete, "/v1/emergency-contacts/"+url.PathEscape(id), nil)
}

func requireString(payload json.RawMessage, field string) (string, error) {
	v := gjson.GetBytes(payload, field)
	if v.Type != gjson.String || v.Str == "" {
		return "", fmt.Errorf("payload has no %s", field)
	}

	return v.Str, nil
}

// do sends one request. Any 2xx is success. 409 Conflict is also
// success: the backend has already applied this idempotency key.
func (c *Client) do(ctx context.Context, method, endpoint string, body json.RawMessage) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	if key := syncengine.IdempotencyKey(ctx); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", apperrors.ErrAPIRequest, method, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", apperrors.ErrAPIRequest, endpoint, err)
	}

	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusConflict {
		return nil
	}

	return &StatusError{
		Method:  method,
		Path:    endpoint,
		Code:    resp.StatusCode,
		Message: errorMessage(respBody),
	}
}

// errorMessage pulls a human message out of an error body, falling back
// to the raw text.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "message"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}

	return strings.TrimSpace(string(body))
}

// StatusError is a non-success API response.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API %s %s returned status %d", e.Method, e.Path, e.Code)
	}

	return fmt.Sprintf("API %s %s (%d): %s", e.Method, e.Path, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	return apperrors.ErrAPIResponse
}
