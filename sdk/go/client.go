package detoursdk

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

// Client is a minimal Detour HTTP API client for device apps.
type Client struct {
	BaseURL     string
	BearerToken string
	// SessionID is sent as X-Session-Id so the server resolves the current
	// session without a lookup.
	SessionID  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// DeviceToken is the response of the token endpoint.
type DeviceToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Proposal is one ranked suggestion of a session.
type Proposal struct {
	Rank           int     `json:"rank"`
	PlaceID        string  `json:"place_id"`
	Reason         string  `json:"reason"`
	ScoreAtPropose float64 `json:"score_at_propose"`
}

// Session represents the API session model (partial).
type Session struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	AreaID          string     `json:"area_id"`
	Intent          string     `json:"intent"`
	State           string     `json:"state"`
	Proposals       []Proposal `json:"proposals"`
	SelectedPlaceID *string    `json:"selected_place_id,omitempty"`
	ParentSessionID *string    `json:"parent_session_id,omitempty"`
	RescueCount     int        `json:"rescue_count"`
	TicketUsed      *string    `json:"ticket_used,omitempty"`
}

// Constraints narrow the candidates of a new session.
type Constraints struct {
	MaxWalkMin int    `json:"max_walk_min,omitempty"`
	PriceBand  string `json:"price_band,omitempty"`
	SoloOnly   bool   `json:"solo_only,omitempty"`
	PartySize  int    `json:"party_size,omitempty"`
}

// Snapshot is the availability view of a place.
type Snapshot struct {
	PlaceID         string    `json:"place_id"`
	Status          string    `json:"status"`
	Score           float64   `json:"score"`
	Confidence      float64   `json:"confidence"`
	SignalType      string    `json:"signal_type,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
	WaitMinEstimate *int      `json:"wait_min_estimate,omitempty"`
	Stale           bool      `json:"stale,omitempty"`
}

// SuccessRate is the entry success prior of a place.
type SuccessRate struct {
	Rate       float64 `json:"rate"`
	Confidence float64 `json:"confidence"`
	SampleSize int     `json:"sample_size"`
}

// BestTime suggests the hour with the best entry rate.
type BestTime struct {
	Hour         *int    `json:"hour,omitempty"`
	Rate         float64 `json:"rate,omitempty"`
	Insufficient bool    `json:"insufficient"`
	Message      string  `json:"message"`
}

// Credits summarizes the caller's rescue balance.
type Credits struct {
	UserID     string `json:"user_id"`
	Remaining  int    `json:"remaining"`
	TotalSpend int    `json:"total_spend"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IssueDeviceToken asks for a token. An empty userID lets the server mint a
// pseudonymous one. The client keeps the token for later calls.
func (c *Client) IssueDeviceToken(ctx context.Context, userID string) (DeviceToken, error) {
	body := map[string]any{}
	if userID != "" {
		body["user_id"] = userID
	}
	var resp DeviceToken
	if err := c.do(ctx, http.MethodPost, "device/token", body, &resp); err != nil {
		return resp, err
	}
	c.BearerToken = resp.Token
	return resp, nil
}

// StartSession starts a session and remembers it as the current one.
func (c *Client) StartSession(ctx context.Context, areaID, intent string, constraints Constraints) (Session, error) {
	body := map[string]any{
		"area_id":     areaID,
		"intent":      intent,
		"constraints": constraints,
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "sessions", body, &resp); err != nil {
		return resp, err
	}
	c.SessionID = resp.ID
	return resp, nil
}

// CurrentSession returns the active session.
func (c *Client) CurrentSession(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "sessions/current", nil, &resp)
	return resp, err
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, sessionPath(id, ""), nil, &resp)
	return resp, err
}

// ListSessions returns the caller's sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	endpoint := "sessions"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Session `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Select picks one of the session's proposals.
func (c *Client) Select(ctx context.Context, sessionID, placeID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "select"), map[string]any{"place_id": placeID}, &resp)
	return resp, err
}

// Advance moves the session to navigating or arrived.
func (c *Client) Advance(ctx context.Context, sessionID, state string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "advance"), map[string]any{"state": state}, &resp)
	return resp, err
}

// Complete records the outcome. failReason is ignored on success.
func (c *Client) Complete(ctx context.Context, sessionID string, success bool, failReason, feedback string) (Session, error) {
	body := map[string]any{"success": success}
	if !success && failReason != "" {
		body["fail_reason"] = failReason
	}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "complete"), body, &resp)
	return resp, err
}

// Rescue spends a credit on a fresh session and makes it the current one.
func (c *Client) Rescue(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "rescue"), nil, &resp); err != nil {
		return resp, err
	}
	c.SessionID = resp.ID
	return resp, nil
}

// Abandon gives up on a session.
func (c *Client) Abandon(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "abandon"), nil, &resp)
	return resp, err
}

// Availability returns the latest snapshot of a place.
func (c *Client) Availability(ctx context.Context, placeID string) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, "availability/"+url.PathEscape(placeID), nil, &resp)
	return resp, err
}

// AvailabilityBatch returns snapshots keyed by place id.
func (c *Client) AvailabilityBatch(ctx context.Context, placeIDs []string) (map[string]Snapshot, error) {
	var resp struct {
		Items map[string]Snapshot `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "availability/batch", map[string]any{"place_ids": placeIDs}, &resp)
	return resp.Items, err
}

// ReportVisit tells the server whether the caller just got in somewhere.
func (c *Client) ReportVisit(ctx context.Context, placeID string, entered bool, waitMin *int) (Snapshot, error) {
	body := map[string]any{"place_id": placeID, "entered": entered}
	if waitMin != nil {
		body["wait_min"] = *waitMin
	}
	var resp Snapshot
	err := c.do(ctx, http.MethodPost, "signals/user", body, &resp)
	return resp, err
}

// RecordObservation appends a visit outcome.
func (c *Client) RecordObservation(ctx context.Context, placeID, outcome string, partySize int) error {
	body := map[string]any{"place_id": placeID, "outcome": outcome}
	if partySize > 0 {
		body["party_size"] = partySize
	}
	return c.do(ctx, http.MethodPost, "observations", body, nil)
}

// SuccessRate returns the entry success prior of a place.
func (c *Client) SuccessRate(ctx context.Context, placeID string) (SuccessRate, error) {
	var resp SuccessRate
	err := c.do(ctx, http.MethodGet, "places/"+url.PathEscape(placeID)+"/success-rate", nil, &resp)
	return resp, err
}

// BestTime returns the best hour to visit a place.
func (c *Client) BestTime(ctx context.Context, placeID string) (BestTime, error) {
	var resp BestTime
	err := c.do(ctx, http.MethodGet, "places/"+url.PathEscape(placeID)+"/best-time", nil, &resp)
	return resp, err
}

// BuyTicket purchases a ticket type from the catalog.
func (c *Client) BuyTicket(ctx context.Context, ticketType string) error {
	return c.do(ctx, http.MethodPost, "tickets/purchase", map[string]any{"ticket_type": ticketType}, nil)
}

// Credits returns the remaining rescue credits.
func (c *Client) Credits(ctx context.Context) (Credits, error) {
	var resp Credits
	err := c.do(ctx, http.MethodGet, "tickets/credits", nil, &resp)
	return resp, err
}

// EventsPage returns a page of the event log. Operator tokens only.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("after", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.SessionID != "" {
		req.Header.Set("X-Session-Id", c.SessionID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func sessionPath(id, action string) string {
	p := "sessions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
