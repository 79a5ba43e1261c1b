package server

import (
	"time"

	"detour/internal/domain"
	"detour/internal/observation"
)

// Request payloads

type DeviceTokenRequest struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type UpsertVenueRequest struct {
	PlaceID  string `json:"place_id"`
	AreaID   string `json:"area_id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

type ConstraintsRequest struct {
	MaxWalkMin int    `json:"max_walk_min,omitempty"`
	PriceBand  string `json:"price_band,omitempty"`
	SoloOnly   bool   `json:"solo_only,omitempty"`
	PartySize  int    `json:"party_size,omitempty"`
}

func (c ConstraintsRequest) domain() domain.Constraints {
	return domain.Constraints{MaxWalkMin: c.MaxWalkMin, PriceBand: c.PriceBand, SoloOnly: c.SoloOnly, PartySize: c.PartySize}
}

type StartSessionRequest struct {
	AreaID          string             `json:"area_id"`
	Intent          string             `json:"intent,omitempty"`
	Constraints     ConstraintsRequest `json:"constraints,omitempty"`
	ParentSessionID string             `json:"parent_session_id,omitempty"`
}

type SelectPlaceRequest struct {
	PlaceID string `json:"place_id"`
}

type AdvanceSessionRequest struct {
	State string `json:"state" enum:"navigating,arrived"`
}

type CompleteSessionRequest struct {
	Success    bool   `json:"success"`
	FailReason string `json:"fail_reason,omitempty" enum:"full,queue_left"`
	Feedback   string `json:"feedback,omitempty"`
}

type RecordSignalRequest struct {
	PlaceID         string  `json:"place_id"`
	Status          string  `json:"status" enum:"likely_open,unknown,likely_full"`
	Score           float64 `json:"score"`
	Confidence      float64 `json:"confidence"`
	SignalType      string  `json:"signal_type" enum:"manual_call,walkin_observed,provider_api,user_report"`
	SignalSource    string  `json:"signal_source,omitempty"`
	TTLMinutes      int     `json:"ttl_minutes"`
	WaitMinEstimate *int    `json:"wait_min_estimate,omitempty"`
	Note            string  `json:"note,omitempty"`
}

type ManualReportRequest struct {
	PlaceID string `json:"place_id"`
	Status  string `json:"status" enum:"likely_open,unknown,likely_full"`
	Source  string `json:"source,omitempty"`
	Note    string `json:"note,omitempty"`
}

type UserReportRequest struct {
	PlaceID string `json:"place_id"`
	Entered bool   `json:"entered"`
	WaitMin *int   `json:"wait_min,omitempty"`
}

type PlaceIDsRequest struct {
	PlaceIDs []string `json:"place_ids" minItems:"1" maxItems:"200"`
}

type RecordObservationRequest struct {
	PlaceID         string `json:"place_id"`
	Outcome         string `json:"outcome" enum:"entered,full,queue_left,closed"`
	PartySize       int    `json:"party_size,omitempty"`
	Method          string `json:"method,omitempty" enum:"walkin,call,reservation"`
	Weather         string `json:"weather,omitempty"`
	LeadTimeMin     *int   `json:"lead_time_min,omitempty"`
	LinkedSessionID string `json:"linked_session_id,omitempty"`
}

type PurchaseTicketRequest struct {
	TicketType string `json:"ticket_type"`
	Provider   string `json:"provider,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

type PaymentStatusRequest struct {
	Status string `json:"status" enum:"pending,succeeded,failed,refunded"`
}

// Response payloads

type DeviceTokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type SessionList struct {
	Items []domain.Session `json:"items"`
}

type VenueList struct {
	Items []domain.Venue `json:"items"`
}

type SnapshotBatch struct {
	Items map[string]domain.AvailabilitySnapshot `json:"items"`
}

type HourlyRates struct {
	PlaceID string                   `json:"place_id"`
	Hours   []observation.BucketRate `json:"hours"`
}

type DowRates struct {
	PlaceID string                   `json:"place_id"`
	Days    []observation.BucketRate `json:"days"`
}

type TicketList struct {
	Items []domain.Ticket `json:"items"`
}

type CatalogResponse struct {
	Items []domain.TicketType `json:"items"`
}

type CreditsResponse struct {
	UserID     string `json:"user_id"`
	Remaining  int    `json:"remaining"`
	TotalSpend int    `json:"total_spend"`
}

type PaymentList struct {
	Items []domain.Payment `json:"items"`
}

type CleanupResponse struct {
	Deleted int `json:"deleted"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}
