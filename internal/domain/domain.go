package domain

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AvailabilityStatus string

const (
	StatusLikelyOpen AvailabilityStatus = "likely_open"
	StatusUnknown    AvailabilityStatus = "unknown"
	StatusLikelyFull AvailabilityStatus = "likely_full"
)

func ParseAvailabilityStatus(s string) (AvailabilityStatus, error) {
	switch v := AvailabilityStatus(s); v {
	case StatusLikelyOpen, StatusUnknown, StatusLikelyFull:
		return v, nil
	}
	return "", fmt.Errorf("invalid availability status %q", s)
}

type SignalType string

const (
	SignalManualCall     SignalType = "manual_call"
	SignalWalkinObserved SignalType = "walkin_observed"
	SignalProviderAPI    SignalType = "provider_api"
	SignalUserReport     SignalType = "user_report"
)

func ParseSignalType(s string) (SignalType, error) {
	switch v := SignalType(s); v {
	case SignalManualCall, SignalWalkinObserved, SignalProviderAPI, SignalUserReport:
		return v, nil
	}
	return "", fmt.Errorf("invalid signal type %q", s)
}

type Outcome string

const (
	OutcomeEntered   Outcome = "entered"
	OutcomeFull      Outcome = "full"
	OutcomeQueueLeft Outcome = "queue_left"
	OutcomeClosed    Outcome = "closed"
)

func ParseOutcome(s string) (Outcome, error) {
	switch v := Outcome(s); v {
	case OutcomeEntered, OutcomeFull, OutcomeQueueLeft, OutcomeClosed:
		return v, nil
	}
	return "", fmt.Errorf("invalid outcome %q", s)
}

type Method string

const (
	MethodWalkin      Method = "walkin"
	MethodCall        Method = "call"
	MethodReservation Method = "reservation"
)

func ParseMethod(s string) (Method, error) {
	switch v := Method(s); v {
	case MethodWalkin, MethodCall, MethodReservation:
		return v, nil
	}
	return "", fmt.Errorf("invalid method %q", s)
}

type SessionState string

const (
	StateProposed   SessionState = "proposed"
	StateSelected   SessionState = "selected"
	StateNavigating SessionState = "navigating"
	StateArrived    SessionState = "arrived"
	StateSuccess    SessionState = "success"
	StateFail       SessionState = "fail"
	StateRescue     SessionState = "rescue"
	StateAbandoned  SessionState = "abandoned"
)

func ParseSessionState(s string) (SessionState, error) {
	switch v := SessionState(s); v {
	case StateProposed, StateSelected, StateNavigating, StateArrived,
		StateSuccess, StateFail, StateRescue, StateAbandoned:
		return v, nil
	}
	return "", fmt.Errorf("invalid session state %q", s)
}

// IsTerminal reports whether no further transition is defined from s.
// fail is not terminal: it may still move to rescue or abandoned.
func (s SessionState) IsTerminal() bool {
	return s == StateSuccess || s == StateRescue || s == StateAbandoned
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch v := PaymentStatus(s); v {
	case PaymentPending, PaymentSucceeded, PaymentFailed, PaymentRefunded:
		return v, nil
	}
	return "", fmt.Errorf("invalid payment status %q", s)
}

type AvailabilitySnapshot struct {
	ID              string             `json:"id,omitempty"`
	PlaceID         string             `json:"place_id"`
	TimeBucketStart time.Time          `json:"time_bucket_start"`
	Status          AvailabilityStatus `json:"status" enum:"likely_open,unknown,likely_full"`
	Score           float64            `json:"score"`
	Confidence      float64            `json:"confidence"`
	SignalType      SignalType         `json:"signal_type,omitempty"`
	SignalSource    string             `json:"signal_source,omitempty"`
	ObservedAt      time.Time          `json:"observed_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
	WaitMinEstimate *int               `json:"wait_min_estimate,omitempty"`
	Note            string             `json:"note,omitempty"`
	Stale           bool               `json:"stale,omitempty"`
}

type ObservationContext struct {
	Dow             int     `json:"dow"`
	Hour            int     `json:"hour"`
	Weather         string  `json:"weather,omitempty"`
	LeadTimeMin     *int    `json:"lead_time_min,omitempty"`
	LinkedSessionID *string `json:"linked_session_id,omitempty"`
}

type Observation struct {
	ID              string             `json:"id"`
	PlaceID         string             `json:"place_id"`
	UserID          string             `json:"user_id"`
	OccurredAt      time.Time          `json:"occurred_at"`
	TimeBucketStart time.Time          `json:"time_bucket_start"`
	Outcome         Outcome            `json:"outcome" enum:"entered,full,queue_left,closed"`
	PartySize       int                `json:"party_size"`
	Method          Method             `json:"method" enum:"walkin,call,reservation"`
	Context         ObservationContext `json:"context"`
}

type TicketType struct {
	ID        string `json:"id" yaml:"-"`
	Name      string `json:"name" yaml:"name"`
	Count     int    `json:"count" yaml:"count"`
	Price     int    `json:"price" yaml:"price"`
	Currency  string `json:"currency" yaml:"currency"`
	ValidDays int    `json:"valid_days" yaml:"valid_days"`
}

type Ticket struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	Type              string     `json:"type"`
	Remaining         int        `json:"remaining"`
	ExpiresAt         time.Time  `json:"expires_at"`
	CreatedAt         time.Time  `json:"created_at"`
	PaymentID         string     `json:"payment_id"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	LastUsedSessionID *string    `json:"last_used_session_id,omitempty"`
}

// Usable reports remaining > 0 and not yet expired at now.
func (t Ticket) Usable(now time.Time) bool {
	return t.Remaining > 0 && t.ExpiresAt.After(now)
}

type Payment struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	TicketType string        `json:"ticket_type"`
	Provider   string        `json:"provider"`
	Amount     int           `json:"amount"`
	Currency   string        `json:"currency"`
	Status     PaymentStatus `json:"status" enum:"pending,succeeded,failed,refunded"`
	ExternalID string        `json:"external_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type Constraints struct {
	MaxWalkMin int    `json:"max_walk_min"`
	PriceBand  string `json:"price_band,omitempty"`
	SoloOnly   bool   `json:"solo_only"`
	PartySize  int    `json:"party_size,omitempty"`
}

type Proposal struct {
	Rank           int     `json:"rank"`
	PlaceID        string  `json:"place_id"`
	Reason         string  `json:"reason"`
	ScoreAtPropose float64 `json:"score_at_propose"`
	SnapshotRef    string  `json:"snapshot_ref,omitempty"`
}

type SessionResult struct {
	Outcome  Outcome `json:"outcome" enum:"entered,full,queue_left,closed"`
	Feedback string  `json:"feedback,omitempty"`
}

type Session struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	AreaID          string         `json:"area_id"`
	Intent          string         `json:"intent"`
	Constraints     Constraints    `json:"constraints"`
	State           SessionState   `json:"state" enum:"proposed,selected,navigating,arrived,success,fail,rescue,abandoned"`
	Proposals       []Proposal     `json:"proposals"`
	SelectedPlaceID *string        `json:"selected_place_id,omitempty"`
	Result          *SessionResult `json:"result,omitempty"`
	ParentSessionID *string        `json:"parent_session_id,omitempty"`
	RescueCount     int            `json:"rescue_count"`
	TicketUsed      *string        `json:"ticket_used,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// HasProposal reports whether placeID was among the session's proposals.
func (s Session) HasProposal(placeID string) bool {
	for _, p := range s.Proposals {
		if p.PlaceID == placeID {
			return true
		}
	}
	return false
}

type Venue struct {
	PlaceID   string    `json:"place_id"`
	AreaID    string    `json:"area_id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

type Event struct {
	ID          int64     `json:"id"`
	TS          time.Time `json:"ts"`
	Type        string    `json:"type"`
	EntityKind  string    `json:"entity_kind"`
	EntityID    string    `json:"entity_id,omitempty"`
	ActorID     string    `json:"actor_id"`
	PayloadJSON string    `json:"payload_json"`
}

// NewID returns prefix followed by 16 random hex characters.
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:8])
}
