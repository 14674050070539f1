package models

import "encoding/json"

// ActiveRequest is an in-flight backend call.
type ActiveRequest struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	StartedAt Timestamp `json:"startedAt"`
	AgeMs     int64     `json:"ageMs"`
}

// ActiveRequestList is the body of GET /v1/monitor/requests.
type ActiveRequestList struct {
	Count    int             `json:"count"`
	Requests []ActiveRequest `json:"requests"`
}

// Check is a registered validation check and its failure streak.
type Check struct {
	ID          string         `json:"id"`
	Message     string         `json:"message"`
	Lifetime    string         `json:"lifetime"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Failures    int            `json:"failures"`
	LastFailure *Timestamp     `json:"lastFailure,omitempty"`
}

// CheckList is the body of GET /v1/monitor/checks.
type CheckList struct {
	State  string  `json:"state"`
	Cycles int     `json:"cycles"`
	Checks []Check `json:"checks"`
}

// CheckRun is the body of POST /v1/monitor/checks/run.
type CheckRun struct {
	Checked   int      `json:"checked"`
	Failed    []string `json:"failed"`
	Escalated []string `json:"escalated"`
}

// Provider is the circuit state of one backend provider.
type Provider struct {
	Name          string       `json:"name"`
	Status        HealthStatus `json:"status"`
	CircuitState  string       `json:"circuitState"`
	Requests      uint32       `json:"requests"`
	Failures      uint32       `json:"totalFailures"`
	LastSuccessAt *Timestamp   `json:"lastSuccessAt,omitempty"`
	LastFailureAt *Timestamp   `json:"lastFailureAt,omitempty"`
	LastError     string       `json:"lastError,omitempty"`
}

// ProviderList is the body of GET /v1/monitor/providers.
type ProviderList struct {
	Providers []Provider `json:"providers"`
}

// StoredEvent is a persisted monitor event.
type StoredEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Severity  string          `json:"severity"`
	Subject   string          `json:"subject"`
	Summary   string          `json:"summary"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt Timestamp       `json:"createdAt"`
}

// EventList is the body of GET /v1/monitor/events.
type EventList struct {
	Events []StoredEvent `json:"events"`
}

// Query is the cached state of one backend query.
type Query struct {
	Key               string     `json:"key"`
	StaleAfterSeconds int64      `json:"staleAfterSeconds"`
	FetchedAt         *Timestamp `json:"fetchedAt,omitempty"`
	Stale             bool       `json:"stale"`
	LastError         string     `json:"lastError,omitempty"`
}

// QueryList is the body of GET /v1/monitor/queries.
type QueryList struct {
	Queries []Query `json:"queries"`
}

// QueryResult is the body of GET /v1/monitor/queries/{key}. Stale is set
// when the backend could not be reached and an older result was served.
type QueryResult struct {
	Key   string `json:"key"`
	Stale bool   `json:"stale"`
	Value any    `json:"value"`
}
