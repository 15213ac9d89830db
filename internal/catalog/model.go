package catalog

import "time"

// Subscription lifecycle statuses. Only trial and active subscriptions
// admit traffic through the gateway.
const (
	StatusTrial     = "trial"
	StatusActive    = "active"
	StatusPastDue   = "past_due"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// BackendAPI is a third-party-registered HTTP service the gateway proxies
// to. Created by the provider-facing workflow; read-only here. The slug is
// globally unique and immutable once published.
type BackendAPI struct {
	ID       string
	Slug     string
	Name     string
	BaseURL  string
	AuthMode string
	// DefaultRate and DefaultQuota are hints used when a subscriber has
	// no plan (e.g. trial access without checkout).
	DefaultRate  int
	DefaultQuota int64
	Published    bool
	CreatedAt    time.Time
}

// User is the marketplace account owning applications and subscriptions.
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// Application groups a user's API keys.
type Application struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}

// APIKey is the stored form of a subscriber credential: a non-secret
// prefix for lookup/display plus a SHA-256 hash of the full secret. The
// raw key is never persisted.
type APIKey struct {
	ID            string
	ApplicationID string
	APIID         string
	KeyPrefix     string
	KeyHash       string
	Active        bool
	ExpiresAt     time.Time // zero means no expiry
	LastUsedAt    time.Time
	CreatedAt     time.Time
}

// Expired reports whether the key itself has lapsed.
func (k *APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// PricingPlan carries the ceilings a subscriber agreed to. Plans are
// immutable once referenced by an active subscription; changes create a
// new plan version.
type PricingPlan struct {
	ID             string
	APIID          string
	Name           string
	RatePerSecond  int
	QuotaPerPeriod int64
	TrialDays      int
	PriceCents     int64
	Version        int
	CreatedAt      time.Time
}

// Subscription binds a user to a BackendAPI and a PricingPlan. Mutated by
// billing events only; the gateway reads it.
type Subscription struct {
	ID          string
	UserID      string
	APIID       string
	PlanID      string
	Status      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	CreatedAt   time.Time
}

// Current reports whether the subscription admits traffic now: an
// admitting status and a billing period that has not elapsed.
func (s *Subscription) Current(now time.Time) bool {
	if s.Status != StatusTrial && s.Status != StatusActive {
		return false
	}
	return now.Before(s.PeriodEnd)
}

// Credential is the result of the single joined lookup the validator
// performs: key → application → user → subscription (scoped to the
// resolved API) → plan. Subscription and Plan are nil when the user has
// no admitting subscription for the API.
type Credential struct {
	Key          APIKey
	Application  Application
	User         User
	Subscription *Subscription
	Plan         *PricingPlan
}

// UsageRecord is one append-only row per completed request. Write-once,
// read by analytics and billing outside the gateway.
type UsageRecord struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"request_id"`
	APIID         string    `json:"api_id"`
	APISlug       string    `json:"api_slug"`
	UserID        string    `json:"user_id,omitempty"`
	KeyID         string    `json:"key_id,omitempty"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	StatusCode    int       `json:"status_code"`
	LatencyMS     int64     `json:"latency_ms"`
	RequestBytes  int64     `json:"request_bytes"`
	ResponseBytes int64     `json:"response_bytes"`
	CreatedAt     time.Time `json:"created_at"`
}
