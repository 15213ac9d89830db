// Package auth validates subscriber credentials: it extracts the API key,
// resolves the owning user, application, subscription, and plan in one
// catalog lookup, and judges validity.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hubgate/hubgate/internal/catalog"
	"github.com/hubgate/hubgate/internal/errors"
	"github.com/hubgate/hubgate/internal/logging"
	"github.com/hubgate/hubgate/internal/pipeline"
	"go.uber.org/zap"
)

// Failure reasons, surfaced as 401 messages.
const (
	ReasonInvalidKey          = "INVALID_KEY"
	ReasonExpiredKey          = "EXPIRED_KEY"
	ReasonExpiredSubscription = "EXPIRED_SUBSCRIPTION"
)

var reasonMessages = map[string]string{
	ReasonInvalidKey:          "Invalid API key",
	ReasonExpiredKey:          "API key expired",
	ReasonExpiredSubscription: "Subscription expired",
}

// Key carriers, in priority order after the Authorization header.
var keyHeaders = []string{
	"X-API-Key",
	"X-RapidAPI-Key",
	"X-Gateway-Key",
}

const keyQueryParam = "api_key"

// Validator is the authentication pipeline stage.
type Validator struct {
	store catalog.Store
	// touchTimeout bounds the fire-and-forget last-used write.
	touchTimeout time.Duration
}

// New creates a Validator backed by the catalog.
func New(store catalog.Store) *Validator {
	return &Validator{
		store:        store,
		touchTimeout: 5 * time.Second,
	}
}

func (v *Validator) Name() string { return "auth" }

// Run authenticates the request against the resolved API. APIs declaring
// auth mode "none" pass through without a credential and fall back to the
// keyless limits.
func (v *Validator) Run(rc *pipeline.Context) pipeline.Result {
	if rc.API.AuthMode == "none" {
		return pipeline.Continue()
	}

	rawKey := ExtractKey(rc.Request)
	if rawKey == "" {
		return v.fail(rc, ReasonInvalidKey)
	}

	cred, err := v.store.CredentialByKey(rc.Request.Context(),
		catalog.KeyLookupPrefix(rawKey), catalog.HashKey(rawKey), rc.API.ID)
	if err == catalog.ErrNotFound {
		return v.fail(rc, ReasonInvalidKey)
	}
	if err != nil {
		logging.Error("credential lookup failed",
			zap.String("request_id", rc.RequestID),
			zap.Error(err),
		)
		return pipeline.Fail(errors.ErrInternalServer.WithRequestID(rc.RequestID))
	}

	now := time.Now()
	switch {
	case !cred.Key.Active:
		return v.fail(rc, ReasonInvalidKey)
	case cred.Key.Expired(now):
		return v.fail(rc, ReasonExpiredKey)
	case cred.Subscription == nil || !cred.Subscription.Current(now):
		return v.fail(rc, ReasonExpiredSubscription)
	}

	rc.Credential = cred

	// Last-used bookkeeping must never block or fail the request.
	go v.touchKey(cred.Key.ID, now)

	return pipeline.Continue()
}

func (v *Validator) fail(rc *pipeline.Context, reason string) pipeline.Result {
	logging.Debug("authentication failed",
		zap.String("request_id", rc.RequestID),
		zap.String("reason", reason),
	)
	return pipeline.Fail(errors.ErrUnauthorized.
		WithMessage(reasonMessages[reason]).
		WithRequestID(rc.RequestID))
}

func (v *Validator) touchKey(keyID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), v.touchTimeout)
	defer cancel()
	if err := v.store.TouchKey(ctx, keyID, at); err != nil {
		logging.Warn("key last-used update failed",
			zap.String("key_id", keyID),
			zap.Error(err),
		)
	}
}

// ExtractKey pulls the API key from the recognized carriers, in priority
// order: Authorization Bearer, the vendor key headers, then the api_key
// query parameter.
func ExtractKey(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); len(authz) > 7 && strings.EqualFold(authz[:7], "Bearer ") {
		return authz[7:]
	}
	for _, h := range keyHeaders {
		if key := r.Header.Get(h); key != "" {
			return key
		}
	}
	return r.URL.Query().Get(keyQueryParam)
}
