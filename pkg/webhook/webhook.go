// Package webhook implements the webhook verifier: validates an inbound
// identity-provider webhook's HMAC signature over "id.timestamp.body" and
// routes the verified event into the user-sync engine.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cartofabric/fabric/internal/apperr"
	"github.com/cartofabric/fabric/internal/httpserver"
	"github.com/cartofabric/fabric/pkg/identity"
	"github.com/cartofabric/fabric/pkg/usersync"
)

// Verifier checks the id/timestamp/signature headers of an inbound
// webhook against its raw body using HMAC-SHA256 over
// "id.timestamp.body", with a constant-time comparison.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier over secret. An empty secret makes every
// Verify call fail with apperr.Misconfiguration.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify implements pkg/identity.WebhookVerifier.
func (v *Verifier) Verify(r *http.Request, body []byte) error {
	if len(v.secret) == 0 {
		return apperr.New(apperr.Misconfiguration, "webhook secret not configured")
	}

	id := r.Header.Get("id")
	ts := r.Header.Get("timestamp")
	sig := r.Header.Get("signature")
	if id == "" || ts == "" || sig == "" {
		return apperr.New(apperr.Unauthenticated, "missing webhook signature headers")
	}

	payload := make([]byte, 0, len(id)+len(ts)+len(body)+2)
	payload = append(payload, id...)
	payload = append(payload, '.')
	payload = append(payload, ts...)
	payload = append(payload, '.')
	payload = append(payload, body...)

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(sig)
	if err != nil || subtle.ConstantTimeCompare(expected, got) != 1 {
		return apperr.New(apperr.Unauthenticated, "invalid webhook signature")
	}
	return nil
}

// webhookUser is the subset of a Clerk-shaped user payload the handler
// needs to build identity.Claims for a sync/deactivate call.
type webhookUser struct {
	ID                    string `json:"id"`
	Username              string `json:"username"`
	FirstName             string `json:"first_name"`
	LastName              string `json:"last_name"`
	ImageURL              string `json:"image_url"`
	PrimaryEmailAddressID string `json:"primary_email_address_id"`
	EmailAddresses        []struct {
		ID           string `json:"id"`
		EmailAddress string `json:"email_address"`
		Verification struct {
			Status string `json:"status"`
		} `json:"verification"`
	} `json:"email_addresses"`
}

func (u webhookUser) primaryEmail() (address string, verified bool) {
	for _, e := range u.EmailAddresses {
		if e.ID == u.PrimaryEmailAddressID {
			return e.EmailAddress, e.Verification.Status == "verified"
		}
	}
	return "", false
}

func claimsFromWebhookData(data map[string]any) (*identity.Claims, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var u webhookUser
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	email, verified := u.primaryEmail()
	return &identity.Claims{
		Provider:       identity.ProviderCloud,
		ProviderUserID: u.ID,
		AuthMethod:     identity.AuthSocialOAuth,
		Email:          email,
		EmailVerified:  verified,
		Username:       u.Username,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		AvatarURL:      u.ImageURL,
	}, nil
}

// Handler exposes the IdP webhook endpoint and routes verified events
// into the user-sync engine.
type Handler struct {
	provider identity.Identity
	sync     *usersync.Engine
	logger   *slog.Logger
}

// NewHandler builds a Handler. provider is the configured identity
// provider (local or cloud); its HandleWebhook already enforces the
// "local disables webhooks" rule.
func NewHandler(provider identity.Identity, sync *usersync.Engine, logger *slog.Logger) *Handler {
	return &Handler{provider: provider, sync: sync, logger: logger}
}

// Routes mounts the single POST webhook endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handle)
	return r
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	result, err := h.provider.HandleWebhook(r.Context(), r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	switch result.Type {
	case "user.created", "user.updated", "user.deleted":
		claims, err := claimsFromWebhookData(result.Data)
		if err != nil {
			h.logger.Error("decoding webhook user payload", "error", err, "type", result.Type)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to process webhook")
			return
		}
		h.route(r, result.Type, claims)
	default:
		h.logger.Info("ignoring unrecognized webhook event type", "type", result.Type)
	}

	httpserver.Respond(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) route(r *http.Request, eventType string, claims *identity.Claims) {
	ctx := r.Context()
	switch eventType {
	case "user.created":
		if _, err := h.sync.Sync(ctx, claims, true, true); err != nil {
			h.logger.Error("syncing created user from webhook", "error", err)
		}
	case "user.updated":
		if _, err := h.sync.Sync(ctx, claims, false, true); err != nil {
			h.logger.Error("syncing updated user from webhook", "error", err)
		}
	case "user.deleted":
		if _, err := h.sync.Deactivate(ctx, string(claims.Provider), claims.ProviderUserID); err != nil {
			h.logger.Error("deactivating user from webhook", "error", err)
		}
	}
}

// respondError maps the provider's tagged error to the status codes the
// webhook contract promises: 401 for an invalid signature, 500 for a
// missing secret, 400 when the auth provider has webhooks disabled.
// Internal error text is never surfaced.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch apperr.KindOf(err) {
	case apperr.Unauthenticated:
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthenticated", "invalid webhook signature")
	case apperr.Misconfiguration:
		httpserver.RespondError(w, http.StatusInternalServerError, "misconfiguration", "webhook processing is not configured")
	case apperr.Validation:
		httpserver.RespondError(w, http.StatusBadRequest, "validation", "webhooks are not enabled for this auth provider")
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to process webhook")
	}
}
