// ABOUTME: HTTP middleware resolving the requesting user from a JWT or dev header
// ABOUTME: Realtime endpoints may pass the token as a query parameter

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// UserIDHeader names the requester when auth is disabled.
const UserIDHeader = "X-User-ID"

// Authenticator builds request identities. With a nil verifier it runs in
// development mode and trusts UserIDHeader.
type Authenticator struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewAuthenticator creates an authenticator. Pass nil verifier to disable auth.
func NewAuthenticator(verifier TokenVerifier, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{verifier: verifier, logger: logger.With("component", "auth")}
	if verifier == nil {
		a.logger.Warn("auth disabled, trusting " + UserIDHeader + " header")
	}
	return a
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool {
	return a.verifier != nil
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Identify resolves the requester. allowQuery accepts ?token= for clients
// that cannot set headers (browser WebSocket and EventSource).
func (a *Authenticator) Identify(r *http.Request, allowQuery bool) (*Identity, string) {
	if a.verifier == nil {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" && allowQuery {
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		if userID == "" {
			return nil, "missing " + UserIDHeader + " header"
		}
		return &Identity{UserID: userID, Admin: true, Method: MethodHeader}, ""
	}

	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" && allowQuery {
		if q := r.URL.Query().Get("token"); q != "" {
			token, errMsg = q, ""
		}
	}
	if errMsg != "" {
		return nil, errMsg
	}

	claims, err := a.verifier.Verify(token)
	if err != nil {
		a.logger.Debug("token rejected", "error", err)
		return nil, "invalid token"
	}
	return &Identity{UserID: claims.UserID, Admin: claims.Admin, Method: MethodJWT}, ""
}

// Middleware rejects unidentified requests with 401 and attaches the
// Identity to the request context.
func (a *Authenticator) Middleware(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, errMsg := a.Identify(r, allowQuery)
			if id == nil {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin creates an HTTP middleware that requires the admin claim.
// Must be used after Middleware.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !id.Admin {
				writeError(w, http.StatusForbidden, "admin scope required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
