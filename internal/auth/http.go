// ABOUTME: HTTP middleware authenticating API callers
// ABOUTME: Verifies the bearer JWT and records the acting chat user from X-Fleet-User

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// ActorHeader names the chat user an API call acts for.
const ActorHeader = "X-Fleet-User"

// extractBearerToken returns the token and an error message (empty if ok).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	token, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return "", "invalid authorization header format"
	}
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeAuthError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "kind": "authorization", "reason": reason})
}

// HTTPAuthMiddleware requires an api token and attaches the caller and the
// acting chat user to the request context.
func HTTPAuthMiddleware(tokens TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}
			claims, err := tokens.Verify(token)
			if err != nil {
				if logger != nil {
					logger.Warn("auth failure", "reason", "invalid token", "path", r.URL.Path, "remote", r.RemoteAddr)
				}
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if claims.Kind != KindAPI {
				writeAuthError(w, http.StatusForbidden, ErrWrongKind.Error())
				return
			}
			authCtx := &AuthContext{
				Subject: claims.Subject,
				Kind:    KindAPI,
				ActorID: strings.TrimSpace(r.Header.Get(ActorHeader)),
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// NoAuthMiddleware attaches an anonymous api context that still carries the
// acting chat user.
func NoAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := Anonymous(KindAPI)
			authCtx.ActorID = strings.TrimSpace(r.Header.Get(ActorHeader))
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
