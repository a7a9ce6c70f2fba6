package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// OperatorHeader names the operator acting through an authenticated request.
const OperatorHeader = "X-Operator"

type operatorKey struct{}

// Operator returns the operator recorded by Auth, or "" when none was sent.
func Operator(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey{}).(string)
	return op
}

// Auth returns middleware guarding operator endpoints with a shared key sent
// as "Authorization: Bearer <key>" or "X-API-Key: <key>". An empty apiKey
// disables the check. The X-Operator header, when present, is attached to the
// request context for audit entries.
func Auth(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" {
				token := extractToken(r)
				if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
					logger.WarnContext(r.Context(), "operator request rejected",
						slog.String("path", r.URL.Path),
						slog.String("client_ip", extractClientIP(r)),
						slog.Bool("token_present", token != ""),
					)
					writeUnauthorized(w)
					return
				}
			}

			if op := strings.TrimSpace(r.Header.Get(OperatorHeader)); op != "" {
				r = r.WithContext(context.WithValue(r.Context(), operatorKey{}, op))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="signalbot"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}`))
}
