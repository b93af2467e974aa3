// Provides middleware for standardizing HTTP handlers.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/congsync/congsync/internal/entity"
	"github.com/congsync/congsync/internal/registry"
)

var (
	errUnauthorized   = errors.New("unauthorized")
	errInvalidAuthHdr = errors.New("invalid authorization header")
	errInvalidToken   = errors.New("invalid token")
	errBadRequest     = errors.New("bad request")
)

// Wrap adapts a handler returning (result, error) into an http.Handler that
// writes JSON and maps errors to status codes.
func Wrap(fn func(r *http.Request) (any, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := fn(r)
		if err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				slog.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
			} else {
				slog.InfoContext(r.Context(), "Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
			}
			writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthorized), errors.Is(err, errInvalidAuthHdr), errors.Is(err, errInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, entity.ErrUnknownKind),
		errors.Is(err, entity.ErrUnknownScope),
		errors.Is(err, entity.ErrNotDocumentScope):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "err", err)
	}
}

// decodeJSON reads the request body into dst, mapping failures to 400.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// requireAuth validates the Bearer JWT on every request. With an empty secret
// authentication is disabled, for local development only.
func requireAuth(secret []byte, next http.Handler) http.Handler {
	if len(secret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := validateJWT(r, secret); err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validateJWT checks the Authorization header carries a valid HS256 token.
func validateJWT(r *http.Request, secret []byte) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return errUnauthorized
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return errInvalidAuthHdr
	}
	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return errInvalidToken
	}
	return nil
}
