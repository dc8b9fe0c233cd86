package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwtpkg "github.com/splax/sitedeploy/pkg/jwt"
)

type operatorKey struct{}

// operator is the authenticated caller. TenantID comes from the token's team
// claim and scopes every deployment the caller may submit or read.
type operator struct {
	UserID   string
	TenantID string
}

var operatorContextKey = operatorKey{}

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errMalformedBearer      = errors.New("invalid authorization header format")
)

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth verifies the bearer token, stores the operator on the request
// context and only then invokes next.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		op, status, err := r.authenticate(req)
		if err != nil {
			r.logger.Warn("request authentication failed", "error", err, "path", req.URL.Path)
			msg := "authentication required"
			if status == http.StatusForbidden {
				msg = "token is not scoped to a tenant"
			}
			writeError(w, status, msg)
			return
		}
		ctx := context.WithValue(req.Context(), operatorContextKey, op)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// authenticate returns the operator for req or the status to reject it with.
func (r *Router) authenticate(req *http.Request) (operator, int, error) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil && isStreamPath(req.URL.Path) {
		// EventSource and WebSocket handshakes from browsers cannot carry headers.
		if q := strings.TrimSpace(req.URL.Query().Get("access_token")); q != "" {
			token, err = q, nil
		}
	}
	if err != nil {
		return operator{}, http.StatusUnauthorized, err
	}
	claims, err := jwtpkg.ParseOperator(token, r.jwtSecret)
	switch {
	case errors.Is(err, jwtpkg.ErrMissingTenant):
		return operator{}, http.StatusForbidden, err
	case err != nil:
		return operator{}, http.StatusUnauthorized, err
	}
	return operator{UserID: claims.UserID, TenantID: claims.TeamID}, http.StatusOK, nil
}

func operatorFromContext(ctx context.Context) (operator, bool) {
	op, ok := ctx.Value(operatorContextKey).(operator)
	return op, ok
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingAuthorization
	}
	scheme, token, found := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return "", errMalformedBearer
	}
	return token, nil
}

func isStreamPath(path string) bool {
	return strings.HasPrefix(path, "/ws/") || strings.HasPrefix(path, "/sse/")
}
