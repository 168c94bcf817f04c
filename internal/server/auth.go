package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"taskhub/internal/domain"
	"taskhub/internal/session"
)

// CookieConfig controls the session cookie attributes.
type CookieConfig struct {
	Name   string
	Secure bool
}

func (c CookieConfig) name() string {
	if c.Name == "" {
		return session.DefaultCookieName
	}
	return c.Name
}

// sessionCookie builds the cookie carrying value. Values are percent-encoded
// so the JSON form survives cookie octet rules.
func (c CookieConfig) sessionCookie(value string, maxAge time.Duration) http.Cookie {
	return http.Cookie{
		Name:     c.name(),
		Value:    url.PathEscape(value),
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (c CookieConfig) clearCookie() http.Cookie {
	return http.Cookie{
		Name:     c.name(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (c CookieConfig) read(req *http.Request) string {
	ck, err := req.Cookie(c.name())
	if err != nil {
		return ""
	}
	if v, err := url.PathUnescape(ck.Value); err == nil {
		return v
	}
	return ck.Value
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok && p.UserID != ""
}

func principalFromRequest(ctx context.Context) (domain.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok {
		return p, nil
	}
	return domain.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// newSessionMiddleware validates the session cookie on every API request except
// the public ones, and stores the principal in the request context. Expired or
// undecodable cookies are cleared on the way out.
func newSessionMiddleware(basePath string, guard *session.Guard, cookies CookieConfig, log *slog.Logger) func(http.Handler) http.Handler {
	public := []string{
		path.Join(basePath, "health"),
		path.Join(basePath, "openapi.json"),
	}
	authPrefix := path.Join(basePath, "auth") + "/"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if strings.HasPrefix(req.URL.Path, authPrefix) {
				next.ServeHTTP(w, req)
				return
			}
			for _, p := range public {
				if req.URL.Path == p {
					next.ServeHTTP(w, req)
					return
				}
			}

			principal, err := guard.Validate(cookies.read(req))
			if err != nil {
				if !errors.Is(err, session.ErrUnauthorized) {
					expired := cookies.clearCookie()
					http.SetCookie(w, &expired)
					log.Debug("session rejected", "path", req.URL.Path, "error", err)
				}
				respondStatusError(w, sessionError(err))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func sessionError(err error) huma.StatusError {
	switch {
	case errors.Is(err, session.ErrSessionExpired):
		return newAPIError(http.StatusUnauthorized, "session_expired", "session expired, please log in again", nil)
	case errors.Is(err, session.ErrInvalidSession):
		return newAPIError(http.StatusUnauthorized, "invalid_session", "invalid session", nil)
	default:
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
