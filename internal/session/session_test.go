package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskhub/internal/domain"
)

var alice = domain.Principal{UserID: "u-1", Name: "alice", Email: "alice@example.com", Role: "user"}

func fixedGuard(cfg Config, now time.Time) *Guard {
	g := NewGuard(cfg)
	g.Now = func() time.Time { return now }
	return g
}

func TestValidateRejections(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := fixedGuard(Config{}, now)

	_, err := g.Validate("")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = g.Validate("{not json")
	require.ErrorIs(t, err, ErrInvalidSession)

	_, err = g.Validate(`{"name":"x","expires":"2030-01-01T00:00:00Z"}`)
	require.ErrorIs(t, err, ErrInvalidSession)
}

func TestValidateExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := fixedGuard(Config{}, now)

	for _, tc := range []struct {
		name    string
		expires time.Time
		wantErr error
	}{
		{"past", now.Add(-time.Second), ErrSessionExpired},
		{"exactly now", now, ErrSessionExpired},
		{"future", now.Add(time.Second), nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(Session{UserID: "u-1", Name: "alice", Expires: tc.expires})
			require.NoError(t, err)
			p, err := g.Validate(string(raw))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "u-1", p.UserID)
		})
	}
}

func TestIssueRoundTripPlain(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := fixedGuard(Config{}, now)

	s, value, err := g.Issue(alice, false)
	require.NoError(t, err)
	require.True(t, s.Expires.Equal(now.Add(DefaultTTL)))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(value), &decoded))
	require.Equal(t, "u-1", decoded["userId"])

	p, err := g.Validate(value)
	require.NoError(t, err)
	require.Equal(t, alice, p)

	s, _, err = g.Issue(alice, true)
	require.NoError(t, err)
	require.True(t, s.Expires.Equal(now.Add(DefaultRememberTTL)))
}

func TestSignedSessions(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := fixedGuard(Config{Secret: "s3cret"}, now)
	require.True(t, g.Signed())

	_, value, err := g.Issue(alice, false)
	require.NoError(t, err)

	p, err := g.Validate(value)
	require.NoError(t, err)
	require.Equal(t, alice, p)

	// a forged plain JSON payload is not accepted in signed mode
	forged, _ := json.Marshal(Session{UserID: "admin", Expires: now.Add(time.Hour)})
	_, err = g.Validate(string(forged))
	require.ErrorIs(t, err, ErrInvalidSession)

	other := fixedGuard(Config{Secret: "different"}, now)
	_, err = other.Validate(value)
	require.ErrorIs(t, err, ErrInvalidSession)

	later := fixedGuard(Config{Secret: "s3cret"}, now.Add(DefaultTTL))
	_, err = later.Validate(value)
	require.ErrorIs(t, err, ErrSessionExpired)
}
