package auth

import (
	"errors"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	a := New("secret", "diagram-collab")
	tok, err := a.Issue("user-1", "Ada", time.Hour)
	require.NoError(t, err)

	p, err := a.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "user-1", Name: "Ada"}, p)
}

func TestVerifyRejects(t *testing.T) {
	a := New("secret", "diagram-collab")
	other := New("other-secret", "diagram-collab")
	wrongIssuer := New("secret", "someone-else")

	expired := New("secret", "diagram-collab")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue("u", "", time.Hour)
	require.NoError(t, err)

	forged, _ := other.Issue("u", "", time.Hour)
	foreign, _ := wrongIssuer.Issue("u", "", time.Hour)
	noSubject, _ := gojwt.NewWithClaims(gojwt.SigningMethodHS256, Claims{
		RegisteredClaims: gojwt.RegisteredClaims{Issuer: "diagram-collab"},
	}).SignedString([]byte("secret"))

	for name, tok := range map[string]string{
		"garbage":    "not-a-jwt",
		"signature":  forged,
		"issuer":     foreign,
		"expired":    old,
		"no subject": noSubject,
	} {
		_, err := a.Verify(tok)
		if !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: want ErrInvalidToken, got %v", name, err)
		}
	}
}
