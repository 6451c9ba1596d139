package services

import (
	"context"
	"testing"
	"time"

	"lunawave-api/internal/apperrors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "super-secret-jwt-token-with-at-least-32-characters"

func signToken(t *testing.T, secret string, claims supabaseClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() supabaseClaims {
	return supabaseClaims{
		Email: "listener@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "8c1f2a6e-user",
			Issuer:    "https://lunawave.supabase.co/auth/v1",
			Audience:  jwt.ClaimStrings{"authenticated"},
			IssuedAt:  jwt.NewNumericDate(testStart.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testStart.Add(time.Hour)),
		},
	}
}

func TestVerifyToken(t *testing.T) {
	verifier := NewJWTVerifier(testJWTSecret, "https://lunawave.supabase.co/auth/v1", "authenticated", clockwork.NewFakeClockAt(testStart))

	token := signToken(t, testJWTSecret, validClaims())
	identity, err := verifier.VerifyToken(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	require.Equal(t, "8c1f2a6e-user", identity.UserID)
	require.Equal(t, "listener@example.com", identity.Email)

	identity, err = verifier.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "8c1f2a6e-user", identity.UserID)
}

func TestVerifyToken_Rejections(t *testing.T) {
	verifier := NewJWTVerifier(testJWTSecret, "https://lunawave.supabase.co/auth/v1", "authenticated", clockwork.NewFakeClockAt(testStart))

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(testStart.Add(-time.Second))
	noSubject := validClaims()
	noSubject.Subject = ""
	otherIssuer := validClaims()
	otherIssuer.Issuer = "https://elsewhere.example.com"
	otherAudience := validClaims()
	otherAudience.Audience = jwt.ClaimStrings{"anon"}
	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	cases := map[string]string{
		"empty":          "",
		"bearer only":    "Bearer ",
		"garbage":        "not-a-jwt",
		"wrong secret":   signToken(t, "a-completely-different-secret-value-here", validClaims()),
		"expired":        signToken(t, testJWTSecret, expired),
		"no subject":     signToken(t, testJWTSecret, noSubject),
		"other issuer":   signToken(t, testJWTSecret, otherIssuer),
		"other audience": signToken(t, testJWTSecret, otherAudience),
		"no expiry":      signToken(t, testJWTSecret, noExpiry),
	}

	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := verifier.VerifyToken(context.Background(), token)
			require.ErrorIs(t, err, apperrors.ErrUnauthorized)
		})
	}
}

func TestVerifyToken_UnconfiguredSecret(t *testing.T) {
	verifier := NewJWTVerifier("", "", "", clockwork.NewFakeClockAt(testStart))
	_, err := verifier.VerifyToken(context.Background(), signToken(t, testJWTSecret, validClaims()))
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestVerifyToken_RejectsOtherAlgorithms(t *testing.T) {
	verifier := NewJWTVerifier(testJWTSecret, "", "", clockwork.NewFakeClockAt(testStart))
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, validClaims()).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	_, err = verifier.VerifyToken(context.Background(), token)
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
}
