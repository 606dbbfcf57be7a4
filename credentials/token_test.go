package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", tok)

	_, err = StaticToken("").Token(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
}

func TestFileToken_LoadsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	ft, err := NewFileToken(path, nil)
	require.NoError(t, err)
	defer func() { _ = ft.Close() }()

	tok, err := ft.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", tok)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	require.Eventually(t, func() bool {
		tok, err := ft.Token(context.Background())
		return err == nil && tok == "second"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, err := ft.Token(context.Background())
		return err == ErrNoToken
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileToken_MissingFile(t *testing.T) {
	ft, err := NewFileToken(filepath.Join(t.TempDir(), "absent"), nil)
	require.NoError(t, err)
	defer func() { _ = ft.Close() }()

	_, err = ft.Token(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
}

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func TestParseClaims(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)

	tests := []struct {
		name   string
		claims jwt.MapClaims
		userID string
	}{
		{"userId", jwt.MapClaims{"userId": "u1", "exp": exp.Unix()}, "u1"},
		{"id", jwt.MapClaims{"id": "u2", "exp": exp.Unix()}, "u2"},
		{"_id", jwt.MapClaims{"_id": "u3", "exp": exp.Unix()}, "u3"},
		{"sub", jwt.MapClaims{"sub": "u4", "exp": exp.Unix()}, "u4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseClaims(signed(t, tt.claims))
			require.NoError(t, err)
			require.Equal(t, tt.userID, c.UserID)
			require.True(t, c.ExpiresAt.Equal(exp))
		})
	}
}

func TestParseClaims_Invalid(t *testing.T) {
	_, err := ParseClaims("not-a-jwt")
	require.Error(t, err)
}

func TestClaims_Expired(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)

	require.False(t, Claims{}.Expired(now))
	require.False(t, Claims{ExpiresAt: now.Add(time.Minute)}.Expired(now))
	require.True(t, Claims{ExpiresAt: now}.Expired(now))
	require.True(t, Claims{ExpiresAt: now.Add(-time.Minute)}.Expired(now))
}

func TestClaimsFrom(t *testing.T) {
	tok := signed(t, jwt.MapClaims{"userId": "u1"})

	c, err := ClaimsFrom(context.Background(), StaticToken(tok))
	require.NoError(t, err)
	require.Equal(t, "u1", c.UserID)
	require.True(t, c.ExpiresAt.IsZero())

	_, err = ClaimsFrom(context.Background(), StaticToken(""))
	require.ErrorIs(t, err, ErrNoToken)
}
