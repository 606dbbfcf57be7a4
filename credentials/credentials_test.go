package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("MEDSYNC_TEST_TOKEN", "secret123")

	input := `{"auth_token": {{ env "MEDSYNC_TEST_TOKEN" | json }}}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "secret123", creds.AuthToken)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	input := `{"auth_token": {{ env "NONEXISTENT_VAR_XYZ" | json }}}`
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.ErrorContains(t, err, "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefault(t *testing.T) {
	input := `{"auth_token": {{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "fallback", creds.AuthToken)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "token.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte("file-secret\n"), 0o600))

	input := `{"primary": {"token": {{ file "` + tmpFile + `" | json }}}}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.NotNil(t, creds.Primary)
	require.Equal(t, "file-secret", creds.Primary.Token)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("MEDSYNC_TEST_SPECIAL", `value with "quotes" and \backslash`)

	input := `{"auth_token": {{ env "MEDSYNC_TEST_SPECIAL" | json }}}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, `value with "quotes" and \backslash`, creds.AuthToken)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mock := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `{
		"auth_token": {{ vault "same-ref" | json }},
		"primary": {"token": {{ vault "same-ref" | json }}}
	}`
	creds, err := NewResolver(WithProvider("vault", mock)).ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "resolved-same-ref", creds.AuthToken)
	require.Equal(t, "resolved-same-ref", creds.Primary.Token)
	require.Equal(t, 1, callCount)
}

func TestResolveReader_FullCredentials(t *testing.T) {
	t.Setenv("MEDLINK_TOKEN", "jwt-value")
	t.Setenv("SEPOLIA_RPC", "https://sepolia.example/v3/key")

	input := `{
		"auth_token": "bridge-token",
		"primary": {"token": {{ env "MEDLINK_TOKEN" | json }}, "token_file": "/run/medsync/token"},
		"ledger": {"rpc_url": {{ env "SEPOLIA_RPC" | json }}}
	}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	require.Equal(t, "bridge-token", creds.AuthToken)
	require.Equal(t, "jwt-value", creds.Primary.Token)
	require.Equal(t, "/run/medsync/token", creds.Primary.TokenFile)
	require.Equal(t, "https://sepolia.example/v3/key", creds.Ledger.RPCURL)
}

func TestResolveReader_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing key", `{"auth_token": {{ .UndefinedKey }}}`, "executing credentials template"},
		{"invalid json", `not valid json`, "invalid credentials JSON after template execution"},
		{"bad template", `{{ env }`, "parsing credentials template"},
		{"oversized", strings.Repeat("x", maxInputSize+1), "exceeds maximum size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(tt.input))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestResolveReader_Empty(t *testing.T) {
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(`{}`))
	require.NoError(t, err)
	require.Empty(t, creds.AuthToken)
	require.Nil(t, creds.Primary)
	require.Nil(t, creds.Ledger)
}

func TestResolveFile(t *testing.T) {
	t.Setenv("MEDSYNC_TEST_TOKEN", "from-file")

	tmpFile := filepath.Join(t.TempDir(), "creds.json.tmpl")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{"auth_token": {{ env "MEDSYNC_TEST_TOKEN" | json }}}`), 0o600))

	creds, err := NewResolver().ResolveFile(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.AuthToken)

	_, err = NewResolver().ResolveFile(context.Background(), "/nonexistent/path")
	require.ErrorContains(t, err, "opening credentials file")
}
