package credentials

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveReader(t *testing.T) {
	t.Setenv("TEST_ORIGIN_TOKEN", "origin-secret")

	input := `{
		"api_token": "static-token",
		"origin": {
			"base_url": "https://origin.example.com",
			"token": "{{ env "TEST_ORIGIN_TOKEN" }}"
		}
	}`

	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, "static-token", creds.APIToken)
	require.NotNil(t, creds.Origin)
	assert.Equal(t, "https://origin.example.com", creds.Origin.BaseURL)
	assert.Equal(t, "origin-secret", creds.Origin.Token)
}

func TestResolveEnvDefault(t *testing.T) {
	input := `{"api_token": "{{ envDefault "UNSET_VAULT_TOKEN" "fallback" }}"}`

	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, "fallback", creds.APIToken)
}

func TestResolveMissingEnvFails(t *testing.T) {
	input := `{"api_token": "{{ env "DEFINITELY_NOT_SET_VAR" }}"}`

	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	assert.ErrorContains(t, err, "executing credentials template")
}

func TestResolveCustomProvider(t *testing.T) {
	calls := 0
	r := NewResolver(WithProvider("vault", func(ctx context.Context, ref string) (string, error) {
		calls++
		return "resolved-" + ref, nil
	}))

	input := `{
		"api_token": "{{ vault "api" }}",
		"master_key": "{{ vault "api" }}"
	}`

	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, "resolved-api", creds.APIToken)
	assert.Equal(t, 1, calls, "provider results are memoized per ref")
}

func TestResolveInvalidJSON(t *testing.T) {
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(`not json`))
	assert.ErrorContains(t, err, "invalid credentials JSON")
}

func TestMasterKeyBytes(t *testing.T) {
	key := []byte("thirty-two-byte-master-secret!!!")
	creds := &Credentials{MasterKey: base64.StdEncoding.EncodeToString(key)}

	decoded, err := creds.MasterKeyBytes()
	require.NoError(t, err)
	assert.Equal(t, key, decoded)
}

func TestMasterKeyBytesUnset(t *testing.T) {
	creds := &Credentials{}
	decoded, err := creds.MasterKeyBytes()
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestMasterKeyBytesInvalid(t *testing.T) {
	creds := &Credentials{MasterKey: "%%%not-base64%%%"}
	_, err := creds.MasterKeyBytes()
	assert.ErrorContains(t, err, "decoding master key")
}
