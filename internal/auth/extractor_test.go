package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCredentials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		headers    map[string]string
		wantType   AuthType
		wantValue  string
		wantSource string
		wantErr    error
	}{
		{
			name:       "bearer token",
			headers:    map[string]string{"Authorization": "Bearer token-123"},
			wantType:   AuthTypeJWT,
			wantValue:  "token-123",
			wantSource: "Authorization",
		},
		{
			name:       "bearer prefix is case-insensitive",
			headers:    map[string]string{"Authorization": "bearer token-123"},
			wantType:   AuthTypeJWT,
			wantValue:  "token-123",
			wantSource: "Authorization",
		},
		{
			name:    "non-bearer authorization",
			headers: map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
			wantErr: ErrInvalidCredentials,
		},
		{
			name:    "bearer with no token",
			headers: map[string]string{"Authorization": "Bearer "},
			wantErr: ErrInvalidCredentials,
		},
		{
			name:       "api key fallback",
			headers:    map[string]string{"X-Api-Key": "key-456"},
			wantType:   AuthTypeAPIKey,
			wantValue:  "key-456",
			wantSource: "X-Api-Key",
		},
		{
			name: "authorization wins over api key",
			headers: map[string]string{
				"Authorization": "Bearer token-123",
				"X-Api-Key":     "key-456",
			},
			wantType:   AuthTypeJWT,
			wantValue:  "token-123",
			wantSource: "Authorization",
		},
		{
			name:    "no credentials",
			headers: map[string]string{},
			wantErr: ErrNoCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			creds, err := ExtractCredentials(req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantType, creds.Type)
			assert.Equal(t, tt.wantValue, creds.Value)
			assert.Equal(t, tt.wantSource, creds.Source)
		})
	}
}

func TestIdentityContext(t *testing.T) {
	t.Parallel()

	identity := &Identity{Subject: "alice", AuthType: AuthTypeJWT}
	ctx := ContextWithIdentity(context.Background(), identity)

	got, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Subject)

	_, ok = IdentityFromContext(context.Background())
	assert.False(t, ok)

	_, ok = IdentityFromContext(ContextWithIdentity(context.Background(), nil))
	assert.False(t, ok)
}
