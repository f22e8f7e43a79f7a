package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseFile(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, `
directory:
  tenants:
    - id: tenant-a
      members:
        - subject: alice
          role: admin
  agents:
    - id: agent-1
      tenant: tenant-a
authz:
  roleEnforcement: true
  failOpen: false
upstream:
  baseURL: http://agents.internal:9000
  retries: 2
`)

	fc, err := ParseFile(path)
	require.NoError(t, err)

	require.NotNil(t, fc.Directory)
	require.Len(t, fc.Directory.Tenants, 1)
	assert.Equal(t, "tenant-a", fc.Directory.Tenants[0].ID)
	require.Len(t, fc.Directory.Tenants[0].Members, 1)
	assert.Equal(t, "alice", fc.Directory.Tenants[0].Members[0].Subject)

	require.NotNil(t, fc.Authz)
	require.NotNil(t, fc.Authz.RoleEnforcement)
	assert.True(t, *fc.Authz.RoleEnforcement)
	assert.Nil(t, fc.Authz.RelationshipCheck)

	require.NotNil(t, fc.Upstream)
	require.NotNil(t, fc.Upstream.BaseURL)
	assert.Equal(t, "http://agents.internal:9000", *fc.Upstream.BaseURL)
	require.NotNil(t, fc.Upstream.Retries)
	assert.Equal(t, 2, *fc.Upstream.Retries)
}

func TestParseFileErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		_, err := ParseFile(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed YAML", func(t *testing.T) {
		t.Parallel()

		path := writeTempConfig(t, "directory: [broken")
		_, err := ParseFile(path)
		require.Error(t, err)

		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "PROXY_CONFIG_PATH", cfgErr.Option)
	})
}

func TestApply(t *testing.T) {
	t.Parallel()

	boolPtr := func(b bool) *bool { return &b }
	strPtr := func(s string) *string { return &s }
	intPtr := func(n int) *int { return &n }

	s := defaultSettings()
	s.Apply(&FileConfig{
		Authz: &FileAuthz{
			RoleEnforcement: boolPtr(true),
			FailOpen:        boolPtr(true),
		},
		Upstream: &FileUpstream{
			BaseURL: strPtr("http://other:8123"),
			Retries: intPtr(5),
		},
	})

	assert.True(t, s.Authz.RoleEnforcement)
	assert.True(t, s.Authz.FailOpen)
	assert.False(t, s.Authz.RelationshipCheck)
	assert.Equal(t, "http://other:8123", s.Upstream.BaseURL)
	assert.Equal(t, 5, s.Upstream.Retries)
}

func TestApplyNilIsNoop(t *testing.T) {
	t.Parallel()

	s := defaultSettings()
	before := *s
	s.Apply(nil)
	assert.Equal(t, before, *s)
}

func TestMergeFile(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, `
directory:
  tenants:
    - id: tenant-a
`)

	s := defaultSettings()
	require.NoError(t, s.MergeFile(path))
	require.Len(t, s.Directory.Tenants, 1)
	assert.Equal(t, "tenant-a", s.Directory.Tenants[0].ID)
}
