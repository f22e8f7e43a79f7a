package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitWritesJSONLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := NewLogger(&Config{Enabled: true}, WithLoggerWriter(&buf))
	require.NoError(t, err)

	l.Emit(context.Background(), &Record{
		RequestID:   "req-1",
		Plane:       PlanePassthrough,
		Method:      "POST",
		Path:        "/agents/a1/run",
		StatusCode:  200,
		Duration:    1500 * time.Microsecond,
		TenantID:    "tenant-a",
		UserSubject: "alice",
	})

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, PlanePassthrough, rec.Plane)
	assert.Equal(t, 200, rec.StatusCode)
	assert.InDelta(t, 1.5, rec.DurationMS, 0.001)
	assert.Equal(t, "tenant-a", rec.TenantID)
	assert.Equal(t, "alice", rec.UserSubject)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestEmitOneLinePerRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := NewLogger(&Config{Enabled: true}, WithLoggerWriter(&buf))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		l.Emit(context.Background(), &Record{Plane: PlanePassthrough, StatusCode: 200})
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 3)
}

func TestDisabledLoggerDiscards(t *testing.T) {
	t.Parallel()

	l, err := NewLogger(&Config{Enabled: false})
	require.NoError(t, err)

	l.Emit(context.Background(), &Record{StatusCode: 200})
	assert.NoError(t, l.Close())
}

func TestFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(&Config{Enabled: true, Output: path})
	require.NoError(t, err)

	l.Emit(context.Background(), &Record{Plane: PlaneInternal, StatusCode: 200})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), PlaneInternal)
}

func TestFileOutputOpenFailure(t *testing.T) {
	t.Parallel()

	_, err := NewLogger(&Config{Enabled: true, Output: filepath.Join(t.TempDir(), "no", "such", "dir", "audit.log")})
	assert.Error(t, err)
}

func TestMetricsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m1 := NewMetrics(registry)
	m2 := NewMetrics(registry)

	m1.record(PlanePassthrough, 200)
	m2.record(PlanePassthrough, 502)
}

func TestExtras(t *testing.T) {
	t.Parallel()

	ctx, extras := ContextWithExtras(context.Background())

	SetSubject(ctx, "alice")
	SetTenant(ctx, "tenant-a")

	assert.Equal(t, "alice", extras.Subject())
	assert.Equal(t, "tenant-a", extras.TenantID())
}

func TestExtrasNoopWithoutHolder(t *testing.T) {
	t.Parallel()

	SetSubject(context.Background(), "alice")
	SetTenant(context.Background(), "tenant-a")
}
