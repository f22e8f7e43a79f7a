package proxy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripInbound(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Authorization", "Bearer token")
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", "42")
	h.Set("Connection", "keep-alive")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "h2c")
	h.Add("Accept", "application/json")
	h.Add("Accept", "text/event-stream")

	out := StripInbound(h)

	assert.Equal(t, "Bearer token", out.Get("Authorization"))
	assert.Equal(t, "application/json", out.Get("Content-Type"))
	assert.Equal(t, []string{"application/json", "text/event-stream"}, out.Values("Accept"))

	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("Keep-Alive"))
	assert.Empty(t, out.Get("Transfer-Encoding"))
	assert.Empty(t, out.Get("Upgrade"))
	assert.Empty(t, out.Get("Content-Length"))

	// The input header is untouched.
	assert.Equal(t, "keep-alive", h.Get("Connection"))
	assert.Equal(t, "42", h.Get("Content-Length"))
}

func TestStripInboundCaseInsensitive(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("cOnNeCtIoN", "close")
	h.Set("kEEP-aLIVE", "timeout=5")
	h.Set("X-Custom", "kept")

	out := StripInbound(h)

	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("Keep-Alive"))
	assert.Equal(t, "kept", out.Get("X-Custom"))
}

func TestStripConnectionNamedHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Connection", "X-Internal-Token, X-Trace-State")
	h.Set("X-Internal-Token", "secret")
	h.Set("X-Trace-State", "abc")
	h.Set("X-Other", "kept")

	out := StripInbound(h)

	assert.Empty(t, out.Get("X-Internal-Token"))
	assert.Empty(t, out.Get("X-Trace-State"))
	assert.Equal(t, "kept", out.Get("X-Other"))
}

func TestStripOutbound(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Content-Type", "text/event-stream")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Via", "1.1 internal-lb")
	h.Set("X-Upstream-Addr", "10.0.0.5:8123")
	h.Set("X-Agent-Run-ID", "run-7")

	out := StripOutbound(h)

	assert.Equal(t, "text/event-stream", out.Get("Content-Type"))
	assert.Equal(t, "run-7", out.Get("X-Agent-Run-ID"))
	assert.Empty(t, out.Get("Transfer-Encoding"))
	assert.Empty(t, out.Get("Via"))
	assert.Empty(t, out.Get("X-Upstream-Addr"))
}

func TestStripNilHeader(t *testing.T) {
	t.Parallel()

	out := StripInbound(nil)
	assert.NotNil(t, out)
	assert.Empty(t, out)

	out = StripOutbound(nil)
	assert.NotNil(t, out)
}
