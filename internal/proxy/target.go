package proxy

import (
	"net/url"
	"strings"

	"github.com/agentplane/agentproxy/internal/config"
)

// TargetResolver maps an inbound path and query onto the configured
// upstream base URL.
type TargetResolver struct {
	base string
}

// NewTargetResolver validates the base URL once at startup. A
// malformed base is a configuration error, never a per-request one.
func NewTargetResolver(baseURL string) (*TargetResolver, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, config.NewConfigError("upstream.baseURL", "malformed URL", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, config.NewConfigError("upstream.baseURL", "scheme must be http or https", nil)
	}
	if parsed.Host == "" {
		return nil, config.NewConfigError("upstream.baseURL", "host is required", nil)
	}

	return &TargetResolver{
		base: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Resolve joins the inbound path and query onto the base URL with
// exactly one separating slash. The query string is carried verbatim,
// percent-encoding included.
func (t *TargetResolver) Resolve(path, rawQuery string) string {
	target := t.base + "/" + strings.TrimLeft(path, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}
