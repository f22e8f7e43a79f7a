package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/agentplane/agentproxy/internal/observability"
)

// WebsocketProxy relays websocket sessions to the upstream message by
// message. Agent UIs stream execution output over websocket; the
// relay keeps the framing and ordering the upstream produced.
type WebsocketProxy struct {
	upstream *url.URL
	logger   observability.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer.
		return true
	},
}

// NewWebsocketProxy creates a websocket relay targeting the upstream
// base URL.
func NewWebsocketProxy(baseURL string, logger observability.Logger) (*WebsocketProxy, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &WebsocketProxy{
		upstream: parsed,
		logger:   logger,
	}, nil
}

// ServeHTTP upgrades the caller, dials the upstream and relays
// messages in both directions until either side closes.
func (wp *WebsocketProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := wp.upstreamURL(r)

	dialer := websocket.Dialer{}
	upstreamConn, resp, err := dialer.DialContext(r.Context(), target, wp.requestHeaders(r))
	if err != nil {
		wp.handleDialError(w, resp, err)
		return
	}
	defer upstreamConn.Close()

	callerConn, err := upgrader.Upgrade(w, r, wp.responseHeaders(resp))
	if err != nil {
		wp.logger.Warn("websocket upgrade failed",
			observability.Error(err),
			observability.String("request_id", observability.RequestIDFromContext(r.Context())),
		)
		return
	}
	defer callerConn.Close()

	wp.relay(callerConn, upstreamConn)
}

func (wp *WebsocketProxy) handleDialError(w http.ResponseWriter, resp *http.Response, err error) {
	if resp != nil {
		defer resp.Body.Close()
		for name, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
	} else {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}
	wp.logger.Debug("websocket upstream dial failed",
		observability.Error(err),
	)
}

// relay copies messages until one direction fails, then closes both
// sides.
func (wp *WebsocketProxy) relay(caller, upstream *websocket.Conn) {
	errCh := make(chan error, 2)

	copyMessages := func(dst, src *websocket.Conn) {
		for {
			msgType, msg, readErr := src.ReadMessage()
			if readErr != nil {
				_ = dst.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				errCh <- readErr
				return
			}
			if writeErr := dst.WriteMessage(msgType, msg); writeErr != nil {
				errCh <- writeErr
				return
			}
		}
	}

	go copyMessages(caller, upstream)
	go copyMessages(upstream, caller)

	<-errCh
}

func (wp *WebsocketProxy) upstreamURL(r *http.Request) string {
	scheme := "ws"
	if wp.upstream.Scheme == "https" {
		scheme = "wss"
	}

	target := scheme + "://" + wp.upstream.Host + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

// requestHeaders forwards inbound headers minus the websocket
// handshake headers gorilla manages itself.
func (wp *WebsocketProxy) requestHeaders(r *http.Request) http.Header {
	header := http.Header{}
	for name, values := range StripInbound(r.Header) {
		switch strings.ToLower(name) {
		case "sec-websocket-key", "sec-websocket-version",
			"sec-websocket-extensions", "sec-websocket-protocol":
			continue
		}
		header[name] = values
	}
	return header
}

func (wp *WebsocketProxy) responseHeaders(resp *http.Response) http.Header {
	if resp == nil {
		return nil
	}
	header := http.Header{}
	for name, values := range StripOutbound(resp.Header) {
		if strings.EqualFold(name, "sec-websocket-accept") {
			continue
		}
		header[name] = values
	}
	return header
}
