package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Dial connects to a WebSocket server and performs the RFC 6455 opening
// handshake as a client, negotiating permessage-deflate (RFC 7692) when
// cfg.EnableDeflate is set. rawURL must use the ws:// or wss:// scheme.
//
// On any handshake failure, Dial closes the underlying connection and
// returns a nil *Conn — the "never partially upgrade" policy applies to
// clients too. resp is non-nil whenever the server sent an HTTP response at
// all, even on failure, so callers can inspect the status/headers.
func Dial(ctx context.Context, rawURL string, cfg *ClientConfig) (*Conn, *http.Response, error) {
	if cfg == nil {
		defaults := DefaultClientConfig()
		cfg = &defaults
	}
	cfg.applyDefaults()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, &HandshakeError{Reason: "invalid URL", Err: err}
	}

	var useTLS bool
	switch u.Scheme {
	case "ws":
		useTLS = false
	case "wss":
		useTLS = true
	default:
		return nil, nil, &HandshakeError{Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	hostport := u.Host
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		if useTLS {
			hostport = net.JoinHostPort(hostport, "443")
		} else {
			hostport = net.JoinHostPort(hostport, "80")
		}
	}

	var dialer net.Dialer
	rawConn, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, nil, &TransportError{Err: err}
	}

	transport := net.Conn(rawConn)
	if useTLS {
		tlsConfig, err := clientTLSConfig(u.Hostname(), cfg.CAFile)
		if err != nil {
			_ = rawConn.Close()
			return nil, nil, &HandshakeError{Reason: "loading TLS trust roots", Err: err}
		}
		tlsConn := tls.Client(rawConn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = rawConn.Close()
			return nil, nil, &HandshakeError{Reason: "TLS handshake failed", Err: err}
		}
		transport = tlsConn
	}

	if cfg.HandshakeTimeout > 0 {
		_ = transport.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	conn, resp, err := performClientHandshake(transport, u, cfg)
	if err != nil {
		_ = transport.Close()
		return nil, resp, err
	}

	if cfg.HandshakeTimeout > 0 {
		_ = transport.SetDeadline(time.Time{})
	}

	return conn, resp, nil
}

func clientTLSConfig(serverName, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}

	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("websocket: no certificates found in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func performClientHandshake(transport net.Conn, u *url.URL, cfg *ClientConfig) (*Conn, *http.Response, error) {
	key, err := newClientKey()
	if err != nil {
		return nil, nil, &HandshakeError{Reason: "generating Sec-WebSocket-Key", Err: err}
	}

	var offer extensionParams
	offerExtensions := cfg.EnableDeflate
	if offerExtensions {
		_, offer, _ = parseExtensionOffer(buildOffer(cfg.Config))
	}

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	if len(cfg.Subprotocols) > 0 {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(cfg.Subprotocols, ", "))
	}
	if offerExtensions {
		fmt.Fprintf(&b, "Sec-WebSocket-Extensions: %s\r\n", buildOffer(cfg.Config))
	}
	for name, values := range cfg.AdditionalHeaders {
		for _, value := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, value)
		}
	}
	b.WriteString("\r\n")

	if _, err := transport.Write([]byte(b.String())); err != nil {
		if isHandshakeTimeout(err) {
			return nil, nil, &HandshakeError{Reason: "handshake timed out", Err: ErrHandshakeTimeout}
		}
		return nil, nil, &TransportError{Err: err}
	}

	reader := bufio.NewReaderSize(transport, cfg.ReadBufferSize)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodGet})
	if err != nil {
		if isHandshakeTimeout(err) {
			return nil, nil, &HandshakeError{Reason: "handshake timed out", Err: ErrHandshakeTimeout}
		}
		return nil, nil, &HandshakeError{Reason: "reading handshake response", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, resp, &HandshakeError{Reason: fmt.Sprintf("server returned status %d", resp.StatusCode)}
	}
	if !headerContainsToken(resp.Header.Get("Upgrade"), "websocket") {
		return nil, resp, &HandshakeError{Reason: "missing or invalid Upgrade header"}
	}
	if !headerContainsToken(resp.Header.Get("Connection"), "upgrade") {
		return nil, resp, &HandshakeError{Reason: "missing or invalid Connection header"}
	}
	if want := computeAcceptKey(key); resp.Header.Get("Sec-WebSocket-Accept") != want {
		return nil, resp, &HandshakeError{Reason: "Sec-WebSocket-Accept mismatch"}
	}

	var deflate *deflateContext
	if extHeader := resp.Header.Get("Sec-WebSocket-Extensions"); extHeader != "" {
		if !offerExtensions {
			return nil, resp, &HandshakeError{Reason: "server negotiated an extension that was not offered"}
		}
		chosen, err := parseServerChoice(extHeader, offer)
		if err != nil {
			return nil, resp, err
		}
		deflate = newDeflateContext(chosen.clientNoContextTakeover, chosen.serverNoContextTakeover)
	}

	subprotocol := resp.Header.Get("Sec-WebSocket-Protocol")

	writer := bufio.NewWriterSize(transport, cfg.WriteBufferSize)
	return newConn(transport, reader, writer, false, cfg.Config, deflate, subprotocol), resp, nil
}

// newClientKey draws a random 16-byte Sec-WebSocket-Key, base64-encoded per
// RFC 6455 §4.1.
func newClientKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
