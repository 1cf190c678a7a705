package tunnel

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// TransportConfig names everything needed to establish the outer stream:
// the broker URL, an optional HTTP CONNECT proxy to traverse, and an
// optional CA bundle for server certificate verification.
type TransportConfig struct {
	ServerURL *url.URL
	ProxyURL  *url.URL
	CAPath    string

	DialTimeout time.Duration
}

// Transport owns the single outer bidirectional byte stream for one
// connection attempt: TCP dial, optional CONNECT-proxy traversal, optional
// TLS, the chunked-encoding writer, and the chunked-decoding reader. A
// Transport is created fresh for every connect attempt and never reused
// across reconnects (spec.md §3).
type Transport struct {
	cfg  TransportConfig
	conn net.Conn
	br   *bufio.Reader

	headersConsumed bool
}

// Connect resolves the server URL, optionally traverses an HTTP CONNECT
// proxy, and optionally performs a TLS handshake, leaving the Transport
// ready to send request headers.
func Connect(cfg TransportConfig) (*Transport, error) {
	host, port, err := splitHostPort(cfg.ServerURL)
	if err != nil {
		return nil, errorf(ErrTransportConnectFailed, "connect", err, "bad server url %q", cfg.ServerURL)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}

	var conn net.Conn
	if cfg.ProxyURL != nil {
		conn, err = dialViaConnectProxy(cfg.ProxyURL, host, port, dialTimeout)
	} else {
		conn, err = net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), dialTimeout)
	}
	if err != nil {
		return nil, errorf(ErrTransportConnectFailed, "connect", err, "dial %s:%d failed", host, port)
	}

	if strings.EqualFold(cfg.ServerURL.Scheme, "https") {
		conn, err = tlsHandshake(conn, host, cfg.CAPath)
		if err != nil {
			return nil, err
		}
	}

	return &Transport{cfg: cfg, conn: conn, br: bufio.NewReader(conn)}, nil
}

func splitHostPort(u *url.URL) (string, int, error) {
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("missing host")
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("bad port %q", p)
		}
		return host, port, nil
	}
	if strings.EqualFold(u.Scheme, "https") {
		return host, 443, nil
	}
	return host, 80, nil
}

// dialViaConnectProxy opens a TCP connection to the proxy, then issues an
// HTTP CONNECT for host:port, returning the tunneled connection once the
// proxy replies 2xx. Grounded on the HTTP CONNECT traversal shape used for
// upstream-proxy support in rawhttp's transport package, adapted to this
// module's own dependency-free dial path.
func dialViaConnectProxy(proxyURL *url.URL, host string, port int, timeout time.Duration) (net.Conn, error) {
	proxyHost, proxyPort, err := splitHostPort(proxyURL)
	if err != nil {
		return nil, errorf(ErrTransportConnectFailed, "connect-proxy", err, "bad proxy url %q", proxyURL)
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(proxyHost, strconv.Itoa(proxyPort)), timeout)
	if err != nil {
		return nil, errorf(ErrTransportConnectFailed, "connect-proxy", err, "dial proxy %s:%d failed", proxyHost, proxyPort)
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: Keep-Alive\r\nContent-Length: 0\r\n", target, target)
	if proxyURL.User != nil {
		creds := base64.StdEncoding.EncodeToString([]byte(proxyURL.User.String()))
		req += "Proxy-Authorization: Basic " + creds + "\r\n"
	}
	req += "\r\n"

	if _, err := io.WriteString(conn, req); err != nil {
		conn.Close()
		return nil, errorf(ErrTransportConnectFailed, "connect-proxy", err, "write CONNECT request failed")
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, errorf(ErrTransportConnectFailed, "connect-proxy", err, "read CONNECT response failed")
	}
	statusParts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	statusCode := 0
	if len(statusParts) >= 2 {
		statusCode, _ = strconv.Atoi(statusParts[1])
	}
	if statusCode < 200 || statusCode >= 300 {
		conn.Close()
		return nil, errorf(ErrHTTPRejected, "connect-proxy", nil, "proxy rejected CONNECT: %s", strings.TrimSpace(statusLine))
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, errorf(ErrTransportConnectFailed, "connect-proxy", err, "read CONNECT headers failed")
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	// Any bytes buffered in br past the header are, by protocol, the start
	// of the tunneled stream; since the CONNECT response must end exactly
	// at the blank line before the target server ever writes, br's internal
	// buffer is empty at this point in practice and conn can be returned
	// directly.
	return conn, nil
}

// tlsHandshake wraps conn in a TLS client connection and performs the
// handshake to completion, verifying against the system roots plus an
// optional extra CA file. This replaces the memory-BIO TLS engine pumped by
// hand in the original design (see SPEC_FULL.md §5): crypto/tls.Conn
// already does non-blocking-safe handshake pumping over a net.Conn.
func tlsHandshake(conn net.Conn, sni string, caPath string) (net.Conn, error) {
	tlsCfg := &tls.Config{ServerName: sni}

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			conn.Close()
			return nil, errorf(ErrTLSFailed, "tls", err, "read CA file %q failed", caPath)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			conn.Close()
			return nil, errorf(ErrTLSFailed, "tls", nil, "CA file %q contains no usable certificates", caPath)
		}
		tlsCfg.RootCAs = pool
	}

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, errorf(ErrTLSFailed, "tls", err, "handshake with %s failed", sni)
	}
	return tlsConn, nil
}

// SendRequestHeaders writes the fixed outer POST request line and headers
// described in spec.md §4.1.
func (t *Transport) SendRequestHeaders() error {
	path := t.cfg.ServerURL.RequestURI()
	host := t.cfg.ServerURL.Host
	req := "POST " + path + " HTTP/1.1\r\n" +
		"Host: " + host + "\r\n" +
		"Accept: text/*, application/octet-stream\r\n" +
		"User-Agent: Mozilla/4.0 (compatible; MSIE 6.0)\r\n" +
		"Pragma: no-cache\r\n" +
		"Connection: Keep-Alive\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Cache-Control: no-cache, no-store, must-revalidate\r\n" +
		"\r\n"
	if _, err := io.WriteString(t.conn, req); err != nil {
		return errorf(ErrTransportConnectFailed, "send-headers", err, "failed writing request headers")
	}
	return nil
}

// ConsumeResponseHeaders reads the outer HTTP response status line and
// headers, failing unless the status is 2xx. Chunk-extensions and trailers
// on the body itself are handled separately by ReadChunk.
func (t *Transport) ConsumeResponseHeaders() error {
	statusLine, err := t.br.ReadString('\n')
	if err != nil {
		return errorf(ErrHTTPRejected, "consume-headers", err, "failed reading status line")
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return errorf(ErrHTTPRejected, "consume-headers", nil, "malformed status line %q", statusLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 200 || code >= 300 {
		return errorf(ErrHTTPRejected, "consume-headers", nil, "non-2xx status %q", strings.TrimSpace(statusLine))
	}
	for {
		line, err := t.br.ReadString('\n')
		if err != nil {
			return errorf(ErrHTTPRejected, "consume-headers", err, "failed reading response headers")
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	t.headersConsumed = true
	return nil
}

// WriteChunk frames p as one HTTP chunked-transfer chunk and writes it.
// Called with Framer.DrainTo's output; an empty p is a no-op (the final
// zero-length chunk is sent explicitly by WriteFinalChunk on graceful
// shutdown).
func (t *Transport) WriteChunk(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	header := strconv.FormatInt(int64(len(p)), 16) + "\r\n"
	if _, err := io.WriteString(t.conn, header); err != nil {
		return errorf(ErrTransportConnectFailed, "write-chunk", err, "chunk header write failed")
	}
	if _, err := t.conn.Write(p); err != nil {
		return errorf(ErrTransportConnectFailed, "write-chunk", err, "chunk body write failed")
	}
	if _, err := io.WriteString(t.conn, "\r\n"); err != nil {
		return errorf(ErrTransportConnectFailed, "write-chunk", err, "chunk trailer write failed")
	}
	return nil
}

// WriteFinalChunk writes the terminating zero-length chunk that ends the
// request body on a graceful close (spec.md §4.1).
func (t *Transport) WriteFinalChunk() error {
	_, err := io.WriteString(t.conn, "0\r\n\r\n")
	return err
}

// ReadChunk blocks for and returns the payload of exactly one inbound
// chunk. Chunk-extensions after the size and any trailers after the final
// chunk are read and discarded, per spec.md §4.1.
func (t *Transport) ReadChunk() ([]byte, error) {
	sizeLine, err := t.br.ReadString('\n')
	if err != nil {
		return nil, errorf(ErrTransportConnectFailed, "read-chunk", err, "failed reading chunk size")
	}
	sizeLine = strings.TrimRight(sizeLine, "\r\n")
	if i := strings.IndexByte(sizeLine, ';'); i >= 0 {
		sizeLine = sizeLine[:i] // discard chunk-extensions
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
	if err != nil {
		return nil, errorf(ErrProtocolViolation, "read-chunk", err, "bad chunk size %q", sizeLine)
	}
	if size == 0 {
		// Final chunk: drain trailers until the blank line, then signal EOF.
		for {
			line, err := t.br.ReadString('\n')
			if err != nil {
				return nil, errorf(ErrTransportConnectFailed, "read-chunk", err, "failed reading trailers")
			}
			if line == "\r\n" || line == "\n" {
				break
			}
		}
		return nil, io.EOF
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(t.br, buf); err != nil {
		return nil, errorf(ErrTransportConnectFailed, "read-chunk", err, "short chunk body read")
	}
	var crlf [2]byte
	if _, err := io.ReadFull(t.br, crlf[:]); err != nil || crlf != [2]byte{'\r', '\n'} {
		return nil, errorf(ErrProtocolViolation, "read-chunk", err, "missing chunk terminator")
	}
	return buf, nil
}

// Close tears down the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}
