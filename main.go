package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/vdibroker/tunnelproxy/internal/tunnel"
)

var help = `
  Usage: tunnelproxy [options] <server-url>

  <server-url> is the full URL of the tunnel server's POST endpoint,
  e.g. https://broker.example.com/tunnel.

  The opaque connection id is read from standard input, one line.

  Options:

    --ca, Path to a PEM file of additional trusted CA certificates for the
    server's TLS handshake.

    --proxy, An optional HTTP CONNECT proxy URL used to reach the server.
    Overrides http_proxy/https_proxy environment resolution.

    --allow-nonloopback, A comma-separated list of bind addresses the
    server is permitted to ask this client to bind to besides loopback
    addresses. Each entry must match the announced bind address exactly.

    --rewrite-localhost, Bind listeners announced on "localhost" to
    127.0.0.1 instead. Off by default.

    -v, Enable verbose logging.

  Exit status:
    0 graceful close, 1 permanent failure, 2 platform initialization error.

`

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

func main() {
	os.Exit(run())
}

func run() int {
	caPath := flag.String("ca", "", "")
	proxy := flag.String("proxy", "", "")
	allowNonLoopback := flag.String("allow-nonloopback", "", "")
	rewriteLocalhost := flag.Bool("rewrite-localhost", false, "")
	verbose := flag.Bool("v", false, "")
	flag.Usage = func() { fmt.Fprint(os.Stderr, help) }
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprint(os.Stderr, help)
		return 2
	}

	serverURL, err := url.Parse(flag.Arg(0))
	if err != nil || (serverURL.Scheme != "http" && serverURL.Scheme != "https") {
		fmt.Fprintf(os.Stderr, "TUNNEL DISCONNECT: invalid server URL %q\n", flag.Arg(0))
		return 2
	}

	reader := bufio.NewReader(os.Stdin)
	connectionID, err := reader.ReadString('\n')
	if err != nil && connectionID == "" {
		fmt.Fprintf(os.Stderr, "TUNNEL DISCONNECT: failed reading connection id from stdin: %s\n", err)
		return 2
	}
	connectionID = strings.TrimRight(connectionID, "\r\n")

	var proxyURL *url.URL
	if *proxy != "" {
		proxyURL, err = url.Parse(*proxy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "TUNNEL DISCONNECT: invalid --proxy URL %q\n", *proxy)
			return 2
		}
	}

	var allowed []string
	if *allowNonLoopback != "" {
		allowed = strings.Split(*allowNonLoopback, ",")
	}

	logLevel := tunnel.LogLevelInfo
	if *verbose {
		logLevel = tunnel.LogLevelDebug
	}
	logger := tunnel.NewLogger("tunnelproxy", logLevel)

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()
	go sigIntHandler(ctx, ctxCancel)

	var cancelled bool
	var disconnectErr error
	done := make(chan struct{})

	sess := tunnel.NewSession(tunnel.SessionConfig{
		ConnectionID:       connectionID,
		ServerURL:          serverURL,
		CAPath:             *caPath,
		ProxyURL:           proxyURL,
		RewriteLocalhost:   *rewriteLocalhost,
		AllowedNonLoopback: allowed,
		OnReady: func() {
			logger.ILogf("tunnel ready")
		},
		OnReconnectBegin: func() {
			logger.WLogf("connection lost, reconnecting")
		},
		OnReconnectEnd: func(ok bool) {
			if ok {
				logger.ILogf("reconnected")
			}
		},
		OnListenerAnnounced: func(port uint16) {
			logger.ILogf("listening on port %d", port)
		},
		OnListenerClosed: func(port uint16) {
			logger.ILogf("listener on port %d closed", port)
		},
		OnDisconnect: func(c bool, err error) {
			cancelled = c
			disconnectErr = err
			close(done)
		},
		Logger: logger,
	})

	sess.Start()

	go func() {
		<-ctx.Done()
		sess.Cancel()
	}()

	<-done

	if cancelled || disconnectErr == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "TUNNEL DISCONNECT: %s\n", reasonOf(disconnectErr))
	return 1
}

// reasonOf renders the short reason string spec.md §7 wants on the final
// stderr line, falling back to the full error text for anything that isn't
// a tunnel.Error.
func reasonOf(err error) string {
	if kind, ok := tunnel.KindOf(err); ok {
		return string(kind)
	}
	return err.Error()
}
