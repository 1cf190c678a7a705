package tunnel

import (
	"net/url"
	"os"
	"strings"
	"unicode"
)

// ProxyURLResolver resolves the HTTP CONNECT proxy to use for a given
// server URL, per spec.md §6's environment-variable precedence.
type ProxyURLResolver func(serverURL *url.URL) (*url.URL, error)

// EnvProxyURLResolver reads http_proxy, https_proxy, HTTPS_PROXY, in that
// order, matching spec.md §6. http_proxy is consulted regardless of
// serverURL's scheme; https_proxy and HTTPS_PROXY apply only to https
// servers. Non-ASCII values are rejected with a warning to logger and
// treated as absent.
func EnvProxyURLResolver(logger Logger) ProxyURLResolver {
	return func(serverURL *url.URL) (*url.URL, error) {
		candidates := []string{os.Getenv("http_proxy")}
		if strings.EqualFold(serverURL.Scheme, "https") {
			candidates = append(candidates, os.Getenv("https_proxy"), os.Getenv("HTTPS_PROXY"))
		}

		for _, raw := range candidates {
			if raw == "" {
				continue
			}
			if !isASCII(raw) {
				logger.WLogf("ignoring non-ASCII proxy value %q", raw)
				continue
			}
			u, err := url.Parse(raw)
			if err != nil {
				logger.WLogf("ignoring unparsable proxy value %q: %s", raw, err)
				continue
			}
			return u, nil
		}
		return nil, nil
	}
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
