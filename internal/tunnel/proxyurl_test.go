package tunnel

import (
	"net/url"
	"os"
	"testing"
)

func withEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestEnvProxyURLResolverScopesByScheme(t *testing.T) {
	withEnv(t, "http_proxy", "http://proxy.example.com:8080")
	withEnv(t, "https_proxy", "")
	withEnv(t, "HTTPS_PROXY", "")

	resolve := EnvProxyURLResolver(testLogger())

	httpURL, _ := url.Parse("http://target.example.com/tunnel")
	u, err := resolve(httpURL)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u == nil || u.Host != "proxy.example.com:8080" {
		t.Fatalf("expected http proxy to be picked up for http scheme, got %v", u)
	}

	httpsURL, _ := url.Parse("https://target.example.com/tunnel")
	u, err = resolve(httpsURL)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u == nil || u.Host != "proxy.example.com:8080" {
		t.Fatalf("expected http_proxy to also be honored for https scheme, got %v", u)
	}
}

func TestEnvProxyURLResolverHTTPSProxyDoesNotApplyToHTTP(t *testing.T) {
	withEnv(t, "http_proxy", "")
	withEnv(t, "https_proxy", "http://proxy.example.com:8080")
	withEnv(t, "HTTPS_PROXY", "")

	resolve := EnvProxyURLResolver(testLogger())
	httpURL, _ := url.Parse("http://target.example.com/tunnel")
	u, err := resolve(httpURL)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u != nil {
		t.Fatalf("expected https_proxy to be ignored for http scheme, got %v", u)
	}
}

func TestEnvProxyURLResolverRejectsNonASCII(t *testing.T) {
	withEnv(t, "http_proxy", "http://pröxy.example.com:8080")
	withEnv(t, "https_proxy", "")
	withEnv(t, "HTTPS_PROXY", "")

	resolve := EnvProxyURLResolver(testLogger())
	httpURL, _ := url.Parse("http://target.example.com/tunnel")
	u, err := resolve(httpURL)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u != nil {
		t.Fatalf("expected non-ASCII proxy value to be ignored, got %v", u)
	}
}

func TestIsASCII(t *testing.T) {
	if !isASCII("http://proxy.example.com") {
		t.Error("expected pure-ASCII string to pass")
	}
	if isASCII("pröxy") {
		t.Error("expected non-ASCII string to fail")
	}
}
