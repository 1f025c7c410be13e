// Package netdial builds proxy-aware HTTP clients shared by restclient and
// gateway, so the http/socks5 dialing logic that the platform's REST and
// gateway surfaces both need is written once.
package netdial

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// NewHTTPClient builds an *http.Client that dials through proxyURL when
// non-nil. HTTP proxies get a CONNECT tunnel via the transport's native
// support; SOCKS5 proxies are dialed with golang.org/x/net/proxy and the TLS
// handshake happens on top of that tunnel. A nil or empty proxyURL yields a
// plain client. TLS is floored at 1.2 and SNI is always the target host,
// matching what a direct (non-proxied) dial would present.
func NewHTTPClient(proxyURL *url.URL, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}

	if proxyURL != nil && proxyURL.Scheme != "" {
		switch proxyURL.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(proxyURL)

		case "socks5", "socks5h", "socks":
			dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth(proxyURL), proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("build socks5 dialer: %w", err)
			}
			contextDialer, ok := dialer.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks5 dialer does not support context dialing")
			}
			transport.DialContext = contextDialer.DialContext

		default:
			return nil, fmt.Errorf("unsupported proxy scheme: %s", proxyURL.Scheme)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

func auth(proxyURL *url.URL) *proxy.Auth {
	if proxyURL.User == nil {
		return nil
	}
	password, _ := proxyURL.User.Password()
	return &proxy.Auth{User: proxyURL.User.Username(), Password: password}
}

// ParseProxy parses an empty-or-unset proxy string into a nil *url.URL and
// otherwise into a parsed one, mirroring the "proxy or none" config field.
func ParseProxy(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", raw, err)
	}
	return u, nil
}

// DialerFor returns a plain (non-context) dial func suitable for non-HTTP
// consumers: a SOCKS5 dialer through proxyURL's host, or net.Dial when there
// is no proxy or the SOCKS5 dialer cannot be built. Nothing in this module
// calls it; the gateway's websocket dial goes through an *http.Client.
func DialerFor(proxyURL *url.URL) func(network, addr string) (net.Conn, error) {
	if proxyURL == nil || proxyURL.Scheme == "" {
		return net.Dial
	}
	d, err := proxy.SOCKS5("tcp", proxyURL.Host, auth(proxyURL), proxy.Direct)
	if err != nil {
		return net.Dial
	}
	return d.Dial
}
