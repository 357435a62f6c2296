package iotask

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log"
	"net"
	"strings"
)

// dialTLS opens a TLS/TCP connection to opts.URL, enabling TCP_NODELAY so
// small protocol frames (heartbeats especially) aren't held back by
// Nagle's algorithm. Trust anchors come from the system root pool; when the
// platform doesn't expose one, an empty pool is used, so no server
// certificate verifies.
// A "scheme://" prefix on opts.URL is stripped; any scheme other than tls
// is logged and ignored, since the connection is always TLS.
func dialTLS(ctx context.Context, opts Options) (net.Conn, error) {
	url := opts.URL
	if i := strings.Index(url, "://"); i >= 0 {
		if scheme := url[:i]; scheme != "tls" {
			log.Printf("iotask: ignoring non-TLS scheme %q in url, connecting with TLS", scheme)
		}
		url = url[i+len("://"):]
	}

	host, _, err := net.SplitHostPort(url)
	if err != nil {
		host = url
	}

	pool, _ := x509.SystemCertPool()
	if pool == nil {
		pool = x509.NewCertPool()
	}

	dialer := &tls.Dialer{
		Config: &tls.Config{
			ServerName: host,
			RootCAs:    pool,
		},
	}

	addr := withDefaultPort(url, "5035")
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := conn.(*tls.Conn).NetConn().(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	return conn, nil
}

// withDefaultPort appends defaultPort to addr if addr carries no port of
// its own.
func withDefaultPort(addr, defaultPort string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defaultPort)
}
