package electrum

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tuxpay/tuxpay/internal/core/domain"
	"golang.org/x/net/proxy"
)

const dialTimeout = 10 * time.Second

// Dialer opens the transport connection to a server.
type Dialer interface {
	Dial(ctx context.Context, server domain.Server) (net.Conn, error)
}

type dialer struct {
	proxyAddr string
	timeout   time.Duration
}

// NewDialer returns a dialer connecting over TLS whenever the server offers
// it. Onion hosts are reached through the given SOCKS5 proxy.
func NewDialer(proxyAddr string) Dialer {
	return &dialer{proxyAddr, dialTimeout}
}

func (d *dialer) Dial(ctx context.Context, server domain.Server) (net.Conn, error) {
	if !server.HasPorts() {
		return nil, fmt.Errorf("server %s has no port", server.Host)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	useTLS := server.TLSPort > 0
	port := server.TCPPort
	if useTLS {
		port = server.TLSPort
	}
	addr := net.JoinHostPort(server.Host, strconv.Itoa(port))

	conn, err := d.dialTCP(ctx, server.Host, addr)
	if err != nil {
		return nil, err
	}
	if !useTLS {
		return conn, nil
	}

	// Electrum servers mostly use self-signed certificates.
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         server.Host,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake with %s failed: %w", addr, err)
	}
	return tlsConn, nil
}

func (d *dialer) dialTCP(ctx context.Context, host, addr string) (net.Conn, error) {
	if !strings.HasSuffix(host, ".onion") {
		var netDialer net.Dialer
		return netDialer.DialContext(ctx, "tcp", addr)
	}

	if len(d.proxyAddr) <= 0 {
		return nil, fmt.Errorf("cannot connect to onion host %s without proxy", host)
	}
	socks, err := proxy.SOCKS5("tcp", d.proxyAddr, nil, &net.Dialer{Timeout: d.timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create socks proxy dialer: %w", err)
	}
	contextDialer, ok := socks.(proxy.ContextDialer)
	if !ok {
		return socks.Dial("tcp", addr)
	}
	return contextDialer.DialContext(ctx, "tcp", addr)
}
