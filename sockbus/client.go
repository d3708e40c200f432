package sockbus

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

const dialTimeout = 5 * time.Second

// Dial connects to a Server and returns the client side endpoint. tlsConf may be nil.
func Dial(ctx context.Context, address string, tlsConf *tls.Config, opts Options) (*Endpoint, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	var netConn net.Conn
	var err error
	if tlsConf != nil {
		td := &tls.Dialer{NetDialer: d, Config: tlsConf}
		netConn, err = td.DialContext(ctx, "tcp", address)
	} else {
		netConn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, convertNetworkError(err)
	}
	var tcpConn *net.TCPConn
	switch c := netConn.(type) {
	case *tls.Conn:
		tcpConn, _ = c.NetConn().(*net.TCPConn)
	case *net.TCPConn:
		tcpConn = c
	}
	if tcpConn != nil {
		if err := tcpConn.SetNoDelay(true); err != nil {
			_ = netConn.Close()
			return nil, convertNetworkError(err)
		}
		if err := tcpConn.SetKeepAlive(true); err != nil {
			_ = netConn.Close()
			return nil, convertNetworkError(err)
		}
	}
	ep := newEndpoint(netConn, address, true, opts)
	ep.start()
	return ep, nil
}
