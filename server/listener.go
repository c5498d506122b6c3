package server

import (
	"net"
	"time"
)

// tcpKeepAliveListener mirrors the keep-alive behavior of Server.ListenAndServe
// for listeners we open ourselves.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}
