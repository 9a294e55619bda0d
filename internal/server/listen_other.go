//go:build !unix

package server

import "net"

// listenTCP binds a listener on every interface. The backlog is left to
// the operating system.
func listenTCP(port uint16, _ int) (net.Listener, error) {
	return net.ListenTCP("tcp4", &net.TCPAddr{Port: int(port)})
}
