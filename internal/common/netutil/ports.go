// Package netutil holds small networking helpers shared by the orchestrators.
package netutil

import "net"

// FreePort asks the kernel for an available TCP port on localhost.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
