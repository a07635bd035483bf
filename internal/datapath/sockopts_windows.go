//go:build windows

package datapath

import "syscall"

// controlReusePort is a no-op on Windows: there is no SO_REUSEPORT
// equivalent, and Windows' SO_REUSEADDR (silently permitting a second bind
// to a port already in use) isn't what a datapath Handle wants.
func controlReusePort(network, address string, c syscall.RawConn) error {
	return nil
}
