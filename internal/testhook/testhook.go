// Package testhook defines the opt-in seam a binding's send path checks
// before handing a datagram to the datapath, letting tests inspect,
// mutate, or drop outbound datagrams. Nothing in the package is exercised
// outside of tests; production bindings leave the hook unset, which costs
// one nil check per send.
package testhook

import "net/netip"

// SendHook inspects, mutates, or drops an outbound datagram before it
// reaches the datapath. Returning ok=false drops the datagram silently,
// matching how a real network fault would look to the binding above it.
type SendHook interface {
	OnSend(remote netip.AddrPort, buf []byte) (out []byte, ok bool)
}

// SendHookFunc adapts a plain function to SendHook.
type SendHookFunc func(remote netip.AddrPort, buf []byte) ([]byte, bool)

func (f SendHookFunc) OnSend(remote netip.AddrPort, buf []byte) ([]byte, bool) {
	return f(remote, buf)
}

// RecvHook inspects, mutates, or drops an inbound datagram before the
// dispatcher sees it, the receive-side analogue of SendHook.
type RecvHook interface {
	OnRecv(remote netip.AddrPort, buf []byte) (out []byte, ok bool)
}

// RecvHookFunc adapts a plain function to RecvHook.
type RecvHookFunc func(remote netip.AddrPort, buf []byte) ([]byte, bool)

func (f RecvHookFunc) OnRecv(remote netip.AddrPort, buf []byte) ([]byte, bool) {
	return f(remote, buf)
}

// DropAll is a SendHook/RecvHook that drops every datagram, useful for
// simulating a binding whose socket has gone dark.
var DropAll dropAll

type dropAll struct{}

func (dropAll) OnSend(netip.AddrPort, []byte) ([]byte, bool) { return nil, false }

func (dropAll) OnRecv(netip.AddrPort, []byte) ([]byte, bool) { return nil, false }
