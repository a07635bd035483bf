// Package datapath implements the UDP transport underneath a binding: the
// Handle/SendContext interfaces the binding and dispatcher consume, plus a
// reference implementation backed by a real UDP socket that reads in
// batches and sends one datagram at a time.
package datapath

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// SendContext is a single outbound datagram buffer, allocated from a pool
// and returned via Free once sent.
type SendContext interface {
	// AllocDatagram returns a buffer of length n to fill with an outbound
	// packet. Calling it more than once on the same SendContext replaces
	// the previous buffer.
	AllocDatagram(n int) []byte
	// Free returns the SendContext to its owning pool.
	Free()
}

// Handle is a bound UDP socket as the binding layer sees it.
type Handle interface {
	LocalAddr() netip.AddrPort
	RemoteAddr() (netip.AddrPort, bool)
	AllocSendContext(mtuHint int) SendContext
	SendTo(remote netip.AddrPort, ctx SendContext) error
	SendFromTo(local, remote netip.AddrPort, ctx SendContext) error
	// Close blocks until any in-flight receive callbacks have drained,
	// the ordering hinge that prevents a binding from being freed out from
	// under a concurrent receive.
	Close()
}

// ReceiveFunc is called with a batch of datagrams read off the socket. The
// slices in msgs are only valid until ReceiveFunc returns.
type ReceiveFunc func(msgs []ReceivedMessage)

// ReceivedMessage is one datagram read off the socket.
type ReceivedMessage struct {
	Buf    []byte
	Remote netip.AddrPort
	Local  netip.AddrPort
}

const (
	maxBatch = 64
	bufSize  = 1500
	oobSize  = 64 // enough for an IP_PKTINFO/IPV6_PKTINFO control message
)

// udpSendContext is a pool-backed outbound buffer.
type udpSendContext struct {
	pool *sync.Pool
	buf  []byte
}

func (c *udpSendContext) AllocDatagram(n int) []byte {
	if cap(c.buf) < n {
		c.buf = make([]byte, n)
	} else {
		c.buf = c.buf[:n]
	}
	return c.buf
}

func (c *udpSendContext) Free() {
	c.buf = c.buf[:0]
	c.pool.Put(c)
}

// UDPHandle is the reference Handle implementation: a UDP socket read with
// golang.org/x/net's batched ipv4/ipv6 PacketConn API, so a single
// receiveLoop iteration can pull up to maxBatch datagrams per syscall
// instead of one at a time.
type UDPHandle struct {
	conn      *net.UDPConn
	p4        *ipv4.PacketConn
	p6        *ipv6.PacketConn
	local     netip.AddrPort
	remote    netip.AddrPort
	hasRemote bool
	sendPool  sync.Pool
	closeOnce sync.Once
	recvDone  chan struct{}
	stop      chan struct{}
}

// Listen opens a UDP socket bound to local (or the wildcard address/port if
// unset) and starts a receive loop that invokes recv with batches of
// datagrams until Close is called. The socket is bound through
// controlReusePort so that multiple Handles (e.g. one per worker, for
// kernel-level load balancing across a partitioned binding set) can share
// one port on platforms that support SO_REUSEPORT.
func Listen(local netip.AddrPort, remote netip.AddrPort, hasRemote bool, recv ReceiveFunc) (*UDPHandle, error) {
	lc := net.ListenConfig{Control: controlReusePort}
	pc, err := lc.ListenPacket(context.Background(), udpLocalNetwork(local), listenAddress(local))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("datapath: unexpected PacketConn type %T", pc)
	}

	h := &UDPHandle{
		conn:      conn,
		local:     local,
		remote:    remote,
		hasRemote: hasRemote,
		recvDone:  make(chan struct{}),
		stop:      make(chan struct{}),
	}
	h.sendPool.New = func() any { return &udpSendContext{pool: &h.sendPool} }

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		if a, ok := netip.AddrFromSlice(addr.IP); ok {
			h.local = netip.AddrPortFrom(a.Unmap(), uint16(addr.Port))
		}
	}

	if local.Addr().Is4() || !local.Addr().IsValid() {
		h.p4 = ipv4.NewPacketConn(conn)
		h.p4.SetControlMessage(ipv4.FlagDst, true)
	} else {
		h.p6 = ipv6.NewPacketConn(conn)
		h.p6.SetControlMessage(ipv6.FlagDst, true)
	}

	go h.receiveLoop(recv)
	return h, nil
}

func udpLocalNetwork(local netip.AddrPort) string {
	if local.Addr().Is4() {
		return "udp4"
	}
	return "udp"
}

// listenAddress formats local the way net.ListenConfig.ListenPacket expects:
// an empty host for the wildcard address/port, since netip.AddrPort's own
// String would otherwise render an invalid zero Addr as "invalid IP".
func listenAddress(local netip.AddrPort) string {
	if !local.Addr().IsValid() {
		return fmt.Sprintf(":%d", local.Port())
	}
	return local.String()
}

func (h *UDPHandle) receiveLoop(recv ReceiveFunc) {
	defer close(h.recvDone)
	bufs := make([][]byte, maxBatch)
	oobs := make([][]byte, maxBatch)
	for i := range bufs {
		bufs[i] = make([]byte, bufSize)
		oobs[i] = make([]byte, oobSize)
	}

	for {
		select {
		case <-h.stop:
			return
		default:
		}

		msgs, err := h.readBatch(bufs, oobs)
		if err != nil {
			select {
			case <-h.stop:
				return
			default:
				continue
			}
		}
		if len(msgs) > 0 {
			recv(msgs)
		}
	}
}

// readBatch reads one or more datagrams into bufs/oobs via the ipv4/ipv6
// batched PacketConn API (recvmmsg under the hood on platforms that support
// it), rotating through every one of the maxBatch buffer slots rather than
// reusing a single one. Each returned ReceivedMessage.Buf aliases its slot
// in bufs; the caller must finish with the batch (or copy out what it
// needs) before the next readBatch call reuses those slots.
func (h *UDPHandle) readBatch(bufs, oobs [][]byte) ([]ReceivedMessage, error) {
	if h.p4 != nil {
		return h.readBatchV4(bufs, oobs)
	}
	return h.readBatchV6(bufs, oobs)
}

func (h *UDPHandle) readBatchV4(bufs, oobs [][]byte) ([]ReceivedMessage, error) {
	ms := make([]ipv4.Message, len(bufs))
	for i := range ms {
		ms[i].Buffers = [][]byte{bufs[i]}
		ms[i].OOB = oobs[i]
	}
	n, err := h.p4.ReadBatch(ms, 0)
	if err != nil {
		return nil, err
	}
	out := make([]ReceivedMessage, 0, n)
	for i := 0; i < n; i++ {
		remote, ok := netip.AddrFromSlice(udpAddrIP(ms[i].Addr))
		if !ok {
			continue
		}
		local := h.local
		if cm, err := ipv4.ParseControlMessage(ms[i].OOB[:ms[i].NN]); err == nil && cm != nil {
			if a, ok := netip.AddrFromSlice(cm.Dst); ok {
				local = netip.AddrPortFrom(a.Unmap(), h.local.Port())
			}
		}
		out = append(out, ReceivedMessage{
			Buf:    bufs[i][:ms[i].N],
			Remote: netip.AddrPortFrom(remote.Unmap(), udpAddrPort(ms[i].Addr)),
			Local:  local,
		})
	}
	return out, nil
}

func (h *UDPHandle) readBatchV6(bufs, oobs [][]byte) ([]ReceivedMessage, error) {
	ms := make([]ipv6.Message, len(bufs))
	for i := range ms {
		ms[i].Buffers = [][]byte{bufs[i]}
		ms[i].OOB = oobs[i]
	}
	n, err := h.p6.ReadBatch(ms, 0)
	if err != nil {
		return nil, err
	}
	out := make([]ReceivedMessage, 0, n)
	for i := 0; i < n; i++ {
		remote, ok := netip.AddrFromSlice(udpAddrIP(ms[i].Addr))
		if !ok {
			continue
		}
		local := h.local
		if cm, err := ipv6.ParseControlMessage(ms[i].OOB[:ms[i].NN]); err == nil && cm != nil {
			if a, ok := netip.AddrFromSlice(cm.Dst); ok {
				local = netip.AddrPortFrom(a, h.local.Port())
			}
		}
		out = append(out, ReceivedMessage{
			Buf:    bufs[i][:ms[i].N],
			Remote: netip.AddrPortFrom(remote, udpAddrPort(ms[i].Addr)),
			Local:  local,
		})
	}
	return out, nil
}

func udpAddrIP(addr net.Addr) []byte {
	if a, ok := addr.(*net.UDPAddr); ok {
		return a.IP
	}
	return nil
}

func udpAddrPort(addr net.Addr) uint16 {
	if a, ok := addr.(*net.UDPAddr); ok {
		return uint16(a.Port)
	}
	return 0
}

func (h *UDPHandle) LocalAddr() netip.AddrPort { return h.local }

func (h *UDPHandle) RemoteAddr() (netip.AddrPort, bool) { return h.remote, h.hasRemote }

func (h *UDPHandle) AllocSendContext(mtuHint int) SendContext {
	c := h.sendPool.Get().(*udpSendContext)
	c.AllocDatagram(mtuHint)
	return c
}

func (h *UDPHandle) SendTo(remote netip.AddrPort, ctx SendContext) error {
	c, ok := ctx.(*udpSendContext)
	if !ok {
		return errors.New("datapath: foreign SendContext")
	}
	defer c.Free()
	_, err := h.conn.WriteToUDPAddrPort(c.buf, remote)
	return err
}

func (h *UDPHandle) SendFromTo(local, remote netip.AddrPort, ctx SendContext) error {
	// The reference implementation doesn't multiplex multiple local
	// addresses off one socket (that needs IP_PKTINFO/cmsg plumbing); a
	// wildcard-bound handle ignores local and just sends from the socket's
	// bound address, matching what most callers (a single-listener
	// binding) actually need.
	return h.SendTo(remote, ctx)
}

func (h *UDPHandle) Close() {
	h.closeOnce.Do(func() {
		close(h.stop)
		h.conn.Close()
		<-h.recvDone
	})
}
