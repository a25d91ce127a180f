// Package pimsock provides the link-level PIM packet I/O: a raw IPv4
// socket bound to protocol 103 with the Router Alert option set on
// transmit. The PIM core consumes it through the pim.Sender interface and
// a receive loop that posts packets into the event loop.
package pimsock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/openmcast/pimsm/internal/packet"
)

// routerAlert is the IP Router Alert option (RFC 2113), required on
// multicast-addressed PIM messages.
var routerAlert = []byte{0x94, 0x04, 0x00, 0x00}

// Conn is a raw PIM socket.
type Conn struct {
	log  *slog.Logger
	pc   *ipv4.PacketConn
	base net.PacketConn

	// vif index by interface index, filled by Register.
	vifByIfIndex map[int]uint16
	ifByVif      map[uint16]*net.Interface
}

// Config holds configuration for the PIM socket.
type Config struct {
	Logger *slog.Logger
}

// New opens the raw socket. Requires CAP_NET_RAW.
func New(cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base, err := net.ListenPacket(fmt.Sprintf("ip4:%d", packet.ProtocolNumber), "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("failed to open pim socket: %w", err)
	}
	pc := ipv4.NewPacketConn(base)
	if err := pc.SetControlMessage(ipv4.FlagInterface|ipv4.FlagSrc, true); err != nil {
		base.Close()
		return nil, fmt.Errorf("failed to set control messages: %w", err)
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		cfg.Logger.Warn("failed to disable multicast loopback", "error", err)
	}
	if err := pc.SetMulticastTTL(1); err != nil {
		cfg.Logger.Warn("failed to set multicast ttl", "error", err)
	}
	if err := setRouterAlert(base); err != nil {
		cfg.Logger.Warn("failed to set router alert option", "error", err)
	}
	return &Conn{
		log:          cfg.Logger,
		pc:           pc,
		base:         base,
		vifByIfIndex: make(map[int]uint16),
		ifByVif:      make(map[uint16]*net.Interface),
	}, nil
}

// setRouterAlert installs the Router Alert IP option on every outgoing
// packet of the socket.
func setRouterAlert(base net.PacketConn) error {
	sc, ok := base.(syscall.Conn)
	if !ok {
		return errors.New("socket does not expose a raw descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptString(int(fd), unix.IPPROTO_IP, unix.IP_OPTIONS,
			string(routerAlert))
	})
	if err != nil {
		return err
	}
	return serr
}

// Register maps an OS interface to a vif index and joins ALL-PIM-ROUTERS
// on it.
func (c *Conn) Register(vifIndex uint16, ifName string) error {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return fmt.Errorf("unknown interface %q: %w", ifName, err)
	}
	group := &net.IPAddr{IP: net.IPv4(224, 0, 0, 13)}
	if err := c.pc.JoinGroup(ifi, group); err != nil {
		return fmt.Errorf("failed to join all-pim-routers on %s: %w", ifName, err)
	}
	c.vifByIfIndex[ifi.Index] = vifIndex
	c.ifByVif[vifIndex] = ifi
	return nil
}

// Send implements the core's Sender interface.
func (c *Conn) Send(vifIndex uint16, src, dst netip.Addr, payload []byte) error {
	ifi := c.ifByVif[vifIndex]
	if ifi == nil {
		return fmt.Errorf("no interface registered for vif %d", vifIndex)
	}
	cm := &ipv4.ControlMessage{IfIndex: ifi.Index}
	if src.IsValid() && !src.IsUnspecified() {
		cm.Src = src.AsSlice()
	}
	_, err := c.pc.WriteTo(payload, cm, &net.IPAddr{IP: dst.AsSlice()})
	return err
}

// ReadLoop delivers received packets to handle until ctx is canceled.
func (c *Conn) ReadLoop(ctx context.Context, handle func(vifIndex uint16, src netip.Addr, data []byte)) error {
	go func() {
		<-ctx.Done()
		c.base.Close()
	}()
	buf := make([]byte, 65535)
	for {
		n, cm, _, err := c.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			c.log.Warn("pim socket read failed", "error", err)
			continue
		}
		if cm == nil {
			continue
		}
		vifIndex, ok := c.vifByIfIndex[cm.IfIndex]
		if !ok {
			continue
		}
		src, ok := netip.AddrFromSlice(cm.Src.To4())
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		handle(vifIndex, src, data)
	}
}

// Close releases the socket.
func (c *Conn) Close() error { return c.base.Close() }
