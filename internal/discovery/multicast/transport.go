package multicast

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// Transport sends datagrams to the group and receives datagrams from it.
// Receive returns an error once the transport is closed.
type Transport interface {
	Send(b []byte) error
	Receive() ([]byte, net.IP, error)
	Close() error
}

type udpTransport struct {
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	group *net.UDPAddr
}

// Listen joins the multicast group on every multicast capable interface.
// Several listeners on the same host share the group port.
func Listen(group string) (Transport, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolving multicast group %q: %w", group, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return nil, fmt.Errorf("joining multicast group %q: %w", group, err)
	}
	pc := ipv4.NewPacketConn(conn)
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		// Joining the default interface a second time fails, which is fine.
		_ = pc.JoinGroup(&iface, gaddr)
	}
	_ = pc.SetMulticastTTL(4)
	_ = pc.SetMulticastLoopback(true)
	return &udpTransport{conn: conn, pc: pc, group: gaddr}, nil
}

func (t *udpTransport) Send(b []byte) error {
	_, err := t.pc.WriteTo(b, nil, t.group)
	return err
}

func (t *udpTransport) Receive() ([]byte, net.IP, error) {
	buf := make([]byte, maxPacketSize)
	n, _, src, err := t.pc.ReadFrom(buf)
	if err != nil {
		return nil, nil, err
	}
	var ip net.IP
	if udp, ok := src.(*net.UDPAddr); ok {
		ip = udp.IP
	}
	return buf[:n], ip, nil
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}
