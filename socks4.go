package rotapool

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// socks4Dialer implements the SOCKS4 CONNECT handshake. golang.org/x/net
// only ships a SOCKS5 client, but the wire format for v4 is small enough to
// speak directly: an 8-byte request, an 8-byte reply.
type socks4Dialer struct {
	proxyAddr string
	userID    string
	dialer    *net.Dialer
}

const (
	socks4Version        = 0x04
	socks4CmdConnect     = 0x01
	socks4StatusGranted  = 0x5a
	socks4StatusRejected = 0x5b
)

func (d *socks4Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, fmt.Errorf("socks4: network %q not supported", network)
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("socks4: %w", err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("socks4: invalid port %q", portStr)
	}

	// SOCKS4 proper carries only IPv4 addresses; resolve hostnames locally.
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
		if err != nil {
			return nil, fmt.Errorf("socks4: resolve %s: %w", host, err)
		}
		ip = ips[0]
	}

	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("socks4: %s is not an IPv4 address", host)
	}

	conn, err := d.dialer.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := make([]byte, 0, 9+len(d.userID))
	req = append(req, socks4Version, socks4CmdConnect)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, ip4...)
	req = append(req, d.userID...)
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4: write request: %w", err)
	}

	var reply [8]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4: read reply: %w", err)
	}

	if reply[1] != socks4StatusGranted {
		conn.Close()
		return nil, fmt.Errorf("socks4: request rejected (code 0x%02x)", reply[1])
	}

	_ = conn.SetDeadline(time.Time{})

	return conn, nil
}
