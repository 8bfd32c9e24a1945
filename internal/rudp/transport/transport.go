/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package transport holds the collaborators the core protocol treats as
// external: IPv6 address resolution and UDP socket setup, including the
// receiver's peek-then-connect handshake.
package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sprt/lossless-transport/internal/rudp/packet"
)

// MaxDatagramSize is the largest datagram the wire format can produce:
// header, full payload, and the payload CRC.
const MaxDatagramSize = packet.HeaderSize + packet.MaxPayloadSize + 4

// Conn is the socket surface the sender and receiver control loops need.
// *net.UDPConn satisfies it once Dial, Listen+PeekAndConnect have been
// used to bring it to the "connected" state both loops assume. Tests
// substitute an in-memory fake that implements the same timeout-via-
// deadline convention.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Resolve turns a hostname/IP and port into an IPv6 UDP address.
func Resolve(host string, port int) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp6", fmt.Sprintf("[%s]:%d", host, port))
	if err != nil {
		// ResolveUDPAddr is picky about bracket syntax for names that
		// aren't already literal addresses; fall back to host:port.
		addr, err = net.ResolveUDPAddr("udp6", net.JoinHostPort(host, fmt.Sprint(port)))
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", host, err)
		}
	}
	return addr, nil
}

// Dial opens the sender's socket, connected to addr from the start: the
// sender always knows its peer up front, unlike the receiver.
func Dial(addr *net.UDPAddr) (*net.UDPConn, error) {
	conn, err := net.DialUDP("udp6", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return conn, nil
}

// Listen opens the receiver's socket, bound to host:port (host may be
// empty to bind every local address) but not yet connected to a peer.
func Listen(host string, port int) (*net.UDPConn, error) {
	laddr := &net.UDPAddr{Port: port}
	if host != "" {
		addr, err := Resolve(host, port)
		if err != nil {
			return nil, err
		}
		laddr = addr
	}
	conn, err := net.ListenUDP("udp6", laddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s:%d: %w", host, port, err)
	}
	return conn, nil
}

// PeekAndConnect blocks until a datagram arrives on conn, learns its
// source address without consuming the datagram (so the caller's next
// Read sees it again), and connects conn to that source so that
// subsequent Writes default to it and subsequent Reads ignore any other
// sender. This mirrors the original implementation's
// recvfrom(MSG_PEEK) + connect() handshake.
func PeekAndConnect(conn *net.UDPConn) (*net.UDPAddr, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("obtaining raw connection: %w", err)
	}

	var peerAddr *net.UDPAddr
	var peekErr error
	buf := make([]byte, MaxDatagramSize)

	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, from, err := unix.Recvfrom(int(fd), buf, unix.MSG_PEEK)
		if err != nil {
			if err == unix.EAGAIN {
				return false // not ready yet, keep waiting
			}
			peekErr = fmt.Errorf("peeking first datagram: %w", err)
			return true
		}
		_ = n
		peerAddr = sockaddrToUDPAddr(from)
		return true
	})
	if ctrlErr != nil {
		return nil, fmt.Errorf("waiting for first datagram: %w", ctrlErr)
	}
	if peekErr != nil {
		return nil, peekErr
	}

	if err := connectSocket(raw, peerAddr); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", peerAddr, err)
	}
	return peerAddr, nil
}

func connectSocket(raw interface {
	Control(f func(fd uintptr)) error
}, addr *net.UDPAddr) error {
	var sa unix.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil {
		var a unix.SockaddrInet4
		copy(a.Addr[:], ip4)
		a.Port = addr.Port
		sa = &a
	} else {
		var a unix.SockaddrInet6
		copy(a.Addr[:], addr.IP.To16())
		a.Port = addr.Port
		sa = &a
	}

	var connectErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		connectErr = unix.Connect(int(fd), sa)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return connectErr
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, a.Addr[:])
		return &net.UDPAddr{IP: ip, Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		return &net.UDPAddr{IP: ip, Port: a.Port}
	default:
		return &net.UDPAddr{}
	}
}
