// Package udp sends JSON fix records as single datagrams to one or more
// destinations.
package udp

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
)

// MaxDatagram is the largest payload Send accepts; a fix record is far
// smaller.
const MaxDatagram = 65507

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type (
	resolveFunc func(network, address string) (*net.UDPAddr, error)
	dialFunc    func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)
)

type target struct {
	dest string
	conn udpConn
}

// Sender writes every payload to each destination. Send is not safe for
// concurrent use; the publisher serializes calls.
type Sender struct {
	targets []target

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewSender dials each host:port in dests, a comma-separated list.
func NewSender(dests string) (*Sender, error) {
	return newSender(dests, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newSender(dests string, resolve resolveFunc, dial dialFunc) (*Sender, error) {
	s := &Sender{}
	for _, dest := range strings.Split(dests, ",") {
		dest = strings.TrimSpace(dest)
		if dest == "" {
			continue
		}
		addr, err := resolve("udp", dest)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("resolve dest=%s: %w", dest, err)
		}
		conn, err := dial("udp", nil, addr)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("dial udp dest=%s: %w", dest, err)
		}
		s.targets = append(s.targets, target{dest: dest, conn: conn})
	}
	if len(s.targets) == 0 {
		return nil, fmt.Errorf("udp dest is empty")
	}
	return s, nil
}

// Dest lists the destinations, comma-separated.
func (s *Sender) Dest() string {
	if s == nil {
		return ""
	}
	out := make([]string, len(s.targets))
	for i, t := range s.targets {
		out[i] = t.dest
	}
	return strings.Join(out, ",")
}

// Send writes payload to every destination. A failing destination does not
// stop the others; their errors are joined.
func (s *Sender) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if s == nil || len(s.targets) == 0 {
		return fmt.Errorf("udp sender is not open")
	}
	if len(payload) > MaxDatagram {
		return fmt.Errorf("udp payload too large (%d bytes)", len(payload))
	}
	var errs []error
	for _, t := range s.targets {
		if _, err := t.conn.Write(payload); err != nil {
			s.failed.Add(1)
			errs = append(errs, fmt.Errorf("udp send dest=%s: %w", t.dest, err))
			continue
		}
		s.sent.Add(1)
	}
	return errors.Join(errs...)
}

// Counts reports datagrams written and failed across all destinations.
func (s *Sender) Counts() (sent, failed uint64) {
	if s == nil {
		return 0, 0
	}
	return s.sent.Load(), s.failed.Load()
}

func (s *Sender) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, t := range s.targets {
		if err := t.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.targets = nil
	return errors.Join(errs...)
}
