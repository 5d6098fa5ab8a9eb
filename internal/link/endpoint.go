package link

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

type Kind int

const (
	KindSerial Kind = iota
	KindTCP
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindTCP:
		return "tcp"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	DefaultTCPPort  = 9999
	DefaultBaudRate = 115200
)

// Endpoint is a resolved receiver transport. Only the fields of the
// selected Kind are meaningful.
type Endpoint struct {
	Kind Kind

	// Serial.
	Device   string
	Baud     int
	DataBits int
	// Parity is one of N, E, O, M, S.
	Parity   string
	StopBits int

	// TCP.
	Host string
	Port int
}

// SerialEndpoint returns an 8N1 serial endpoint.
func SerialEndpoint(device string, baud int) Endpoint {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return Endpoint{Kind: KindSerial, Device: device, Baud: baud, DataBits: 8, Parity: "N", StopBits: 1}
}

func TCPEndpoint(host string, port int) Endpoint {
	return Endpoint{Kind: KindTCP, Host: host, Port: port}
}

func (e Endpoint) Addr() string {
	if e.Kind == KindTCP {
		return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	}
	return e.Device
}

func (e Endpoint) String() string {
	switch e.Kind {
	case KindTCP:
		return "tcp://" + e.Addr()
	default:
		return fmt.Sprintf("%s@%d/%d%s%d", e.Device, e.Baud, e.DataBits, e.Parity, e.StopBits)
	}
}

func (e Endpoint) Validate() error {
	switch e.Kind {
	case KindTCP:
		if strings.TrimSpace(e.Host) == "" {
			return fmt.Errorf("link tcp host is required")
		}
		if e.Port <= 0 || e.Port > 65535 {
			return fmt.Errorf("link tcp port out of range: %d", e.Port)
		}
	case KindSerial:
		if strings.TrimSpace(e.Device) == "" {
			return fmt.Errorf("link serial device is required")
		}
		if e.Baud <= 0 {
			return fmt.Errorf("link serial baud must be > 0")
		}
		if e.DataBits < 5 || e.DataBits > 8 {
			return fmt.Errorf("link serial data bits out of range: %d", e.DataBits)
		}
		if _, err := parityMode(e.Parity); err != nil {
			return err
		}
		if _, err := stopBitsMode(e.StopBits); err != nil {
			return err
		}
	default:
		return fmt.Errorf("link kind unsupported: %v", e.Kind)
	}
	return nil
}

// ParseEndpoint resolves a receiver descriptor:
//
//	tcp://host[:port], socket://host[:port]   TCP, port defaults to 9999
//	host:port (numeric port)                  TCP
//	anything else                             serial device at baud, 8N1
func ParseEndpoint(descriptor string, baud int) (Endpoint, error) {
	d := strings.TrimSpace(descriptor)
	if d == "" {
		return Endpoint{}, fmt.Errorf("link descriptor is empty")
	}

	for _, scheme := range []string{"tcp://", "socket://"} {
		if !strings.HasPrefix(strings.ToLower(d), scheme) {
			continue
		}
		rest := strings.TrimSuffix(d[len(scheme):], "/")
		if !strings.Contains(rest, ":") {
			ep := TCPEndpoint(rest, DefaultTCPPort)
			return ep, ep.Validate()
		}
		host, portStr, err := net.SplitHostPort(rest)
		if err != nil {
			return Endpoint{}, fmt.Errorf("link descriptor %q: %w", descriptor, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Endpoint{}, fmt.Errorf("link descriptor %q: bad port %q", descriptor, portStr)
		}
		ep := TCPEndpoint(host, port)
		return ep, ep.Validate()
	}

	if !strings.HasPrefix(d, "/") {
		if host, portStr, err := net.SplitHostPort(d); err == nil && host != "" {
			if port, err := strconv.Atoi(portStr); err == nil {
				ep := TCPEndpoint(host, port)
				return ep, ep.Validate()
			}
		}
	}

	ep := SerialEndpoint(d, baud)
	return ep, ep.Validate()
}
