package vehicle

import (
	"fmt"
	"strconv"
	"strings"
)

// Transport is the kind of link a connection string names.
type Transport string

const (
	TransportSerial    Transport = "serial"
	TransportUDPServer Transport = "udp"
	TransportUDPClient Transport = "udpout"
	TransportTCPClient Transport = "tcp"
)

// DefaultBaud is used for serial links that do not name a rate. It matches the
// usual telemetry radio setting.
const DefaultBaud = 57600

// Endpoint is a parsed connection string.
type Endpoint struct {
	Transport Transport
	Address   string // host:port for network links, device path for serial
	Baud      int
}

// ParseURI parses a vehicle connection string:
//
//	tcp:127.0.0.1:5760       TCP client (SITL)
//	udp:0.0.0.0:14550        listen for UDP
//	udpout:10.0.0.2:14550    send UDP to a remote
//	serial:/dev/ttyAMA0:921600
//	/dev/ttyUSB0             serial at DefaultBaud
func ParseURI(uri string) (Endpoint, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Endpoint{}, fmt.Errorf("empty vehicle uri")
	}

	if strings.HasPrefix(uri, "/") {
		return parseSerial(uri)
	}

	scheme, rest, ok := strings.Cut(uri, ":")
	if !ok || rest == "" {
		return Endpoint{}, fmt.Errorf("vehicle uri %q: missing scheme", uri)
	}

	switch Transport(scheme) {
	case TransportSerial:
		return parseSerial(rest)
	case TransportUDPServer, TransportUDPClient, TransportTCPClient:
		if _, port, ok := strings.Cut(rest, ":"); !ok || port == "" {
			return Endpoint{}, fmt.Errorf("vehicle uri %q: address must be host:port", uri)
		}
		return Endpoint{Transport: Transport(scheme), Address: rest}, nil
	default:
		return Endpoint{}, fmt.Errorf("vehicle uri %q: unsupported scheme %q", uri, scheme)
	}
}

func parseSerial(s string) (Endpoint, error) {
	ep := Endpoint{Transport: TransportSerial, Address: s, Baud: DefaultBaud}

	if i := strings.LastIndex(s, ":"); i > 0 {
		baud, err := strconv.Atoi(s[i+1:])
		if err != nil || baud <= 0 {
			return Endpoint{}, fmt.Errorf("serial uri %q: invalid baud rate", s)
		}
		ep.Address = s[:i]
		ep.Baud = baud
	}

	return ep, nil
}

func (e Endpoint) String() string {
	if e.Transport == TransportSerial {
		return fmt.Sprintf("serial:%s:%d", e.Address, e.Baud)
	}
	return string(e.Transport) + ":" + e.Address
}
