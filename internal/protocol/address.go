package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Address is the destination carried by connect and packet commands.
// Wire format:
//
//	Type [1 byte]  - Address type
//	Addr [varies] - Domain (1-byte length + string), IPv4 (4), IPv6 (16),
//	                or absent for the none type
//	Port [2 bytes] - Big-endian, absent for the none type
type Address struct {
	Type   uint8
	Domain string
	IP     net.IP
	Port   uint16
}

// NoneAddress returns the empty address used by non-initial packet fragments.
func NoneAddress() Address {
	return Address{Type: AddrTypeNone}
}

// DomainAddress returns a domain-typed address. The wire format stores the
// domain length in a single byte, so longer domains are rejected here
// rather than truncated at encode time.
func DomainAddress(domain string, port uint16) (Address, error) {
	if len(domain) > 255 {
		return Address{}, fmt.Errorf("%w: domain too long", ErrInvalidAddress)
	}
	return Address{Type: AddrTypeDomain, Domain: domain, Port: port}, nil
}

// IPAddress returns an IPv4 or IPv6 typed address depending on the IP.
func IPAddress(ip net.IP, port uint16) Address {
	if v4 := ip.To4(); v4 != nil {
		return Address{Type: AddrTypeIPv4, IP: v4, Port: port}
	}
	return Address{Type: AddrTypeIPv6, IP: ip.To16(), Port: port}
}

// ParseAddress converts a "host:port" string into an Address. A host that
// parses as an IP becomes an IP address, anything else a domain address.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: port %q", ErrInvalidAddress, portStr)
	}
	if ip := net.ParseIP(host); ip != nil {
		return IPAddress(ip, uint16(port)), nil
	}
	return DomainAddress(host, uint16(port))
}

// IsNone reports whether the address is the none type.
func (a Address) IsNone() bool {
	return a.Type == AddrTypeNone
}

// Len returns the encoded length of the address.
func (a Address) Len() int {
	switch a.Type {
	case AddrTypeDomain:
		return 1 + 1 + len(a.Domain) + 2
	case AddrTypeIPv4:
		return 1 + 4 + 2
	case AddrTypeIPv6:
		return 1 + 16 + 2
	default:
		return 1
	}
}

// String returns "host:port", or "none" for the none type.
func (a Address) String() string {
	switch a.Type {
	case AddrTypeDomain:
		return net.JoinHostPort(a.Domain, strconv.Itoa(int(a.Port)))
	case AddrTypeIPv4, AddrTypeIPv6:
		return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
	default:
		return "none"
	}
}

// appendTo encodes the address into buf at offset and returns the new offset.
// buf must have at least a.Len() bytes remaining.
func (a Address) appendTo(buf []byte, offset int) int {
	buf[offset] = a.Type
	offset++

	switch a.Type {
	case AddrTypeDomain:
		buf[offset] = uint8(len(a.Domain))
		offset++
		copy(buf[offset:], a.Domain)
		offset += len(a.Domain)
	case AddrTypeIPv4:
		copy(buf[offset:], a.IP.To4())
		offset += 4
	case AddrTypeIPv6:
		copy(buf[offset:], a.IP.To16())
		offset += 16
	case AddrTypeNone:
		return offset
	}

	binary.BigEndian.PutUint16(buf[offset:], a.Port)
	return offset + 2
}

// ReadAddress decodes an address from r.
func ReadAddress(r io.Reader) (Address, error) {
	var t [1]byte
	if _, err := io.ReadFull(r, t[:]); err != nil {
		return Address{}, err
	}

	a := Address{Type: t[0]}

	switch a.Type {
	case AddrTypeNone:
		return a, nil
	case AddrTypeDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return Address{}, err
		}
		domain := make([]byte, int(l[0]))
		if _, err := io.ReadFull(r, domain); err != nil {
			return Address{}, err
		}
		a.Domain = string(domain)
	case AddrTypeIPv4:
		ip := make(net.IP, 4)
		if _, err := io.ReadFull(r, ip); err != nil {
			return Address{}, err
		}
		a.IP = ip
	case AddrTypeIPv6:
		ip := make(net.IP, 16)
		if _, err := io.ReadFull(r, ip); err != nil {
			return Address{}, err
		}
		a.IP = ip
	default:
		return Address{}, fmt.Errorf("%w: address type 0x%02x", ErrInvalidAddress, a.Type)
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return Address{}, err
	}
	a.Port = binary.BigEndian.Uint16(port[:])

	return a, nil
}
