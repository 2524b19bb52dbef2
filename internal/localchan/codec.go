package localchan

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// Datagram layout (big endian):
//
//	kind(1) fd(4) len(4) id(16) dest_ip(16) dest_port(2)
//
// The payload itself never crosses the socket; it is resolved by id.
const HeaderSize = 1 + 4 + 4 + 16 + 16 + 2

// Header is the decoded form of one datagram.
type Header struct {
	Kind Kind
	FD   int
	Len  int
	ID   uuid.UUID
	Dest *net.UDPAddr
}

// Encode serialises the fixed-size header of req.
func Encode(req *Request) []byte {
	b := make([]byte, HeaderSize)
	b[0] = byte(req.Kind)
	binary.BigEndian.PutUint32(b[1:5], uint32(int32(req.FD)))
	binary.BigEndian.PutUint32(b[5:9], uint32(len(req.Data)))
	copy(b[9:25], req.ID[:])
	if req.Dest != nil {
		if ip16 := req.Dest.IP.To16(); ip16 != nil {
			copy(b[25:41], ip16)
		}
		binary.BigEndian.PutUint16(b[41:43], uint16(req.Dest.Port))
	}
	return b
}

// Decode parses a datagram produced by Encode.
func Decode(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, want %d", ErrBadDatagram, len(b), HeaderSize)
	}
	h := Header{
		Kind: Kind(b[0]),
		FD:   int(int32(binary.BigEndian.Uint32(b[1:5]))),
		Len:  int(binary.BigEndian.Uint32(b[5:9])),
	}
	if h.Kind != TCPSend && h.Kind != UDPSend {
		return Header{}, fmt.Errorf("%w: unknown kind %d", ErrBadDatagram, b[0])
	}
	copy(h.ID[:], b[9:25])
	port := int(binary.BigEndian.Uint16(b[41:43]))
	ip := net.IP(append([]byte(nil), b[25:41]...))
	if port != 0 || !ip.IsUnspecified() {
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		h.Dest = &net.UDPAddr{IP: ip, Port: port}
	}
	return h, nil
}
