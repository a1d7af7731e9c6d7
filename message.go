// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kellnerd/shareproto/packet"
)

// MessageKind is the tag byte that begins the payload of every Packet.
type MessageKind byte

const (
	kindHandshake          MessageKind = 1
	kindCallMethod         MessageKind = 2
	kindReturnMethod       MessageKind = 3
	kindCallMethodUnreliable MessageKind = 4
	kindGetProperty        MessageKind = 5
	kindReturnProperty     MessageKind = 6
	kindSetProperty        MessageKind = 7
	kindGetIndexer         MessageKind = 8
	kindSetIndexer         MessageKind = 9
	kindReturnIndexer      MessageKind = 10
	kindRelease            MessageKind = 11
)

func (k MessageKind) String() string {
	switch k {
	case kindHandshake:
		return "HANDSHAKE"
	case kindCallMethod:
		return "CALL_METHOD"
	case kindReturnMethod:
		return "RETURN_METHOD"
	case kindCallMethodUnreliable:
		return "CALL_METHOD_UNRELIABLE"
	case kindGetProperty:
		return "GET_PROPERTY"
	case kindReturnProperty:
		return "RETURN_PROPERTY"
	case kindSetProperty:
		return "SET_PROPERTY"
	case kindGetIndexer:
		return "GET_INDEXER"
	case kindSetIndexer:
		return "SET_INDEXER"
	case kindReturnIndexer:
		return "RETURN_INDEXER"
	case kindRelease:
		return "RELEASE"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// Packet is the framed unit exchanged on the reliable channel, and the
// payload of each unreliable datagram. It satisfies io.WriterTo/io.ReaderFrom
// so that channel implementations can use it directly against a stream.
//
// On the wire, a Packet is a little-endian uint32 byte count, followed by
// that many bytes comprising a one-byte MessageKind tag and the kind-specific
// fields described by spec §4.1.
type Packet struct {
	Kind    MessageKind
	Payload []byte
}

// WriteTo writes p to w in framed binary form.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(1+len(p.Payload)))
	hdr[4] = byte(p.Kind)
	nh, err := w.Write(hdr[:])
	if err != nil {
		return int64(nh), err
	}
	if len(p.Payload) == 0 {
		return int64(nh), nil
	}
	np, err := w.Write(p.Payload)
	return int64(nh + np), err
}

// ReadFrom reads a framed Packet from r.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var hdr [4]byte
	nh, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return int64(nh), fmt.Errorf("short packet length: %w", err)
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size == 0 {
		return int64(nh), fmt.Errorf("invalid empty packet")
	}
	buf := make([]byte, size)
	nb, err := io.ReadFull(r, buf)
	if err != nil {
		return int64(nh + nb), fmt.Errorf("short packet body: %w", err)
	}
	p.Kind = MessageKind(buf[0])
	if size > 1 {
		p.Payload = buf[1:]
	} else {
		p.Payload = nil
	}
	return int64(nh + nb), nil
}

// Encode encodes the framed form of p, including the length prefix.
func (p *Packet) Encode() []byte {
	buf := make([]byte, 5, 5+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[:4], uint32(1+len(p.Payload)))
	buf[4] = byte(p.Kind)
	return append(buf, p.Payload...)
}

// EncodeDatagram encodes p for transmission as a single unreliable datagram:
// just the one-byte Kind tag followed by Payload, with no length prefix,
// since the datagram's own boundary delimits the message. Pair with
// [DecodePacket] on the receiving side.
func (p *Packet) EncodeDatagram() []byte {
	buf := make([]byte, 1, 1+len(p.Payload))
	buf[0] = byte(p.Kind)
	return append(buf, p.Payload...)
}

// DecodePacket parses the framed form of a single packet from buf, without a
// surrounding length prefix (the length is assumed to equal len(buf)-1 once
// the tag byte is removed). This is used by the unreliable channel, where the
// datagram boundary already delimits the message.
func DecodePacket(buf []byte) (*Packet, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty datagram")
	}
	return &Packet{Kind: MessageKind(buf[0]), Payload: buf[1:]}, nil
}

// call is the payload shape shared by CallMethod, GetProperty, SetProperty,
// GetIndexer, and SetIndexer requests.
type call struct {
	Target   ObjectID
	MemberID uint32
	Generics []string // declared shareable type names for generic arguments, method calls only
	Value    []byte   // SetProperty/SetIndexer new value, or method/GetIndexer arguments
	Index    []byte   // GetIndexer/SetIndexer index arguments
	OpID     OperationID
}

func (c *call) encode(withGenerics, withIndex bool) []byte {
	var b packet.Builder
	b.Uint16(uint16(c.Target))
	b.Uint32(c.MemberID)
	if withGenerics {
		b.Vint30(uint32(len(c.Generics)))
		for _, g := range c.Generics {
			b.VPutString(g)
		}
	}
	b.VPut(c.Value)
	if withIndex {
		b.VPut(c.Index)
	}
	b.Uint32(uint32(c.OpID))
	return b.Bytes()
}

func decodeCall(buf []byte, withGenerics, withIndex bool) (*call, error) {
	s := packet.NewScanner(buf)
	target, err := s.Uint16()
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	member, err := s.Uint32()
	if err != nil {
		return nil, fmt.Errorf("member id: %w", err)
	}
	c := &call{Target: ObjectID(target), MemberID: member}
	if withGenerics {
		n, err := s.Vint30()
		if err != nil {
			return nil, fmt.Errorf("generics count: %w", err)
		}
		for range n {
			g, err := packet.VGet[string](s)
			if err != nil {
				return nil, fmt.Errorf("generic name: %w", err)
			}
			c.Generics = append(c.Generics, g)
		}
	}
	val, err := packet.VGet[[]byte](s)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	c.Value = val
	if withIndex {
		idx, err := packet.VGet[[]byte](s)
		if err != nil {
			return nil, fmt.Errorf("index: %w", err)
		}
		c.Index = idx
	}
	opID, err := s.Uint32()
	if err != nil {
		return nil, fmt.Errorf("operation id: %w", err)
	}
	c.OpID = OperationID(opID)
	return c, nil
}

// reply is the payload shape shared by ReturnMethod, ReturnProperty, and
// ReturnIndexer.
type reply struct {
	OpID  OperationID
	Code  ResultCode
	Value []byte           // the encoded result, present iff Code == CodeSuccess
	Exc   *RemoteException // present iff Code == CodeServiceError
}

func (r *reply) encode() []byte {
	var b packet.Builder
	b.Uint32(uint32(r.OpID))
	b.Put(byte(r.Code))
	switch r.Code {
	case CodeSuccess:
		b.VPut(r.Value)
	case CodeServiceError:
		exc := r.Exc
		if exc == nil {
			exc = new(RemoteException)
		}
		b.VPutString(exc.TypeName)
		b.VPutString(exc.Message)
		b.VPutString(exc.Stack)
		b.VPutString(exc.Source)
	}
	return b.Bytes()
}

func decodeReply(buf []byte) (*reply, error) {
	s := packet.NewScanner(buf)
	opID, err := s.Uint32()
	if err != nil {
		return nil, fmt.Errorf("operation id: %w", err)
	}
	codeByte, err := s.Byte()
	if err != nil {
		return nil, fmt.Errorf("code: %w", err)
	}
	r := &reply{OpID: OperationID(opID), Code: ResultCode(codeByte)}
	switch r.Code {
	case CodeSuccess:
		v, err := packet.VGet[[]byte](s)
		if err != nil {
			return nil, fmt.Errorf("value: %w", err)
		}
		r.Value = v
	case CodeServiceError:
		exc := new(RemoteException)
		if exc.TypeName, err = packet.VGet[string](s); err != nil {
			return nil, fmt.Errorf("exception type: %w", err)
		}
		if exc.Message, err = packet.VGet[string](s); err != nil {
			return nil, fmt.Errorf("exception message: %w", err)
		}
		if exc.Stack, err = packet.VGet[string](s); err != nil {
			return nil, fmt.Errorf("exception stack: %w", err)
		}
		if exc.Source, err = packet.VGet[string](s); err != nil {
			return nil, fmt.Errorf("exception source: %w", err)
		}
		r.Exc = exc
	}
	return r, nil
}

// releaseMsg is the payload of a Release message.
type releaseMsg struct {
	Target ObjectID
	Count  uint32
}

func (r *releaseMsg) encode() []byte {
	var b packet.Builder
	b.Uint16(uint16(r.Target))
	b.Uint32(r.Count)
	return b.Bytes()
}

func decodeRelease(buf []byte) (*releaseMsg, error) {
	s := packet.NewScanner(buf)
	target, err := s.Uint16()
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	count, err := s.Uint32()
	if err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	return &releaseMsg{Target: ObjectID(target), Count: count}, nil
}

// handshakeMsg is the payload exchanged by each side at connection setup.
type handshakeMsg struct {
	NetworkID      NetworkID // 0 if the sender does not assign ids (the dialing side)
	RootType       string
	UnreliablePort uint16
}

func (h *handshakeMsg) encode() []byte {
	var b packet.Builder
	b.Uint16(uint16(h.NetworkID))
	b.VPutString(h.RootType)
	b.Uint16(h.UnreliablePort)
	return b.Bytes()
}

func decodeHandshake(buf []byte) (*handshakeMsg, error) {
	s := packet.NewScanner(buf)
	nid, err := s.Uint16()
	if err != nil {
		return nil, fmt.Errorf("network id: %w", err)
	}
	rootType, err := packet.VGet[string](s)
	if err != nil {
		return nil, fmt.Errorf("root type: %w", err)
	}
	port, err := s.Uint16()
	if err != nil {
		return nil, fmt.Errorf("unreliable port: %w", err)
	}
	return &handshakeMsg{NetworkID: NetworkID(nid), RootType: rootType, UnreliablePort: port}, nil
}
