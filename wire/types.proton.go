package wire

import (
	"reflect"
	"unsafe"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id1 uint64 = iota + 1
	id2
	id3
	id4
	id5
	id6
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Hello{},
		Header{},
		PingRequest{},
		PingResponse{},
		NetworkTestRequest{},
		NetworkTestResponse{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Hello:
		return id1, nil
	case *Header:
		return id2, nil
	case *PingRequest:
		return id3, nil
	case *PingResponse:
		return id4, nil
	case *NetworkTestRequest:
		return id5, nil
	case *NetworkTestResponse:
		return id6, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Hello:
		return size1(msg2), nil
	case *Header:
		return size2(msg2), nil
	case *PingRequest:
		return size3(msg2), nil
	case *PingResponse:
		return size4(msg2), nil
	case *NetworkTestRequest:
		return size5(msg2), nil
	case *NetworkTestResponse:
		return size6(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return id1, marshal1(msg2, buf), nil
	case *Header:
		return id2, marshal2(msg2, buf), nil
	case *PingRequest:
		return id3, marshal3(msg2, buf), nil
	case *PingResponse:
		return id4, marshal4(msg2, buf), nil
	case *NetworkTestRequest:
		return id5, marshal5(msg2, buf), nil
	case *NetworkTestResponse:
		return id6, marshal6(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id1:
		msg := &Hello{}
		return msg, unmarshal1(msg, buf), nil
	case id2:
		msg := &Header{}
		return msg, unmarshal2(msg, buf), nil
	case id3:
		msg := &PingRequest{}
		return msg, unmarshal3(msg, buf), nil
	case id4:
		msg := &PingResponse{}
		return msg, unmarshal4(msg, buf), nil
	case id5:
		msg := &NetworkTestRequest{}
		return msg, unmarshal5(msg, buf), nil
	case id6:
		msg := &NetworkTestResponse{}
		return msg, unmarshal6(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Hello:
		return id1, makePatch1(msg2, msgSrc.(*Hello), buf), nil
	case *Header:
		return id2, makePatch2(msg2, msgSrc.(*Header), buf), nil
	case *PingRequest:
		return id3, makePatch3(msg2, msgSrc.(*PingRequest), buf), nil
	case *PingResponse:
		return id4, makePatch4(msg2, msgSrc.(*PingResponse), buf), nil
	case *NetworkTestRequest:
		return id5, makePatch5(msg2, msgSrc.(*NetworkTestRequest), buf), nil
	case *NetworkTestResponse:
		return id6, makePatch6(msg2, msgSrc.(*NetworkTestResponse), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return applyPatch1(msg2, buf), nil
	case *Header:
		return applyPatch2(msg2, buf), nil
	case *PingRequest:
		return applyPatch3(msg2, buf), nil
	case *PingResponse:
		return applyPatch4(msg2, buf), nil
	case *NetworkTestRequest:
		return applyPatch5(msg2, buf), nil
	case *NetworkTestResponse:
		return applyPatch6(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *EndpointID) uint64 {
	var n uint64 = 2
	{
		// First

		helpers.UInt64Size(m.First, &n)
	}
	{
		// Second

		helpers.UInt64Size(m.Second, &n)
	}
	return n
}

func marshal0(m *EndpointID, b []byte) uint64 {
	var o uint64
	{
		// First

		helpers.UInt64Marshal(m.First, b, &o)
	}
	{
		// Second

		helpers.UInt64Marshal(m.Second, b, &o)
	}

	return o
}

func unmarshal0(m *EndpointID, b []byte) uint64 {
	var o uint64
	{
		// First

		helpers.UInt64Unmarshal(&m.First, b, &o)
	}
	{
		// Second

		helpers.UInt64Unmarshal(&m.Second, b, &o)
	}

	return o
}

func size1(m *Hello) uint64 {
	var n uint64 = 33
	{
		// Version

		helpers.UInt64Size(m.Version, &n)
	}
	return n
}

func marshal1(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// PeerID

		copy(b[o:o+32], unsafe.Slice(&m.PeerID[0], 32))
		o += 32
	}
	{
		// Version

		helpers.UInt64Marshal(m.Version, b, &o)
	}

	return o
}

func unmarshal1(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// PeerID

		copy(unsafe.Slice(&m.PeerID[0], 32), b[o:o+32])
		o += 32
	}
	{
		// Version

		helpers.UInt64Unmarshal(&m.Version, b, &o)
	}

	return o
}

func makePatch1(m, mSrc *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// PeerID

		if reflect.DeepEqual(m.PeerID, mSrc.PeerID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			copy(b[o:o+32], unsafe.Slice(&m.PeerID[0], 32))
			o += 32
		}
	}
	{
		// Version

		if m.Version == mSrc.Version {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.Version, b, &o)
		}
	}

	return o
}

func applyPatch1(m *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// PeerID

		if b[0]&0x01 != 0 {
			copy(unsafe.Slice(&m.PeerID[0], 32), b[o:o+32])
			o += 32
		}
	}
	{
		// Version

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.Version, b, &o)
		}
	}

	return o
}

func size2(m *Header) uint64 {
	var n uint64
	{
		// Destination

		n += size0(&m.Destination)
	}
	return n
}

func marshal2(m *Header, b []byte) uint64 {
	var o uint64
	{
		// Destination

		o += marshal0(&m.Destination, b[o:])
	}

	return o
}

func unmarshal2(m *Header, b []byte) uint64 {
	var o uint64
	{
		// Destination

		o += unmarshal0(&m.Destination, b[o:])
	}

	return o
}

func makePatch2(m, mSrc *Header, b []byte) uint64 {
	var o uint64 = 1
	{
		// Destination

		if reflect.DeepEqual(m.Destination, mSrc.Destination) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			o += marshal0(&m.Destination, b[o:])
		}
	}

	return o
}

func applyPatch2(m *Header, b []byte) uint64 {
	var o uint64 = 1
	{
		// Destination

		if b[0]&0x01 != 0 {
			o += unmarshal0(&m.Destination, b[o:])
		}
	}

	return o
}

func size3(m *PingRequest) uint64 {
	var n uint64
	{
		// Reply

		n += size0(&m.Reply)
	}
	return n
}

func marshal3(m *PingRequest, b []byte) uint64 {
	var o uint64
	{
		// Reply

		o += marshal0(&m.Reply, b[o:])
	}

	return o
}

func unmarshal3(m *PingRequest, b []byte) uint64 {
	var o uint64
	{
		// Reply

		o += unmarshal0(&m.Reply, b[o:])
	}

	return o
}

func makePatch3(m, mSrc *PingRequest, b []byte) uint64 {
	var o uint64 = 1
	{
		// Reply

		if reflect.DeepEqual(m.Reply, mSrc.Reply) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			o += marshal0(&m.Reply, b[o:])
		}
	}

	return o
}

func applyPatch3(m *PingRequest, b []byte) uint64 {
	var o uint64 = 1
	{
		// Reply

		if b[0]&0x01 != 0 {
			o += unmarshal0(&m.Reply, b[o:])
		}
	}

	return o
}

func size4(m *PingResponse) uint64 {
	var n uint64
	return n
}

func marshal4(m *PingResponse, b []byte) uint64 {
	var o uint64

	return o
}

func unmarshal4(m *PingResponse, b []byte) uint64 {
	var o uint64

	return o
}

func makePatch4(m, mSrc *PingResponse, b []byte) uint64 {
	var o uint64

	return o
}

func applyPatch4(m *PingResponse, b []byte) uint64 {
	var o uint64

	return o
}

func size5(m *NetworkTestRequest) uint64 {
	var n uint64 = 4
	{
		// Reply

		n += size0(&m.Reply)
	}
	{
		// Sequence

		helpers.UInt64Size(m.Sequence, &n)
	}
	{
		// Iterations

		helpers.UInt64Size(m.Iterations, &n)
	}
	{
		// ReplySize

		helpers.UInt64Size(m.ReplySize, &n)
	}
	{
		// Payload

		l := uint64(len(m.Payload))
		helpers.UInt64Size(l, &n)
		n += l
	}
	return n
}

func marshal5(m *NetworkTestRequest, b []byte) uint64 {
	var o uint64
	{
		// Reply

		o += marshal0(&m.Reply, b[o:])
	}
	{
		// Sequence

		helpers.UInt64Marshal(m.Sequence, b, &o)
	}
	{
		// Iterations

		helpers.UInt64Marshal(m.Iterations, b, &o)
	}
	{
		// ReplySize

		helpers.UInt64Marshal(m.ReplySize, b, &o)
	}
	{
		// Payload

		l := uint64(len(m.Payload))
		helpers.UInt64Marshal(l, b, &o)
		copy(b[o:o+l], m.Payload)
		o += l
	}

	return o
}

func unmarshal5(m *NetworkTestRequest, b []byte) uint64 {
	var o uint64
	{
		// Reply

		o += unmarshal0(&m.Reply, b[o:])
	}
	{
		// Sequence

		helpers.UInt64Unmarshal(&m.Sequence, b, &o)
	}
	{
		// Iterations

		helpers.UInt64Unmarshal(&m.Iterations, b, &o)
	}
	{
		// ReplySize

		helpers.UInt64Unmarshal(&m.ReplySize, b, &o)
	}
	{
		// Payload

		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > 0 {
			m.Payload = make([]byte, l)
			copy(m.Payload, b[o:o+l])
			o += l
		}
	}

	return o
}

func makePatch5(m, mSrc *NetworkTestRequest, b []byte) uint64 {
	var o uint64 = 1
	{
		// Reply

		if reflect.DeepEqual(m.Reply, mSrc.Reply) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			o += marshal0(&m.Reply, b[o:])
		}
	}
	{
		// Sequence

		if m.Sequence == mSrc.Sequence {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.Sequence, b, &o)
		}
	}
	{
		// Iterations

		if m.Iterations == mSrc.Iterations {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			helpers.UInt64Marshal(m.Iterations, b, &o)
		}
	}
	{
		// ReplySize

		if m.ReplySize == mSrc.ReplySize {
			b[0] &= 0xF7
		} else {
			b[0] |= 0x08
			helpers.UInt64Marshal(m.ReplySize, b, &o)
		}
	}
	{
		// Payload

		if reflect.DeepEqual(m.Payload, mSrc.Payload) {
			b[0] &= 0xEF
		} else {
			b[0] |= 0x10
			l := uint64(len(m.Payload))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Payload)
			o += l
		}
	}

	return o
}

func applyPatch5(m *NetworkTestRequest, b []byte) uint64 {
	var o uint64 = 1
	{
		// Reply

		if b[0]&0x01 != 0 {
			o += unmarshal0(&m.Reply, b[o:])
		}
	}
	{
		// Sequence

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.Sequence, b, &o)
		}
	}
	{
		// Iterations

		if b[0]&0x04 != 0 {
			helpers.UInt64Unmarshal(&m.Iterations, b, &o)
		}
	}
	{
		// ReplySize

		if b[0]&0x08 != 0 {
			helpers.UInt64Unmarshal(&m.ReplySize, b, &o)
		}
	}
	{
		// Payload

		if b[0]&0x10 != 0 {
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			m.Payload = nil
			if l > 0 {
				m.Payload = make([]byte, l)
				copy(m.Payload, b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func size6(m *NetworkTestResponse) uint64 {
	var n uint64 = 3
	{
		// Sequence

		helpers.UInt64Size(m.Sequence, &n)
	}
	{
		// Checksum

		helpers.UInt64Size(m.Checksum, &n)
	}
	{
		// Payload

		l := uint64(len(m.Payload))
		helpers.UInt64Size(l, &n)
		n += l
	}
	return n
}

func marshal6(m *NetworkTestResponse, b []byte) uint64 {
	var o uint64
	{
		// Sequence

		helpers.UInt64Marshal(m.Sequence, b, &o)
	}
	{
		// Checksum

		helpers.UInt64Marshal(m.Checksum, b, &o)
	}
	{
		// Payload

		l := uint64(len(m.Payload))
		helpers.UInt64Marshal(l, b, &o)
		copy(b[o:o+l], m.Payload)
		o += l
	}

	return o
}

func unmarshal6(m *NetworkTestResponse, b []byte) uint64 {
	var o uint64
	{
		// Sequence

		helpers.UInt64Unmarshal(&m.Sequence, b, &o)
	}
	{
		// Checksum

		helpers.UInt64Unmarshal(&m.Checksum, b, &o)
	}
	{
		// Payload

		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > 0 {
			m.Payload = make([]byte, l)
			copy(m.Payload, b[o:o+l])
			o += l
		}
	}

	return o
}

func makePatch6(m, mSrc *NetworkTestResponse, b []byte) uint64 {
	var o uint64 = 1
	{
		// Sequence

		if m.Sequence == mSrc.Sequence {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Sequence, b, &o)
		}
	}
	{
		// Checksum

		if m.Checksum == mSrc.Checksum {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.Checksum, b, &o)
		}
	}
	{
		// Payload

		if reflect.DeepEqual(m.Payload, mSrc.Payload) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			l := uint64(len(m.Payload))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Payload)
			o += l
		}
	}

	return o
}

func applyPatch6(m *NetworkTestResponse, b []byte) uint64 {
	var o uint64 = 1
	{
		// Sequence

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Sequence, b, &o)
		}
	}
	{
		// Checksum

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.Checksum, b, &o)
		}
	}
	{
		// Payload

		if b[0]&0x04 != 0 {
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			m.Payload = nil
			if l > 0 {
				m.Payload = make([]byte, l)
				copy(m.Payload, b[o:o+l])
				o += l
			}
		}
	}

	return o
}
