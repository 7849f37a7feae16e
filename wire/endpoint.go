package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Token is the well-known endpoint token defined by the protocol.
type Token uint64

// Well-known tokens.
const (
	EndpointNotFound Token = iota
	PingPacket
	UnauthorizedEndpoint
	ReservedForTesting

	tokenCount
)

var tokenNames = [...]string{
	EndpointNotFound:     "EndpointNotFound",
	PingPacket:           "PingPacket",
	UnauthorizedEndpoint: "UnauthorizedEndpoint",
	ReservedForTesting:   "ReservedForTesting",
}

// Valid reports whether token belongs to the set of well-known tokens.
func (t Token) Valid() bool {
	return t < tokenCount
}

func (t Token) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Token(%d)", uint64(t))
	}
	return tokenNames[t]
}

// Kind is the flavour of the endpoint ID.
type Kind int

// Endpoint kinds.
const (
	KindInvalid Kind = iota
	KindWellKnown
	KindEphemeral
)

func (k Kind) String() string {
	switch k {
	case KindWellKnown:
		return "well-known"
	case KindEphemeral:
		return "ephemeral"
	default:
		return "invalid"
	}
}

// wellKnownFirst marks well-known IDs. Version 4 UUIDs always carry 0100 in bits 12-15
// of the first half, so ephemeral IDs never have all the bits set.
const wellKnownFirst = math.MaxUint64

// WellKnown returns the endpoint ID of the well-known token.
func WellKnown(token Token) EndpointID {
	return EndpointID{
		First:  wellKnownFirst,
		Second: uint64(token),
	}
}

// NewEphemeral generates random endpoint ID used for a single request/response exchange.
func NewEphemeral() (EndpointID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return EndpointID{}, errors.WithStack(err)
	}
	return EndpointID{
		First:  binary.BigEndian.Uint64(u[:8]),
		Second: binary.BigEndian.Uint64(u[8:]),
	}, nil
}

// IsZero reports whether ID is the zero value.
func (id EndpointID) IsZero() bool {
	return id == EndpointID{}
}

// Kind returns the flavour of the ID.
func (id EndpointID) Kind() Kind {
	switch {
	case id.First == wellKnownFirst:
		if !Token(id.Second).Valid() {
			return KindInvalid
		}
		return KindWellKnown
	case id.IsZero():
		return KindInvalid
	default:
		return KindEphemeral
	}
}

// IsWellKnown reports whether ID is a well-known one.
func (id EndpointID) IsWellKnown() bool {
	return id.Kind() == KindWellKnown
}

// Token returns the well-known token of the ID.
func (id EndpointID) Token() (Token, bool) {
	if !id.IsWellKnown() {
		return 0, false
	}
	return Token(id.Second), true
}

func (id EndpointID) String() string {
	if token, ok := id.Token(); ok {
		return token.String()
	}
	return fmt.Sprintf("%016x%016x", id.First, id.Second)
}
