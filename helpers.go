package flowrpc

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/outofforest/flowrpc/wire"
)

func peerID() (wire.PeerID, error) {
	var id wire.PeerID
	_, err := rand.Read(id[:])
	if err != nil {
		return wire.PeerID{}, errors.WithStack(err)
	}
	return id, nil
}

func shortPeerID(id wire.PeerID) string {
	return hex.EncodeToString(id[:4])
}
