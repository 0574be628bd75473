package service

import (
	"context"
	"time"

	"github.com/spacepanda/core/keypackage"
)

// InboundFrame is one frame delivered by the transport, tagged with the
// peer it arrived from.
type InboundFrame struct {
	Peer  string
	Bytes []byte
}

// Transport is the delivery collaborator. It is lossy, unordered and may
// duplicate frames; the core tolerates all three. Implementations live
// outside this module (DHT, relay, test doubles).
type Transport interface {
	// Send delivers bytes to one peer.
	Send(ctx context.Context, peer string, data []byte) error

	// Broadcast delivers bytes to every connected peer.
	Broadcast(ctx context.Context, data []byte) error

	// Incoming returns the stream of inbound frames. The channel closes
	// when the transport shuts down.
	Incoming() <-chan InboundFrame
}

// KeyPackageDirectory publishes and fetches key packages for remote
// credentials. Directory placement (DHT, server) is a collaborator
// concern.
type KeyPackageDirectory interface {
	Publish(ctx context.Context, kp *keypackage.KeyPackage) error
	Fetch(ctx context.Context, credentialIdentity []byte) (*keypackage.KeyPackage, error)
}

// WallClock provides the coarse wall-clock used for stored activity
// fields. Day-level resolution is deliberate: persisted rows never carry
// finer-grained activity timing.
type WallClock interface {
	// Today returns the current time truncated to a day boundary.
	Today() time.Time
}

// SystemWallClock implements WallClock on the system clock.
type SystemWallClock struct{}

// Today returns the current UTC day.
func (SystemWallClock) Today() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}
