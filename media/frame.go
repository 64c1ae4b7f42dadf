// Package media defines the frame and role types that flow through the
// stereocast transport, from the encoder-side producer to the decoder-side
// consumer.
package media

import "time"

// Queue and buffer sizes shared by the sender and receiver. Video access
// units are large and the viewer favours latency over depth, so the default
// queue holds only two frames per eye.
const (
	DefaultQueueCapacity = 2

	// MaxFrameSize bounds a single length-prefixed frame. Anything larger is
	// treated as a corrupt header rather than allocated.
	MaxFrameSize = 4 << 20

	// RawReadBufferSize is the scratch buffer used by raw (unframed) readers,
	// where each socket read is taken to be one access unit.
	RawReadBufferSize = 40_960
)

// Well-known ports. Single-port mode accepts both eyes on DefaultPort;
// two-port mode binds one listener per eye.
const (
	DefaultPort      = 18353
	DefaultLeftPort  = 18353
	DefaultRightPort = 18354
)

// Role identifies one logical side of the stereo pair.
type Role int

// Stereo roles. The zero value is RoleLeft so a freshly paired first
// connection needs no explicit assignment.
const (
	RoleLeft Role = iota
	RoleRight
)

// Roles lists both roles in rendezvous order.
var Roles = [2]Role{RoleLeft, RoleRight}

func (r Role) String() string {
	switch r {
	case RoleLeft:
		return "left"
	case RoleRight:
		return "right"
	}
	return "unknown"
}

// Frame is one compressed video access unit. Payload is opaque to the
// transport. Seq is the presentation order: assigned by the producer on the
// sender and by the socket reader (arrival order) on the receiver.
//
// A Frame is owned by exactly one stage at a time; once enqueued the
// producer must not touch Payload again.
type Frame struct {
	Seq      uint64
	Payload  []byte
	Captured time.Time
}

// Len returns the payload size in bytes.
func (f Frame) Len() int { return len(f.Payload) }
