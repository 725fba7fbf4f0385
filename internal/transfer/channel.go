// Package transfer moves buffer ownership between the producer and consumer
// goroutines. Envelopes carry the buffer handle itself; nothing is copied
// and no memory is shared mutably across the two contexts. Both directions
// are buffered FIFO Go channels, so batches arrive in send order and no
// consumer-side reordering stage exists.
package transfer

import "github.com/ambiware-labs/pitchpipe/internal/protocol"

// Channel is one bidirectional producer/consumer link.
type Channel struct {
	data chan protocol.Envelope
	ctrl chan protocol.Envelope
}

// New sizes the data direction to dataCapacity plus headroom for ready and
// error announcements. Callers pass the pool size: with every buffer in
// flight at once the channel still has room, so a full data channel signals
// a logic error rather than backpressure.
func New(dataCapacity int) *Channel {
	return &Channel{
		data: make(chan protocol.Envelope, dataCapacity+8),
		ctrl: make(chan protocol.Envelope, dataCapacity+16),
	}
}

// SendData offers an envelope to the consumer without ever blocking the
// producer. A false return means the envelope was not handed over; the
// caller leaves the buffer in flight for the supervisor to reclaim.
func (c *Channel) SendData(env protocol.Envelope) bool {
	select {
	case c.data <- env:
		return true
	default:
		return false
	}
}

// SendControl offers an envelope to the producer side, non-blocking for the
// same reason buffer returns must not stall the consumer.
func (c *Channel) SendControl(env protocol.Envelope) bool {
	select {
	case c.ctrl <- env:
		return true
	default:
		return false
	}
}

func (c *Channel) Data() <-chan protocol.Envelope    { return c.data }
func (c *Channel) Control() <-chan protocol.Envelope { return c.ctrl }
