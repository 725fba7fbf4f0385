package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/ambiware-labs/pitchpipe/internal/protocol"
)

// ControlSurface is what the bus drives on behalf of external callers.
// The runtime implements it by queueing control envelopes to the producer.
type ControlSurface interface {
	StartPipeline()
	StopPipeline()
	UpdateBatchSize(size int)
}

type batchSizeRequest struct {
	NewBatchSize int `json:"new_batch_size"`
}

// SubscribeControl bridges the external ctrl subjects onto the control
// surface. Malformed requests are logged and dropped.
func (c *Client) SubscribeControl(surface ControlSurface) ([]*nats.Subscription, error) {
	var subs []*nats.Subscription

	startSub, err := c.conn.Subscribe(protocol.SubjectCtrlStart, func(_ *nats.Msg) {
		surface.StartPipeline()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectCtrlStart, err)
	}
	subs = append(subs, startSub)

	stopSub, err := c.conn.Subscribe(protocol.SubjectCtrlStop, func(_ *nats.Msg) {
		surface.StopPipeline()
	})
	if err != nil {
		drainAll(subs)
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectCtrlStop, err)
	}
	subs = append(subs, stopSub)

	sizeSub, err := c.conn.Subscribe(protocol.SubjectCtrlBatchSize, func(msg *nats.Msg) {
		var req batchSizeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.log.Warn("invalid batch size request", slog.String("error", err.Error()))
			return
		}
		if req.NewBatchSize <= 0 {
			c.log.Warn("invalid batch size request", slog.Int("new_batch_size", req.NewBatchSize))
			return
		}
		surface.UpdateBatchSize(req.NewBatchSize)
	})
	if err != nil {
		drainAll(subs)
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectCtrlBatchSize, err)
	}
	subs = append(subs, sizeSub)

	return subs, nil
}

func drainAll(subs []*nats.Subscription) {
	for _, sub := range subs {
		_ = sub.Drain()
	}
}
