package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/ambiware-labs/pitchpipe/internal/analyze"
	"github.com/ambiware-labs/pitchpipe/internal/protocol"
)

// ResultSink returns a coordinator sink that publishes every analysis result
// on its analyzer's subject. Marshal or publish failures are logged and the
// result is dropped; the pipeline never stalls on the bus.
func (c *Client) ResultSink() func(analyze.Result) {
	return func(res analyze.Result) {
		data, err := json.Marshal(res)
		if err != nil {
			c.log.Warn("failed to marshal analysis result", slog.String("error", err.Error()))
			return
		}
		subject := protocol.SubjectResultPrefix + "." + res.Analyzer
		if err := c.conn.Publish(subject, data); err != nil {
			c.log.Warn("failed to publish analysis result",
				slog.String("subject", subject),
				slog.String("error", err.Error()))
		}
	}
}

// PublishStatus broadcasts a status snapshot on the status subject.
func (c *Client) PublishStatus(status any) {
	data, err := json.Marshal(status)
	if err != nil {
		c.log.Warn("failed to marshal status", slog.String("error", err.Error()))
		return
	}
	if err := c.conn.Publish(protocol.SubjectStatus, data); err != nil {
		c.log.Warn("failed to publish status", slog.String("error", err.Error()))
	}
}
