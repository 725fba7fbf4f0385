package protocol

import "fmt"

// ValidationError describes why an envelope was rejected. Invalid envelopes
// are counted and dropped by the receiver; they never propagate as a crash
// to either execution context.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks an envelope against the protocol rules: a known kind, a
// message id, a timestamp, the payload matching the kind, a non-zero sample
// count on data batches, and a buffer id on every buffer-carrying message.
func Validate(env Envelope) error {
	if env.MessageID == 0 {
		return invalid("message_id", "missing")
	}
	if env.Timestamp.IsZero() {
		return invalid("timestamp", "missing")
	}

	switch env.Kind {
	case KindProcessorReady:
		if env.Ready == nil {
			return invalid("ready", "missing payload")
		}
		if env.Ready.Capacity <= 0 {
			return invalid("ready.capacity", "must be positive")
		}
		if env.Ready.SampleRate <= 0 {
			return invalid("ready.sample_rate", "must be positive")
		}
	case KindAudioDataBatch:
		if env.Batch == nil {
			return invalid("batch", "missing payload")
		}
		if env.Batch.BufferID == 0 {
			return invalid("batch.buffer_id", "missing")
		}
		if env.Batch.Buffer == nil {
			return invalid("batch.buffer", "missing")
		}
		if env.Batch.SampleCount == 0 {
			return invalid("batch.sample_count", "must not be zero")
		}
		if env.Batch.Buffer.ID() != env.Batch.BufferID {
			return invalid("batch.buffer_id", "does not match handle identity")
		}
		if env.Batch.SampleCount > env.Batch.Buffer.Cap() {
			return invalid("batch.sample_count", "exceeds buffer capacity")
		}
	case KindProcessingError:
		if env.Err == nil {
			return invalid("error", "missing payload")
		}
		if env.Err.Code == "" {
			return invalid("error.code", "missing")
		}
	case KindStartProcessing, KindStopProcessing:
		// no payload
	case KindUpdateBatchConfig:
		if env.Config == nil {
			return invalid("config", "missing payload")
		}
		if env.Config.NewBatchSize <= 0 {
			return invalid("config.new_batch_size", "must be positive")
		}
	case KindReturnBuffer:
		if env.Return == nil {
			return invalid("return", "missing payload")
		}
		if env.Return.BufferID == 0 {
			return invalid("return.buffer_id", "missing")
		}
		if env.Return.Buffer == nil {
			return invalid("return.buffer", "missing")
		}
		if env.Return.Buffer.ID() != env.Return.BufferID {
			return invalid("return.buffer_id", "does not match handle identity")
		}
	default:
		return invalid("kind", "unknown")
	}
	return nil
}
