package protocol

import (
	"sync/atomic"
	"time"

	"github.com/ambiware-labs/pitchpipe/internal/pool"
)

// Kind discriminates envelope payloads.
type Kind int

const (
	KindProcessorReady Kind = iota + 1
	KindAudioDataBatch
	KindProcessingError
	KindStartProcessing
	KindStopProcessing
	KindUpdateBatchConfig
	KindReturnBuffer
)

func (k Kind) String() string {
	switch k {
	case KindProcessorReady:
		return "processor_ready"
	case KindAudioDataBatch:
		return "audio_data_batch"
	case KindProcessingError:
		return "processing_error"
	case KindStartProcessing:
		return "start_processing"
	case KindStopProcessing:
		return "stop_processing"
	case KindUpdateBatchConfig:
		return "update_batch_config"
	case KindReturnBuffer:
		return "return_buffer"
	default:
		return "unknown"
	}
}

// ProcessorReady announces the producer's fixed geometry once it starts.
type ProcessorReady struct {
	Capacity   int
	SampleRate int
}

// AudioDataBatch moves ownership of a filled buffer to the consumer.
// The handle travels inside the envelope; nothing is copied.
type AudioDataBatch struct {
	BufferID    pool.BufferID
	Buffer      *pool.Buffer
	SampleCount int
	Sequence    uint64
	Timestamp   time.Time
}

// Error codes carried by ProcessingError.
const (
	CodePoolExhausted   = "pool_exhausted"
	CodeTransferStalled = "transfer_stalled"
	CodeAnalyzerFailure = "analyzer_failure"
)

type ProcessingError struct {
	Code      string
	Message   string
	Context   string
	Timestamp time.Time
}

type BatchConfig struct {
	NewBatchSize int
}

// ReturnBuffer hands ownership of a processed buffer back to the producer
// side so the pool can recycle it.
type ReturnBuffer struct {
	BufferID pool.BufferID
	Buffer   *pool.Buffer
}

// Envelope wraps every cross-context message with a per-sender monotonic id
// and a timestamp. Exactly one payload pointer is set, selected by Kind.
type Envelope struct {
	MessageID uint32
	Timestamp time.Time
	Kind      Kind

	Ready  *ProcessorReady
	Batch  *AudioDataBatch
	Err    *ProcessingError
	Config *BatchConfig
	Return *ReturnBuffer
}

// Sequencer issues monotonic message ids for one sender. Ids start at 1 so
// zero always means "missing".
type Sequencer struct {
	n atomic.Uint32
}

func (s *Sequencer) Next() uint32 {
	return s.n.Add(1)
}

func NewReady(seq *Sequencer, capacity, rate int, now time.Time) Envelope {
	return Envelope{
		MessageID: seq.Next(),
		Timestamp: now,
		Kind:      KindProcessorReady,
		Ready:     &ProcessorReady{Capacity: capacity, SampleRate: rate},
	}
}

func NewBatch(seq *Sequencer, buf *pool.Buffer, sequence uint64, now time.Time) Envelope {
	return Envelope{
		MessageID: seq.Next(),
		Timestamp: now,
		Kind:      KindAudioDataBatch,
		Batch: &AudioDataBatch{
			BufferID:    buf.ID(),
			Buffer:      buf,
			SampleCount: buf.Len(),
			Sequence:    sequence,
			Timestamp:   now,
		},
	}
}

func NewError(seq *Sequencer, code, message, context string, now time.Time) Envelope {
	return Envelope{
		MessageID: seq.Next(),
		Timestamp: now,
		Kind:      KindProcessingError,
		Err:       &ProcessingError{Code: code, Message: message, Context: context, Timestamp: now},
	}
}

func NewControl(seq *Sequencer, kind Kind, now time.Time) Envelope {
	return Envelope{MessageID: seq.Next(), Timestamp: now, Kind: kind}
}

func NewBatchConfig(seq *Sequencer, newSize int, now time.Time) Envelope {
	return Envelope{
		MessageID: seq.Next(),
		Timestamp: now,
		Kind:      KindUpdateBatchConfig,
		Config:    &BatchConfig{NewBatchSize: newSize},
	}
}

func NewReturn(seq *Sequencer, id pool.BufferID, buf *pool.Buffer, now time.Time) Envelope {
	return Envelope{
		MessageID: seq.Next(),
		Timestamp: now,
		Kind:      KindReturnBuffer,
		Return:    &ReturnBuffer{BufferID: id, Buffer: buf},
	}
}

// NATS subjects for the outward surfaces. The pipeline's own transfer path
// is in-process; these cover results, status, and external control.
const (
	SubjectResultPrefix  = "analysis.result"
	SubjectStatus        = "pipeline.status"
	SubjectCtrlStart     = "ctrl.pipeline.start"
	SubjectCtrlStop      = "ctrl.pipeline.stop"
	SubjectCtrlBatchSize = "ctrl.pipeline.batchsize"
)
