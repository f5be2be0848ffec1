package batch

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Chichichkin/eventpipe/internal/delivery"
)

const (
	// MaxBytesPerMessage is the largest encoded event accepted into a batch.
	MaxBytesPerMessage = 32_768
	// MaxBytes is the largest encoded batch the collector accepts.
	MaxBytes = 512_000
	// DefaultMaxSize is the default maximum number of events per batch.
	DefaultMaxSize = 100
)

// MessageBatch accumulates events until Full. It is not safe for concurrent use;
// only the worker goroutine touches it.
type MessageBatch struct {
	uuid        string
	maxSize     int
	messages    []delivery.Event
	encoded     []json.RawMessage
	sizeInBytes int
	log         *zap.SugaredLogger

	// OnOversized is called for every event dropped for exceeding MaxBytesPerMessage.
	OnOversized func(size int)
}

func New(maxSize int, log *zap.SugaredLogger) *MessageBatch {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	b := &MessageBatch{
		maxSize: maxSize,
		log:     log,
	}
	b.Clear()
	return b
}

// Append adds event to the batch. Events that cannot be encoded return an error
// wrapping delivery.ErrSerialization; oversized events are logged and dropped.
func (b *MessageBatch) Append(event delivery.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: %v", delivery.ErrSerialization, err)
	}

	if len(data) > MaxBytesPerMessage {
		b.log.Errorw("a message exceeded the maximum allowed size",
			"size", len(data), "max", MaxBytesPerMessage)
		if b.OnOversized != nil {
			b.OnOversized(len(data))
		}
		return nil
	}

	b.messages = append(b.messages, event)
	b.encoded = append(b.encoded, data)
	// one byte for the comma
	b.sizeInBytes += len(data) + 1
	return nil
}

// Full reports whether the batch should be sent. The byte bound leaves room for one
// more message of the maximum size.
func (b *MessageBatch) Full() bool {
	return b.itemCountExhausted() || b.sizeExhausted()
}

func (b *MessageBatch) Clear() {
	b.messages = nil
	b.encoded = nil
	b.sizeInBytes = 0
	b.uuid = uuid.NewString()
}

func (b *MessageBatch) UUID() string {
	return b.uuid
}

func (b *MessageBatch) Len() int {
	return len(b.messages)
}

func (b *MessageBatch) Empty() bool {
	return len(b.messages) == 0
}

func (b *MessageBatch) MaxSize() int {
	return b.maxSize
}

func (b *MessageBatch) SizeInBytes() int {
	return b.sizeInBytes
}

func (b *MessageBatch) Messages() []delivery.Event {
	return b.messages
}

type payload struct {
	UUID     string            `json:"uuid"`
	Messages []json.RawMessage `json:"messages"`
}

func (b *MessageBatch) MarshalJSON() ([]byte, error) {
	messages := b.encoded
	if messages == nil {
		messages = []json.RawMessage{}
	}
	return json.Marshal(payload{UUID: b.uuid, Messages: messages})
}

func (b *MessageBatch) itemCountExhausted() bool {
	return len(b.messages) >= b.maxSize
}

func (b *MessageBatch) sizeExhausted() bool {
	return b.sizeInBytes >= MaxBytes-MaxBytesPerMessage
}
