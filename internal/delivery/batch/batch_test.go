package batch

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/eventpipe/internal/delivery"
)

func TestMessageBatch_UUID(t *testing.T) {
	b := New(DefaultMaxSize, nil)
	assert.NotEmpty(t, b.UUID())
	assert.Equal(t, DefaultMaxSize, b.MaxSize())
	assert.Equal(t, DefaultMaxSize, New(0, nil).MaxSize())
}

func TestMessageBatch_Clear(t *testing.T) {
	b := New(DefaultMaxSize, nil)
	original := b.UUID()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Append(delivery.Event{"foo": "bar"}))
	}
	assert.False(t, b.Empty())
	assert.Greater(t, b.SizeInBytes(), 0)

	b.Clear()
	assert.NotEqual(t, original, b.UUID())
	assert.True(t, b.Empty())
	assert.Equal(t, 0, b.SizeInBytes())
}

func TestMessageBatch_MarshalJSON(t *testing.T) {
	b := New(DefaultMaxSize, nil)
	require.NoError(t, b.Append(delivery.Event{"n": 1}))

	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"uuid":"`+b.UUID()+`","messages":[{"n":1}]}`, string(data))

	before := b.UUID()
	b.Clear()
	assert.NotEqual(t, before, b.UUID())

	data, err = json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"uuid":"`+b.UUID()+`","messages":[]}`, string(data))
}

func TestMessageBatch_MessagesKeepOrder(t *testing.T) {
	b := New(DefaultMaxSize, nil)
	for n := 0; n < 3; n++ {
		require.NoError(t, b.Append(delivery.Event{"number": n}))
	}

	assert.Equal(t, []delivery.Event{{"number": 0}, {"number": 1}, {"number": 2}}, b.Messages())
}

func TestMessageBatch_AppendTracksSize(t *testing.T) {
	b := New(DefaultMaxSize, nil)
	require.NoError(t, b.Append(delivery.Event{"foo": "bar"}))

	assert.Equal(t, 1, b.Len())
	assert.Equal(t, len(`{"foo":"bar"}`)+1, b.SizeInBytes())
}

func TestMessageBatch_RejectsTooLargeMessages(t *testing.T) {
	b := New(DefaultMaxSize, nil)
	var dropped int
	b.OnOversized = func(size int) { dropped = size }

	err := b.Append(delivery.Event{"a": strings.Repeat("b", MaxBytesPerMessage)})

	assert.NoError(t, err)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.SizeInBytes())
	assert.Greater(t, dropped, MaxBytesPerMessage)
}

func TestMessageBatch_SerializationError(t *testing.T) {
	b := New(DefaultMaxSize, nil)

	err := b.Append(delivery.Event{"bad": math.Inf(1)})
	assert.ErrorIs(t, err, delivery.ErrSerialization)

	err = b.Append(delivery.Event{"bad": make(chan int)})
	assert.ErrorIs(t, err, delivery.ErrSerialization)

	assert.Equal(t, 0, b.Len())
}

func TestMessageBatch_FullWhenMaxSizeReached(t *testing.T) {
	b := New(100, nil)
	for i := 0; i < 99; i++ {
		require.NoError(t, b.Append(delivery.Event{"a": "b"}))
	}
	assert.False(t, b.Full())

	require.NoError(t, b.Append(delivery.Event{"a": "b"}))
	assert.True(t, b.Full())
}

func TestMessageBatch_FullWhenMaxBytesReached(t *testing.T) {
	b := New(100, nil)
	message := delivery.Event{"a": strings.Repeat("b", MaxBytesPerMessage-10)}
	data, err := json.Marshal(message)
	require.NoError(t, err)

	assert.Less(t, len(data), MaxBytesPerMessage)
	assert.Greater(t, 50*len(data), MaxBytes)

	assert.False(t, b.Full())
	for i := 0; i < 14; i++ {
		require.NoError(t, b.Append(message))
	}
	assert.False(t, b.Full())

	require.NoError(t, b.Append(message))
	assert.True(t, b.Full())
	assert.GreaterOrEqual(t, b.SizeInBytes(), MaxBytes-MaxBytesPerMessage)
}
