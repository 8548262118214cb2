package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishDispatches(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	var got []Message
	b.Subscribe(func(m Message) { got = append(got, m) })

	msg := Message{ServerID: "s1", Room: "collection:todos", Event: "created", Data: map[string]interface{}{"id": "1"}}
	require.NoError(t, b.Publish(context.Background(), msg))

	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ServerID)
	assert.Equal(t, "created", got[0].Event)
}

func TestMemoryMultipleSubscribers(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	count := 0
	b.Subscribe(func(Message) { count++ })
	b.Subscribe(func(Message) { count++ })

	require.NoError(t, b.Publish(context.Background(), Message{Event: "x"}))
	assert.Equal(t, 2, count)
}

func TestMemoryClosedDropsPublish(t *testing.T) {
	b := NewMemory()
	called := false
	b.Subscribe(func(Message) { called = true })
	require.NoError(t, b.Close())
	require.NoError(t, b.Publish(context.Background(), Message{Event: "x"}))
	assert.False(t, called)
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{ServerID: "s1", Room: "r", Event: "created", Data: map[string]interface{}{"n": float64(1)}}
	payload, err := msg.Encode()
	require.NoError(t, err)
	got, err := DecodeMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	})

	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Equal(t, 4*time.Second, p.NextDelay(3))
	assert.Equal(t, 8*time.Second, p.NextDelay(4))
	// Capped.
	assert.Equal(t, 10*time.Second, p.NextDelay(5))
	assert.Equal(t, 10*time.Second, p.NextDelay(20))
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{})
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, time.Minute, p.NextDelay(30))
}
