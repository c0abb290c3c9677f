package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_OrderAndUnsubscribe(t *testing.T) {
	var b Bus[int]
	var got []string

	unsubA := b.Subscribe(func(v int) { got = append(got, "a") })
	b.Subscribe(func(v int) { got = append(got, "b") })

	b.Publish(1)
	unsubA()
	unsubA() // second call is a no-op
	b.Publish(2)

	assert.Equal(t, []string{"a", "b", "b"}, got)
	assert.Equal(t, 1, b.Len())
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	var b Bus[string]
	calls := 0
	var unsub func()
	unsub = b.Subscribe(func(string) {
		calls++
		unsub()
	})
	b.Publish("x")
	b.Publish("y")
	assert.Equal(t, 1, calls)
}
