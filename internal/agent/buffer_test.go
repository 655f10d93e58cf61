package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStderrBufferRing(t *testing.T) {
	buf := NewStderrBuffer(3)

	for i := 0; i < 5; i++ {
		buf.Add(Line{Timestamp: time.Now(), Content: fmt.Sprintf("line %d", i)})
	}

	assert.Equal(t, 3, buf.Count())

	all := buf.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, "line 2", all[0].Content)
	assert.Equal(t, "line 4", all[2].Content)
}

func TestStderrBufferGetLast(t *testing.T) {
	buf := NewStderrBuffer(10)
	for i := 0; i < 4; i++ {
		buf.Add(Line{Content: fmt.Sprintf("line %d", i)})
	}

	last := buf.GetLast(2)
	require.Len(t, last, 2)
	assert.Equal(t, "line 2", last[0].Content)
	assert.Equal(t, "line 3", last[1].Content)

	assert.Len(t, buf.GetLast(100), 4)
}

func TestStderrBufferSubscribe(t *testing.T) {
	buf := NewStderrBuffer(10)
	sub := buf.Subscribe()

	buf.Add(Line{Content: "hello"})

	select {
	case line := <-sub:
		assert.Equal(t, "hello", line.Content)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive line")
	}

	buf.Unsubscribe(sub)
	buf.Add(Line{Content: "after"})

	// Channel is closed after unsubscribe.
	_, ok := <-sub
	assert.False(t, ok)
}

func TestStderrBufferUnsubscribeTwice(t *testing.T) {
	buf := NewStderrBuffer(10)
	sub := buf.Subscribe()
	buf.Unsubscribe(sub)
	buf.Unsubscribe(sub)
}

func TestStderrBufferSlowSubscriberDoesNotBlock(t *testing.T) {
	buf := NewStderrBuffer(10)
	sub := buf.Subscribe()
	defer buf.Unsubscribe(sub)

	// Overflow the subscriber channel; Add must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			buf.Add(Line{Content: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Add blocked on a slow subscriber")
	}
}

func TestStderrBufferClear(t *testing.T) {
	buf := NewStderrBuffer(5)
	buf.Add(Line{Content: "a"})
	buf.Add(Line{Content: "b"})

	buf.Clear()
	assert.Zero(t, buf.Count())
	assert.Empty(t, buf.GetAll())
}
