package serial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func waitDone(t *testing.T, q *Queue) {
	t.Helper()
	select {
	case <-q.Done():
	case <-time.After(waitTimeout):
		t.Fatal("queue did not stop")
	}
}

func TestQueue_RunsInOrder(t *testing.T) {
	q := New()
	var got []int
	for i := 0; i < 100; i++ {
		require.True(t, q.Post(func() { got = append(got, i) }))
	}
	q.Close()
	go q.Run()
	waitDone(t, q)

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueue_PostDuringCallback(t *testing.T) {
	q := New()
	go q.Run()

	ran := make(chan string, 2)
	q.Post(func() {
		ran <- "outer"
		q.Post(func() { ran <- "inner" })
	})
	assert.Equal(t, "outer", <-ran)
	select {
	case s := <-ran:
		assert.Equal(t, "inner", s)
	case <-time.After(waitTimeout):
		t.Fatal("nested callback never ran")
	}
	q.Close()
	waitDone(t, q)
}

func TestQueue_CloseRejectsPost(t *testing.T) {
	q := New()
	q.Close()
	assert.False(t, q.Post(func() {}))
	go q.Run()
	waitDone(t, q)
}

func TestQueue_DiscardDropsPending(t *testing.T) {
	q := New()
	release := make(chan struct{})
	started := make(chan struct{})
	q.Post(func() {
		close(started)
		<-release
	})
	dropped := false
	q.Post(func() { dropped = true })
	go q.Run()

	<-started
	q.Discard()
	close(release)
	waitDone(t, q)
	assert.False(t, dropped)
}

func TestQueue_DiscardFromCallback(t *testing.T) {
	q := New()
	after := false
	q.Post(q.Discard)
	q.Post(func() { after = true })
	go q.Run()
	waitDone(t, q)
	assert.False(t, after)
}
