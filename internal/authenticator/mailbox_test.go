package authenticator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_FIFO(t *testing.T) {
	mb := newMailbox()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, mb.post(func() { got = append(got, i) }))
	}
	mb.shutdown()

	for {
		fn, ok := mb.next()
		if !ok {
			break
		}
		fn()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestMailbox_RejectsAfterShutdown(t *testing.T) {
	mb := newMailbox()
	mb.shutdown()

	assert.False(t, mb.post(func() {}))
	_, ok := mb.next()
	assert.False(t, ok)
}

func TestMailbox_NextBlocksUntilPost(t *testing.T) {
	mb := newMailbox()

	got := make(chan bool, 1)
	go func() {
		fn, ok := mb.next()
		if ok {
			fn()
		}
		got <- ok
	}()

	select {
	case <-got:
		t.Fatal("next returned on an empty mailbox")
	case <-time.After(20 * time.Millisecond):
	}

	ran := make(chan struct{})
	mb.post(func() { close(ran) })

	select {
	case ok := <-got:
		assert.True(t, ok)
		<-ran
	case <-time.After(2 * time.Second):
		t.Fatal("next did not wake up")
	}
}

func TestMailbox_ConcurrentPosts(t *testing.T) {
	mb := newMailbox()

	const producers, perProducer = 8, 100
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				mb.post(func() {})
			}
		}()
	}

	count := 0
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for {
			fn, ok := mb.next()
			if !ok {
				return
			}
			fn()
			count++
		}
	}()

	wg.Wait()
	mb.post(mb.shutdown)
	<-consumed
	assert.Equal(t, producers*perProducer+1, count)
}
