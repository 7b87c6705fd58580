package broadcast

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type view struct {
	name     string
	received []int
	next     *view
}

func TestPublishFiltersByKey(t *testing.T) {
	b := New[int]()

	var parentA, all []int

	b.SubscribeFunc("a", func(e int) { parentA = append(parentA, e) })
	b.SubscribeFunc(AllKeys, func(e int) { all = append(all, e) })

	b.Publish("a", 1)
	b.Publish("b", 2)
	b.Publish("a", 3)

	assert.Equal(t, []int{1, 3}, parentA)
	assert.Equal(t, []int{1, 2, 3}, all)
}

func TestSubscribePassesOwner(t *testing.T) {
	b := New[int]()
	v := &view{name: "list"}

	Subscribe(b, v, "a", func(o *view, e int) {
		o.received = append(o.received, e)
	})

	b.Publish("a", 7)
	b.Publish("a", 8)

	assert.Equal(t, []int{7, 8}, v.received)
	runtime.KeepAlive(v)
}

func TestUnsubscribe(t *testing.T) {
	b := New[int]()
	calls := 0

	h := b.SubscribeFunc(AllKeys, func(int) { calls++ })
	b.Publish("x", 1)
	b.Unsubscribe(h)
	b.Unsubscribe(h)
	b.Publish("x", 2)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Len())
}

func TestDeadOwnerIsPruned(t *testing.T) {
	b := New[int]()
	delivered := 0

	func() {
		v := &view{name: "short lived"}
		Subscribe(b, v, AllKeys, func(o *view, e int) { delivered++ })
	}()

	require.Equal(t, 1, b.Len())

	runtime.GC()
	runtime.GC()

	b.Publish("x", 1)

	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, b.Len())
}

func TestCallbackMayUnsubscribe(t *testing.T) {
	b := New[int]()
	calls := 0

	var h Handle
	h = b.SubscribeFunc(AllKeys, func(int) {
		calls++
		b.Unsubscribe(h)
	})

	b.Publish("x", 1)
	b.Publish("x", 2)

	assert.Equal(t, 1, calls)
}

func TestConcurrentPublish(t *testing.T) {
	b := New[int]()

	var (
		mu    sync.Mutex
		total int
	)

	b.SubscribeFunc(AllKeys, func(e int) {
		mu.Lock()
		total += e
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			b.Publish("k", 1)
		}()
	}

	wg.Wait()

	assert.Equal(t, 50, total)
}
