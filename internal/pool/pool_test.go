package pool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type buffer struct {
	data []byte
}

func TestPool_GetCreatesWhenEmpty(t *testing.T) {
	var created atomic.Int32
	p := New(func() *buffer {
		created.Add(1)
		return &buffer{}
	})

	b := p.Get()
	require.NotNil(t, b)
	assert.Equal(t, int32(1), created.Load())
}

func TestPool_PutThenGetReturnsSameObject(t *testing.T) {
	p := New(func() *buffer { return &buffer{} })

	b := p.Get()
	p.Put(b)

	assert.Same(t, b, p.Get())
	assert.Equal(t, 0, p.Idle())
}

func TestPool_LastInFirstOut(t *testing.T) {
	p := New(func() *buffer { return &buffer{} })

	first := p.Get()
	second := p.Get()
	p.Put(first)
	p.Put(second)

	assert.Same(t, second, p.Get())
	assert.Same(t, first, p.Get())
}

func TestPool_ResetRunsOnPut(t *testing.T) {
	p := New(
		func() *buffer { return &buffer{} },
		WithReset(func(b *buffer) bool {
			b.data = b.data[:0]
			return true
		}),
	)

	b := p.Get()
	b.data = append(b.data, "payload"...)
	p.Put(b)

	got := p.Get()
	assert.Same(t, b, got)
	assert.Empty(t, got.data)
}

func TestPool_ResetCanDiscard(t *testing.T) {
	p := New(
		func() *buffer { return &buffer{} },
		WithReset(func(b *buffer) bool { return len(b.data) < 4 }),
	)

	p.Put(&buffer{data: make([]byte, 8)})
	assert.Equal(t, 0, p.Idle())

	p.Put(&buffer{})
	assert.Equal(t, 1, p.Idle())
}

func TestPool_MaxRetained(t *testing.T) {
	p := New(func() *buffer { return &buffer{} }, WithMaxRetained[*buffer](2))

	p.Put(&buffer{})
	p.Put(&buffer{})
	p.Put(&buffer{})

	assert.Equal(t, 2, p.Idle())
}

func TestPool_ConcurrentUse(t *testing.T) {
	p := New(func() *buffer { return &buffer{} })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b := p.Get()
				p.Put(b)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, p.Idle(), 50)
}
