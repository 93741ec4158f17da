package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()

	s := domain.NewSession("s1", 4)
	req.NoError(r.Add(s))
	req.ErrorIs(r.Add(domain.NewSession("s1", 4)), domain.ErrSessionExists)

	got, ok := r.Get("s1")
	req.True(ok)
	req.Same(s, got)

	removed, ok := r.Remove("s1")
	req.True(ok)
	req.Same(s, removed)

	_, ok = r.Get("s1")
	req.False(ok)
	_, ok = r.Remove("s1")
	req.False(ok)
}

func TestRegistry_ConcurrentAdd(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Add(domain.NewSession(fmt.Sprintf("s%d", i%50), 1))
		}(i)
	}
	wg.Wait()

	req.Equal(50, r.Count())
	req.Len(r.IDs(), 50)
}
