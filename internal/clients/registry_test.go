package clients

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solanagram/backend/internal/mocks"
)

func connectedFake(t *testing.T) *mocks.TelegramClient {
	t.Helper()
	c := &mocks.TelegramClient{}
	c.SetConnected(true)
	return c
}

func TestRegistryGetPut(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())

	_, ok := r.Get("+391110000001")
	assert.False(t, ok)

	fake := connectedFake(t)
	r.Put(&Handle{Client: fake, Phone: "+391110000001", UserID: 7, CreatedAt: time.Now(), Authorized: true})

	h, ok := r.Get("+391110000001")
	require.True(t, ok)
	assert.Equal(t, int64(7), h.UserID)
	assert.True(t, h.Authorized)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryTTL(t *testing.T) {
	r := NewRegistry(50*time.Millisecond, zerolog.Nop())
	fake := connectedFake(t)
	r.Put(&Handle{Client: fake, Phone: "+391110000002", CreatedAt: time.Now().Add(-time.Second)})

	_, ok := r.Get("+391110000002")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
	require.Eventually(t, func() bool { return fake.CloseCount() == 1 }, time.Second, 5*time.Millisecond)
}

// The lease is anchored to creation: constant traffic must not keep a
// handle alive past its TTL.
func TestRegistryLifetimeAnchoredToCreation(t *testing.T) {
	r := NewRegistry(80*time.Millisecond, zerolog.Nop())
	fake := connectedFake(t)
	r.Put(&Handle{Client: fake, Phone: "+391110000013", CreatedAt: time.Now()})

	time.Sleep(40 * time.Millisecond)
	_, ok := r.Get("+391110000013")
	require.True(t, ok, "handle should still be live halfway through the ttl")

	// Keep hitting it; expiry must still land at created_at + ttl.
	require.Eventually(t, func() bool {
		_, ok := r.Get("+391110000013")
		return !ok
	}, time.Second, 20*time.Millisecond, "repeated hits kept the handle past its lifetime")
	assert.Equal(t, 0, r.Len())
	require.Eventually(t, func() bool { return fake.CloseCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegistryDisconnectedHandleIsAMiss(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())
	fake := connectedFake(t)
	r.Put(&Handle{Client: fake, Phone: "+391110000003", CreatedAt: time.Now()})

	fake.SetConnected(false)

	_, ok := r.Get("+391110000003")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryEvict(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())
	fake := connectedFake(t)
	r.Put(&Handle{Client: fake, Phone: "+391110000004", CreatedAt: time.Now()})

	assert.True(t, r.Evict("+391110000004"))
	assert.False(t, r.Evict("+391110000004"))
	require.Eventually(t, func() bool { return fake.CloseCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegistryPutReplacesPrevious(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())
	old := connectedFake(t)
	r.Put(&Handle{Client: old, Phone: "+391110000005", CreatedAt: time.Now()})

	fresh := connectedFake(t)
	r.Put(&Handle{Client: fresh, Phone: "+391110000005", CreatedAt: time.Now()})

	h, ok := r.Get("+391110000005")
	require.True(t, ok)
	assert.Same(t, Client(fresh), h.Client)
	require.Eventually(t, func() bool { return old.CloseCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegistrySweep(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())

	alive := connectedFake(t)
	expired := connectedFake(t)
	dropped := connectedFake(t)

	r.Put(&Handle{Client: alive, Phone: "+391110000006", CreatedAt: time.Now()})
	r.Put(&Handle{Client: expired, Phone: "+391110000007", CreatedAt: time.Now().Add(-2 * time.Minute)})
	r.Put(&Handle{Client: dropped, Phone: "+391110000008", CreatedAt: time.Now()})
	dropped.SetConnected(false)

	assert.Equal(t, 2, r.Sweep())
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 0, r.Sweep())

	_, ok := r.Get("+391110000006")
	assert.True(t, ok)
}

func TestRegistryShutdownClosesEverything(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())
	a := connectedFake(t)
	b := connectedFake(t)
	r.Put(&Handle{Client: a, Phone: "+391110000009", CreatedAt: time.Now()})
	r.Put(&Handle{Client: b, Phone: "+391110000010", CreatedAt: time.Now()})

	r.Shutdown()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, a.CloseCount())
	assert.Equal(t, 1, b.CloseCount())
}

func TestLockPhoneSerializes(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())

	unlock := r.LockPhone("+391110000011")

	acquired := make(chan struct{})
	go func() {
		u := r.LockPhone("+391110000011")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}

	// A different phone is independent.
	other := r.LockPhone("+391110000012")
	other()
}
