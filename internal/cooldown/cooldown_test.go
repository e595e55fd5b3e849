package cooldown

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndArmIsAtomic(t *testing.T) {
	const window = 40 * time.Millisecond
	tr := New(NewMemory(), window, window)
	ctx := context.Background()

	assert.False(t, tr.IsOnCooldown(ctx, Control, StartKey("M01")))
	assert.True(t, tr.IsOnCooldown(ctx, Control, StartKey("M01")))

	time.Sleep(window + 10*time.Millisecond)
	assert.False(t, tr.IsOnCooldown(ctx, Control, StartKey("M01")))
}

func TestConcurrentChecksAdmitExactlyOne(t *testing.T) {
	tr := New(NewMemory(), time.Minute, time.Minute)
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !tr.IsOnCooldown(context.Background(), Control, ResetKey("M01")) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, admitted.Load())
}

func TestKeysAndClassesAreIndependent(t *testing.T) {
	tr := New(NewMemory(), time.Minute, time.Minute)
	ctx := context.Background()

	assert.False(t, tr.IsOnCooldown(ctx, Control, StartKey("M01")))
	assert.False(t, tr.IsOnCooldown(ctx, Control, StartKey("M02")))
	assert.False(t, tr.IsOnCooldown(ctx, Control, StopKey("M01")))
	assert.False(t, tr.IsOnCooldown(ctx, Control, ModeKey("M01", "edit")))
	assert.False(t, tr.IsOnCooldown(ctx, Control, ModeKey("M01", "AUTO")))
	assert.True(t, tr.IsOnCooldown(ctx, Control, ModeKey("M01", "EDIT")))

	assert.False(t, tr.IsOnCooldown(ctx, RawRead, DownloadProgramKey("M01", 1, 4000)))
	assert.False(t, tr.IsOnCooldown(ctx, RawRead, DownloadProgramKey("M01", 1, 4001)))
	assert.False(t, tr.IsOnCooldown(ctx, RawRead, StartKey("M01")), "same key in another class is separate")
}

func TestKeyFormats(t *testing.T) {
	assert.Equal(t, "downloadProgram:M01:1:4000", DownloadProgramKey("M01", 1, 4000))
	assert.Equal(t, "downloadProgram:get:M01:2:10", DownloadProgramGetKey("M01", 2, 10))
	assert.Equal(t, "deleteProgram:M01:1:77", DeleteProgramKey("M01", 1, 77))
	assert.Equal(t, "mode:M01:EDIT", ModeKey("M01", "edit"))
}

func TestDefaultWindows(t *testing.T) {
	tr := New(NewMemory(), 0, 0)
	assert.Equal(t, DefaultControlWindow, tr.Window(Control))
	assert.Equal(t, DefaultRawReadWindow, tr.Window(RawRead))
}

func TestMemorySweepsExpired(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	for i := 0; i < sweepEvery-1; i++ {
		_, _ = m.TryArm(context.Background(), string(rune('a'+i%26))+time.Duration(i).String(), time.Millisecond)
	}
	now = now.Add(time.Second)
	_, _ = m.TryArm(context.Background(), "fresh", time.Minute)
	assert.Equal(t, 1, m.Len())
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tr := New(NewRedisFromClient(client, ""), 5*time.Second, 2*time.Second)
	ctx := context.Background()

	assert.False(t, tr.IsOnCooldown(ctx, Control, StartKey("M01")))
	assert.True(t, tr.IsOnCooldown(ctx, Control, StartKey("M01")))
	assert.True(t, mr.Exists("cncbridge:cooldown:control|start:M01"))

	mr.FastForward(6 * time.Second)
	assert.False(t, tr.IsOnCooldown(ctx, Control, StartKey("M01")))
}

func TestRedisFailureFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	tr := New(NewRedisFromClient(client, ""), time.Minute, time.Minute)

	mr.Close()
	assert.False(t, tr.IsOnCooldown(context.Background(), Control, StartKey("M01")))
	assert.False(t, tr.IsOnCooldown(context.Background(), Control, StartKey("M01")))
}

func TestNewRedisPingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewRedis(context.Background(), RedisConfig{Addr: addr})
	require.Error(t, err)
}
