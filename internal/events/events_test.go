package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/internal/observability/alerting"
)

func TestEventValidateAndDecode(t *testing.T) {
	ev := Event{UserID: 1, Kind: KindAction, Action: "withdraw"}
	ev.Normalize()
	require.NotEmpty(t, ev.ID)
	require.Equal(t, int64(1), ev.ChatID)

	data, err := Encode(ev)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, ev, decoded)

	_, err = Decode([]byte(`{"user_id":1,"kind":"command"}`))
	require.Equal(t, xerrors.CodeInvalidInput, xerrors.CodeOf(err))
	_, err = Decode([]byte(`{"user_id":1,"kind":"sticker"}`))
	require.Equal(t, xerrors.CodeInvalidInput, xerrors.CodeOf(err))
	_, err = Decode([]byte(`not json`))
	require.Equal(t, xerrors.CodeInvalidInput, xerrors.CodeOf(err))

	require.Equal(t, "telegram:42", TransportID("telegram", 42))
}

func TestProcessorSerializesPerUser(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue := NewMemoryQueue(1024)
	var (
		mu       sync.Mutex
		active   = map[int64]int{}
		overlap  atomic.Bool
		parallel atomic.Int32
		maxPar   atomic.Int32
		done     atomic.Int32
	)
	handler := func(ctx context.Context, ev Event) error {
		mu.Lock()
		active[ev.UserID]++
		if active[ev.UserID] > 1 {
			overlap.Store(true)
		}
		mu.Unlock()

		n := parallel.Add(1)
		for {
			cur := maxPar.Load()
			if n <= cur || maxPar.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		parallel.Add(-1)

		mu.Lock()
		active[ev.UserID]--
		mu.Unlock()
		done.Add(1)
		return nil
	}

	processor := NewProcessor(queue, handler, WithWorkerCount(8))
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 80
	for i := 0; i < total; i++ {
		ev := Event{ID: fmt.Sprintf("e-%d", i), UserID: int64(i%4 + 1), Kind: KindText}
		require.NoError(t, queue.Publish(ctx, ev))
	}

	require.Eventually(t, func() bool { return int(done.Load()) == total }, 5*time.Second, 10*time.Millisecond)
	require.False(t, overlap.Load(), "events of one user overlapped")
	require.Greater(t, maxPar.Load(), int32(1), "different users should run in parallel")
}

func TestProcessorDropsDuplicates(t *testing.T) {
	var calls atomic.Int32
	processor := NewProcessor(nil, func(context.Context, Event) error {
		calls.Add(1)
		return nil
	}, WithDeduper(NewMemoryDeduper(time.Minute)))

	ev := Event{ID: "telegram:7", UserID: 1, Kind: KindText}
	require.NoError(t, processor.Handle(context.Background(), ev))
	require.NoError(t, processor.Handle(context.Background(), ev))
	require.Equal(t, int32(1), calls.Load())
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, ev alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestProcessorAlertsOnCriticalFailure(t *testing.T) {
	alerts := &recordingDispatcher{}
	processor := NewProcessor(nil, func(_ context.Context, ev Event) error {
		if ev.Text == "bad" {
			return xerrors.New(xerrors.CodeInvalidInput, "bad input")
		}
		return xerrors.New(xerrors.CodeStorageFailure, "redis down")
	}, WithAlertDispatcher(alerts))

	require.NoError(t, processor.Handle(context.Background(), Event{ID: "1", UserID: 5, Kind: KindText, Text: "bad"}))
	require.NoError(t, processor.Handle(context.Background(), Event{ID: "2", UserID: 5, Kind: KindText}))

	require.Len(t, alerts.events, 1)
	require.Equal(t, xerrors.CodeStorageFailure, alerts.events[0].Code)
	require.Equal(t, int64(5), alerts.events[0].UserID)
}

func TestProcessorStartRequiresConsumer(t *testing.T) {
	err := NewProcessor(nil, nil).Start(context.Background())
	require.Equal(t, xerrors.CodeConfigInvalid, xerrors.CodeOf(err))
}

func TestMemoryDeduperExpires(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	dup, err := d.Seen(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, dup)
	dup, _ = d.Seen(context.Background(), "a")
	require.True(t, dup)

	now = now.Add(2 * time.Minute)
	dup, _ = d.Seen(context.Background(), "a")
	require.False(t, dup)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisDeduper(t *testing.T) {
	mr, client := newRedis(t)
	d := NewRedisDeduper(client, "", time.Minute)
	ctx := context.Background()

	dup, err := d.Seen(ctx, "telegram:1")
	require.NoError(t, err)
	require.False(t, dup)
	dup, err = d.Seen(ctx, "telegram:1")
	require.NoError(t, err)
	require.True(t, dup)
	require.True(t, mr.Exists("walletbot:dedup:telegram:1"))

	mr.FastForward(2 * time.Minute)
	dup, err = d.Seen(ctx, "telegram:1")
	require.NoError(t, err)
	require.False(t, dup)
}

func TestRedisQueueRoundTrip(t *testing.T) {
	mr, client := newRedis(t)
	queue := NewRedisQueueWithClient(client, RedisQueueConfig{BlockWait: 100 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := Event{ID: "a", UserID: 1, Kind: KindCommand, Command: "start"}
	second := Event{ID: "b", UserID: 2, Kind: KindText, Text: "0.5", ReplyTo: 9}
	require.NoError(t, queue.Publish(ctx, first))
	require.NoError(t, queue.Publish(ctx, second))
	require.NoError(t, client.LPush(ctx, "walletbot:events", "garbage").Err())
	n, err := mr.List("walletbot:events")
	require.NoError(t, err)
	require.Len(t, n, 3)

	var (
		mu  sync.Mutex
		got []Event
	)
	consumeCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- queue.Consume(consumeCtx, 1, func(_ context.Context, ev Event) error {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 3*time.Second, 10*time.Millisecond)
	stop()
	require.ErrorIs(t, <-errCh, context.Canceled)

	require.Equal(t, first, got[0])
	require.Equal(t, second, got[1])
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	require.ErrorIs(t, q.Publish(context.Background(), Event{}), ErrQueueClosed)
	require.NoError(t, q.Close())
}

func TestRabbitMQPublishingShape(t *testing.T) {
	msg, err := toPublishing(Event{ID: "x", UserID: 3, Kind: KindText, Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "application/json", msg.ContentType)
	require.Equal(t, "x", msg.MessageId)
	ev, err := Decode(msg.Body)
	require.NoError(t, err)
	require.Equal(t, "hi", ev.Text)
}
