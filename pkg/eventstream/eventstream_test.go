package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powercycled/powercycled/pkg/controller"
	"github.com/powercycled/powercycled/pkg/observability"
)

func setupPublisher(t *testing.T, opts Options) (*Publisher, *redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	pub, err := NewPublisher(client, opts)
	require.NoError(t, err)
	return pub, client, mr
}

func TestNewPublisherRequiresClient(t *testing.T) {
	_, err := NewPublisher(nil, Options{})
	require.Error(t, err)
}

func TestPublisherWritesObserverEvents(t *testing.T) {
	t.Parallel()

	pub, client, _ := setupPublisher(t, Options{Prefix: "lab"})
	assert.Equal(t, "lab:runs", pub.Stream())

	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	pub.OnLog(controller.LogEvent{RunID: "r1", Timestamp: ts, Level: observability.LevelFlag, Name: "loop_started", Message: "Unsafe_Power_Cycle_Test: Begin # 1"})
	pub.OnProgress(controller.ProgressEvent{RunID: "r1", LoopIndex: 1, SuccessCount: 1})
	pub.OnFinished(controller.Summary{RunID: "r1", Host: "10.0.0.9", State: controller.StateAborted, Loops: 3, LoopIndex: 1, Err: errors.New("host offline")})

	ctx := context.Background()
	msgs, err := client.XRange(ctx, "lab:runs", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, "r1", msgs[0].Values["run_id"])
	assert.Equal(t, KindLog, msgs[0].Values["kind"])
	var logged logPayload
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &logged))
	assert.Equal(t, "flag", logged.Level)
	assert.Equal(t, "Unsafe_Power_Cycle_Test: Begin # 1", logged.Message)

	assert.Equal(t, KindProgress, msgs[1].Values["kind"])
	assert.Equal(t, KindFinished, msgs[2].Values["kind"])
	var finished finishedPayload
	require.NoError(t, json.Unmarshal([]byte(msgs[2].Values["data"].(string)), &finished))
	assert.Equal(t, "aborted", finished.State)
	assert.Equal(t, "host offline", finished.Error)
}

func TestPublisherHistoryFiltersByRun(t *testing.T) {
	t.Parallel()

	pub, _, _ := setupPublisher(t, Options{})
	pub.OnProgress(controller.ProgressEvent{RunID: "a", LoopIndex: 1})
	pub.OnProgress(controller.ProgressEvent{RunID: "b", LoopIndex: 1})
	pub.OnProgress(controller.ProgressEvent{RunID: "a", LoopIndex: 2})

	records, err := pub.History(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, records, 2)

	var last progressPayload
	require.NoError(t, json.Unmarshal(records[1].Data, &last))
	assert.Equal(t, 2, last.LoopIndex)

	all, err := pub.History(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPublisherReportsErrorsWithoutPanicking(t *testing.T) {
	t.Parallel()

	var reported []error
	pub, _, mr := setupPublisher(t, Options{
		Timeout: 200 * time.Millisecond,
		OnError: func(err error) { reported = append(reported, err) },
	})
	mr.Close()

	pub.OnLog(controller.LogEvent{RunID: "r1", Message: "Power on"})
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Error(), "powercycled:runs")
}

func TestPublisherTrimsStream(t *testing.T) {
	t.Parallel()

	pub, client, _ := setupPublisher(t, Options{MaxLen: 5})
	for i := 1; i <= 20; i++ {
		pub.OnProgress(controller.ProgressEvent{RunID: "r", LoopIndex: i})
	}
	n, err := client.XLen(context.Background(), pub.Stream()).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(20))
	assert.GreaterOrEqual(t, n, int64(5))
}
