// Package eventstream fans controller events out to a Redis stream so
// dashboards on other machines can follow a run live.
package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/powercycled/powercycled/pkg/controller"
)

const (
	KindLog      = "log"
	KindProgress = "progress"
	KindFinished = "finished"
)

// Options configures a Publisher.
type Options struct {
	// Prefix names the stream; events go to "<prefix>:runs".
	Prefix string
	// MaxLen bounds the stream with approximate trimming; zero disables trimming.
	MaxLen int64
	// Timeout bounds each XADD.
	Timeout time.Duration
	// OnError receives publish failures. Failures never reach the controller.
	OnError func(error)
}

// Publisher implements controller.Observer by appending every event to a Redis stream.
type Publisher struct {
	client  redis.Cmdable
	stream  string
	maxLen  int64
	timeout time.Duration
	onError func(error)
}

type logPayload struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	Event     string    `json:"event"`
	Message   string    `json:"message"`
}

type progressPayload struct {
	LoopIndex    int `json:"loop_index"`
	SuccessCount int `json:"success_count"`
}

type finishedPayload struct {
	Host         string    `json:"host"`
	State        string    `json:"state"`
	Loops        int       `json:"loops"`
	LoopIndex    int       `json:"loop_index"`
	SuccessCount int       `json:"success_count"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// NewPublisher builds a Publisher on top of an existing Redis client.
func NewPublisher(client redis.Cmdable, opts Options) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("redis client must not be nil")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "powercycled"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Publisher{
		client:  client,
		stream:  StreamName(prefix),
		maxLen:  opts.MaxLen,
		timeout: timeout,
		onError: opts.OnError,
	}, nil
}

// StreamName returns the stream key used for prefix.
func StreamName(prefix string) string {
	return fmt.Sprintf("%s:runs", prefix)
}

// Stream returns the stream key this publisher writes to.
func (p *Publisher) Stream() string { return p.stream }

// OnLog implements controller.Observer.
func (p *Publisher) OnLog(ev controller.LogEvent) {
	p.publish(ev.RunID, KindLog, logPayload{
		Timestamp: ev.Timestamp,
		Level:     string(ev.Level),
		Event:     ev.Name,
		Message:   ev.Message,
	})
}

// OnProgress implements controller.Observer.
func (p *Publisher) OnProgress(ev controller.ProgressEvent) {
	p.publish(ev.RunID, KindProgress, progressPayload{
		LoopIndex:    ev.LoopIndex,
		SuccessCount: ev.SuccessCount,
	})
}

// OnFinished implements controller.Observer.
func (p *Publisher) OnFinished(s controller.Summary) {
	payload := finishedPayload{
		Host:         s.Host,
		State:        string(s.State),
		Loops:        s.Loops,
		LoopIndex:    s.LoopIndex,
		SuccessCount: s.SuccessCount,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
	}
	if s.Err != nil {
		payload.Error = s.Err.Error()
	}
	p.publish(s.RunID, KindFinished, payload)
}

// Publish appends one record and returns its stream id.
func (p *Publisher) Publish(ctx context.Context, runID, kind string, data interface{}) (string, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal %s event: %w", kind, err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"run_id": runID,
			"kind":   kind,
			"data":   string(encoded),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", p.stream, err)
	}
	return id, nil
}

func (p *Publisher) publish(runID, kind string, data interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if _, err := p.Publish(ctx, runID, kind, data); err != nil && p.onError != nil {
		p.onError(err)
	}
}

// Record is one decoded stream entry.
type Record struct {
	ID    string
	RunID string
	Kind  string
	Data  json.RawMessage
}

// History returns the records of runID in stream order. An empty runID returns every record.
func (p *Publisher) History(ctx context.Context, runID string) ([]Record, error) {
	msgs, err := p.client.XRange(ctx, p.stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.stream, err)
	}
	records := make([]Record, 0, len(msgs))
	for _, msg := range msgs {
		id, _ := msg.Values["run_id"].(string)
		if runID != "" && id != runID {
			continue
		}
		kind, _ := msg.Values["kind"].(string)
		data, _ := msg.Values["data"].(string)
		records = append(records, Record{ID: msg.ID, RunID: id, Kind: kind, Data: json.RawMessage(data)})
	}
	return records, nil
}

var _ controller.Observer = (*Publisher)(nil)
