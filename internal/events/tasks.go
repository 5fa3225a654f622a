package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hostpay/internal/payment"
)

// Task types handled by the worker.
const (
	TypeDeliverEvent = "event:deliver"
	TypeSweep        = "payment:sweep"
	TypePoll         = "payment:poll"
)

// QueueEvents carries outbox deliveries; QueueMaintenance carries periodic jobs.
const (
	QueueEvents      = "events"
	QueueMaintenance = "maintenance"
)

// DeliverPayload identifies the outbox row a delivery task sends.
type DeliverPayload struct {
	EventID string `json:"eventId"`
}

// NewDeliverTask builds the task that delivers the outbox event id.
func NewDeliverTask(eventID string) (*asynq.Task, error) {
	if strings.TrimSpace(eventID) == "" {
		return nil, errors.New("events: event id is required")
	}
	payload, err := json.Marshal(DeliverPayload{EventID: eventID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDeliverEvent, payload), nil
}

// ParseDeliverTask extracts the event id from a delivery task. Payloads that
// can never succeed are wrapped with asynq.SkipRetry.
func ParseDeliverTask(t *asynq.Task) (string, error) {
	if t == nil || t.Type() != TypeDeliverEvent {
		return "", fmt.Errorf("events: unexpected task: %w", asynq.SkipRetry)
	}
	var p DeliverPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return "", fmt.Errorf("events: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if strings.TrimSpace(p.EventID) == "" {
		return "", fmt.Errorf("events: empty event id: %w", asynq.SkipRetry)
	}
	return p.EventID, nil
}

// NewSweepTask builds the periodic expiry sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweep, nil)
}

// NewPollTask builds the periodic provider status poll task.
func NewPollTask() *asynq.Task {
	return asynq.NewTask(TypePoll, nil)
}

// Enqueuer is the subset of *asynq.Client used to schedule deliveries.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqScheduler queues one delivery task per outbox event. The event id
// doubles as the asynq task id so a re-published event is not queued twice.
type AsynqScheduler struct {
	Client   Enqueuer
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

// Schedule enqueues the delivery for ev.
func (s AsynqScheduler) Schedule(ctx context.Context, ev payment.Event) error {
	if s.Client == nil {
		return errors.New("events: asynq client not configured")
	}
	task, err := NewDeliverTask(ev.ID)
	if err != nil {
		return err
	}
	queue := s.Queue
	if queue == "" {
		queue = QueueEvents
	}
	maxRetry := s.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 8
	}
	opts := []asynq.Option{
		asynq.TaskID(ev.ID),
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry),
	}
	if s.Timeout > 0 {
		opts = append(opts, asynq.Timeout(s.Timeout))
	}
	_, err = s.Client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// AsynqLogger routes asynq's internal logging through zerolog.
type AsynqLogger struct {
	Logger zerolog.Logger
}

func (l AsynqLogger) Debug(args ...interface{}) { l.Logger.Debug().Msg(fmt.Sprint(args...)) }
func (l AsynqLogger) Info(args ...interface{})  { l.Logger.Info().Msg(fmt.Sprint(args...)) }
func (l AsynqLogger) Warn(args ...interface{})  { l.Logger.Warn().Msg(fmt.Sprint(args...)) }
func (l AsynqLogger) Error(args ...interface{}) { l.Logger.Error().Msg(fmt.Sprint(args...)) }
func (l AsynqLogger) Fatal(args ...interface{}) { l.Logger.Fatal().Msg(fmt.Sprint(args...)) }
