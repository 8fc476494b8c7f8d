package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	// SendEmailTaskType is the queue task name for one SOS email.
	SendEmailTaskType = "alerts:send_email"

	defaultQueueName   = "alerts"
	defaultMaxRetry    = 5
	defaultConcurrency = 4
	taskTimeout        = 30 * time.Second
)

// SendEmailPayload is the JSON payload transported via the queue.
type SendEmailPayload struct {
	To    string `json:"to"`
	Alert Alert  `json:"alert"`
}

// QueueConfig describes the redis-backed delivery queue.
type QueueConfig struct {
	RedisURL    string
	Queue       string
	Concurrency int
	Logger      *zap.Logger
}

// QueueMailer enqueues alert emails so a worker can retry failed deliveries.
type QueueMailer struct {
	client *asynq.Client
	queue  string
}

// NewQueueMailer connects the enqueueing side to redis.
func NewQueueMailer(cfg QueueConfig) (*QueueMailer, error) {
	options, err := parseRedisURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return &QueueMailer{client: asynq.NewClient(options), queue: queueName(cfg.Queue)}, nil
}

// Send enqueues the alert. Delivery errors surface in the worker logs.
func (m *QueueMailer) Send(ctx context.Context, toEmail string, alert Alert) error {
	if strings.TrimSpace(toEmail) == "" {
		return ErrMissingRecipient
	}
	payload, err := json.Marshal(SendEmailPayload{To: toEmail, Alert: alert})
	if err != nil {
		return fmt.Errorf("alerts: encode task: %w", err)
	}
	task := asynq.NewTask(SendEmailTaskType, payload)
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.Queue(m.queue),
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Timeout(taskTimeout),
	)
	if err != nil {
		return fmt.Errorf("alerts: enqueue: %w", err)
	}
	return nil
}

// Close releases the redis connection.
func (m *QueueMailer) Close() error {
	return m.client.Close()
}

// Worker drains the alert queue into a Mailer.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker builds the consuming side. The delivery mailer is usually an SMTPMailer.
func NewWorker(cfg QueueConfig, delivery Mailer) (*Worker, error) {
	if delivery == nil {
		return nil, errors.New("alerts: delivery mailer required")
	}
	options, err := parseRedisURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	server := asynq.NewServer(options, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName(cfg.Queue): 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("alert task failed",
				zap.String("operation", "alerts.worker"),
				zap.String("task_type", task.Type()),
				zap.Error(err),
			)
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(SendEmailTaskType, NewSendEmailHandler(delivery))
	return &Worker{server: server, mux: mux}, nil
}

// Run starts the worker and blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}

// NewSendEmailHandler decodes a queued alert and hands it to delivery.
// Malformed payloads are not retried.
func NewSendEmailHandler(delivery Mailer) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload SendEmailPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("alerts: decode task: %v: %w", err, asynq.SkipRetry)
		}
		if strings.TrimSpace(payload.To) == "" {
			return fmt.Errorf("%w: %w", ErrMissingRecipient, asynq.SkipRetry)
		}
		ctx, cancel := context.WithTimeout(ctx, taskTimeout)
		defer cancel()
		return delivery.Send(ctx, payload.To, payload.Alert)
	}
}

func parseRedisURL(raw string) (asynq.RedisConnOpt, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("alerts: redis url required")
	}
	options, err := asynq.ParseRedisURI(raw)
	if err != nil {
		return nil, fmt.Errorf("alerts: parse redis url: %w", err)
	}
	return options, nil
}

func queueName(raw string) string {
	if name := strings.TrimSpace(raw); name != "" {
		return name
	}
	return defaultQueueName
}
