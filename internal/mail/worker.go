package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"warden.dev/internal/obs"
)

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
	outcomeDeadLetter
)

func (o outcome) String() string {
	switch o {
	case outcomeAck:
		return "sent"
	case outcomeRetry:
		return "retry"
	default:
		return "dead_letter"
	}
}

// Worker consumes mail jobs and hands them to a Sender. A failed job is
// republished with its attempt count raised; once MaxAttempts is reached it
// goes to the dead-letter queue.
type Worker struct {
	broker      *Broker
	sender      Sender
	log         *zap.Logger
	maxAttempts int
	timeout     time.Duration
}

func NewWorker(broker *Broker, sender Sender, log *zap.Logger, maxAttempts int) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Worker{broker: broker, sender: sender, log: log, maxAttempts: maxAttempts, timeout: 30 * time.Second}
}

// Run consumes until ctx is cancelled. When the broker drops the delivery
// stream the worker waits ReconnectInterval and subscribes again.
func (w *Worker) Run(ctx context.Context) error {
	for {
		deliveries, err := w.broker.Consume("warden-mailer")
		if err != nil {
			w.log.Warn("subscribe failed", zap.Error(err))
		} else {
			w.log.Info("mail worker subscribed", zap.String("queue", w.broker.cfg.Queue))
			if err := w.drain(ctx, deliveries); err != nil {
				return err
			}
			w.log.Warn("delivery stream closed, resubscribing")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.broker.cfg.ReconnectInterval):
		}
	}
}

// drain handles deliveries until the stream closes (nil) or ctx ends.
func (w *Worker) drain(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	msgCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	attempts := attemptsOf(d.Headers)
	out := w.process(msgCtx, d.Body, attempts)
	switch out {
	case outcomeAck:
		if err := d.Ack(false); err != nil {
			w.log.Error("ack failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		}
	case outcomeRetry:
		headers := amqp.Table{attemptsHeader: int32(attempts + 1)}
		if err := w.broker.publish(msgCtx, d.Body, headers); err != nil {
			w.log.Warn("republish failed, requeueing", zap.Error(err))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	case outcomeDeadLetter:
		if err := d.Nack(false, false); err != nil {
			w.log.Error("nack failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		}
	}
}

// process renders and sends one job body. attempts counts earlier failed
// deliveries.
func (w *Worker) process(ctx context.Context, body []byte, attempts int) outcome {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		w.log.Error("undecodable mail job", zap.Error(err))
		obs.ObserveMailJob("unknown", outcomeDeadLetter.String())
		return outcomeDeadLetter
	}
	log := w.log.With(zap.String("job_id", job.ID), zap.String("template", job.Template))

	msg, err := Render(job)
	if err != nil {
		log.Error("render mail job", zap.Error(err))
		obs.ObserveMailJob(job.Template, outcomeDeadLetter.String())
		return outcomeDeadLetter
	}
	if err := w.sender.Send(ctx, msg); err != nil {
		out := outcomeRetry
		if attempts+1 >= w.maxAttempts {
			out = outcomeDeadLetter
		}
		log.Warn("send mail failed", zap.Int("attempt", attempts+1), zap.String("outcome", out.String()), zap.Error(err))
		obs.ObserveMailJob(job.Template, out.String())
		return out
	}
	log.Info("mail sent")
	obs.ObserveMailJob(job.Template, outcomeAck.String())
	return outcomeAck
}

func attemptsOf(h amqp.Table) int {
	switch v := h[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// LogEnqueuer writes jobs to the log instead of a broker. Meant for local
// development without RabbitMQ. Param values can carry reset secrets, so only
// their names are logged.
type LogEnqueuer struct {
	Log *zap.Logger
}

func (l LogEnqueuer) Enqueue(_ context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	log := l.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("mail job (not delivered)",
		zap.String("job_id", job.ID),
		zap.String("recipient", job.Recipient),
		zap.String("template", job.Template),
		zap.Strings("params", paramKeys(job.Params)),
	)
	return nil
}

func paramKeys(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LogSender logs rendered messages instead of sending them. Bodies are left
// out of the log since they contain reset links.
type LogSender struct {
	Log *zap.Logger
}

func (l LogSender) Send(_ context.Context, msg Message) error {
	if l.Log == nil {
		return fmt.Errorf("mail: log sender has no logger")
	}
	l.Log.Info("mail message", zap.String("to", msg.To), zap.String("subject", msg.Subject), zap.Int("body_bytes", len(msg.Text)))
	return nil
}
