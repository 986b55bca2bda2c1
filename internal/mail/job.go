// Package mail carries e-mail delivery jobs from the API to the mailer
// worker over RabbitMQ and sends them through SMTP.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TemplatePasswordReset = "password_reset"
	TemplateWelcome       = "welcome"
)

var ErrUnknownTemplate = errors.New("mail: unknown template")

// Job is one delivery request. Params feed the named template.
type Job struct {
	ID         string            `json:"id"`
	Recipient  string            `json:"recipient"`
	Template   string            `json:"template"`
	Params     map[string]string `json:"params"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// NewJob fills in the id and timestamp.
func NewJob(recipient, template string, params map[string]string) Job {
	return Job{
		ID:         uuid.NewString(),
		Recipient:  strings.TrimSpace(recipient),
		Template:   template,
		Params:     params,
		EnqueuedAt: time.Now().UTC(),
	}
}

func (j Job) Validate() error {
	if j.Recipient == "" {
		return errors.New("mail: recipient is required")
	}
	if _, ok := templates[j.Template]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTemplate, j.Template)
	}
	return nil
}

// Enqueuer accepts jobs for asynchronous delivery. Enqueue returns once the
// job is durably accepted and never waits for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}
