package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSender struct {
	err  error
	sent []Message
}

func (f *fakeSender) Send(_ context.Context, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestRenderPasswordReset(t *testing.T) {
	job := NewJob("ada@example.test", TemplatePasswordReset, map[string]string{
		"name":               "Ada <script>",
		"reset_url":          "https://app.example.test/reset-password?token=abc",
		"expires_in_minutes": "60",
	})
	msg, err := Render(job)
	require.NoError(t, err)

	assert.Equal(t, "ada@example.test", msg.To)
	assert.Equal(t, "Reset your password", msg.Subject)
	assert.Contains(t, msg.Text, "https://app.example.test/reset-password?token=abc")
	assert.Contains(t, msg.Text, "60 minutes")
	assert.NotContains(t, msg.HTML, "<script>")
	assert.Contains(t, msg.HTML, "Ada &lt;script&gt;")
}

func TestRenderRejectsUnknownTemplate(t *testing.T) {
	_, err := Render(Job{Recipient: "a@example.test", Template: "newsletter"})
	assert.ErrorIs(t, err, ErrUnknownTemplate)

	_, err = Render(Job{Template: TemplateWelcome})
	assert.Error(t, err)
}

func TestBuildMIME(t *testing.T) {
	raw := string(buildMIME("Warden", "noreply@example.test", Message{
		To:      "ada@example.test",
		Subject: "Welcome to Warden",
		Text:    "plain body",
		HTML:    "<p>html body</p>",
	}))
	assert.Contains(t, raw, "To: ada@example.test\r\n")
	assert.Contains(t, raw, "<noreply@example.test>")
	assert.Contains(t, raw, "text/plain; charset=utf-8")
	assert.Contains(t, raw, "<p>html body</p>")
	assert.True(t, strings.HasSuffix(raw, "--"+mimeBoundary+"--\r\n"))
}

func TestWorkerProcess(t *testing.T) {
	body, err := json.Marshal(NewJob("ada@example.test", TemplateWelcome, map[string]string{
		"name":      "Ada",
		"login_url": "https://app.example.test/login",
	}))
	require.NoError(t, err)

	t.Run("sent", func(t *testing.T) {
		sender := &fakeSender{}
		w := NewWorker(nil, sender, zap.NewNop(), 3)
		assert.Equal(t, outcomeAck, w.process(context.Background(), body, 0))
		require.Len(t, sender.sent, 1)
		assert.Equal(t, "Welcome to Warden", sender.sent[0].Subject)
	})

	t.Run("retry below limit", func(t *testing.T) {
		w := NewWorker(nil, &fakeSender{err: errors.New("relay down")}, zap.NewNop(), 3)
		assert.Equal(t, outcomeRetry, w.process(context.Background(), body, 0))
		assert.Equal(t, outcomeRetry, w.process(context.Background(), body, 1))
	})

	t.Run("dead letter at limit", func(t *testing.T) {
		w := NewWorker(nil, &fakeSender{err: errors.New("relay down")}, zap.NewNop(), 3)
		assert.Equal(t, outcomeDeadLetter, w.process(context.Background(), body, 2))
	})

	t.Run("poison message", func(t *testing.T) {
		w := NewWorker(nil, &fakeSender{}, zap.NewNop(), 3)
		assert.Equal(t, outcomeDeadLetter, w.process(context.Background(), []byte("{not json"), 0))

		unknown, _ := json.Marshal(Job{ID: "x", Recipient: "a@example.test", Template: "nope"})
		assert.Equal(t, outcomeDeadLetter, w.process(context.Background(), unknown, 0))
	})
}

func TestAttemptsOf(t *testing.T) {
	assert.Equal(t, 0, attemptsOf(nil))
	assert.Equal(t, 2, attemptsOf(amqp.Table{attemptsHeader: int32(2)}))
	assert.Equal(t, 5, attemptsOf(amqp.Table{attemptsHeader: int64(5)}))
	assert.Equal(t, 0, attemptsOf(amqp.Table{attemptsHeader: "3"}))
}

func TestLogEnqueuerValidates(t *testing.T) {
	var q Enqueuer = LogEnqueuer{}
	assert.NoError(t, q.Enqueue(context.Background(), NewJob("a@example.test", TemplateWelcome, nil)))
	assert.ErrorIs(t, q.Enqueue(context.Background(), Job{Recipient: "a@example.test", Template: "x"}), ErrUnknownTemplate)
}

func TestLogOutputOmitsResetSecrets(t *testing.T) {
	const secret = "s3cr3t-reset-token"
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	job := NewJob("ada@example.test", TemplatePasswordReset, map[string]string{
		"name":               "Ada",
		"reset_url":          "https://app.example.test/reset-password?token=" + secret,
		"expires_in_minutes": "60",
	})
	require.NoError(t, LogEnqueuer{Log: log}.Enqueue(context.Background(), job))

	msg, err := Render(job)
	require.NoError(t, err)
	require.NoError(t, LogSender{Log: log}.Send(context.Background(), msg))

	entries := logs.All()
	require.Len(t, entries, 2)
	for _, e := range entries {
		for k, v := range e.ContextMap() {
			assert.NotContains(t, fmt.Sprint(v), secret, "field %q of %q", k, e.Message)
		}
	}
	assert.Equal(t, []interface{}{"expires_in_minutes", "name", "reset_url"}, entries[0].ContextMap()["params"])
}
