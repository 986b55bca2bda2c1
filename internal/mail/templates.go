package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

// Message is a rendered e-mail.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type mailTemplate struct {
	subject string
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

var templates = map[string]mailTemplate{
	TemplatePasswordReset: {
		subject: "Reset your password",
		text: texttemplate.Must(texttemplate.New("reset.txt").Parse(`Hello {{.name}},

We received a request to reset your password. Open the link below to choose a new one:

{{.reset_url}}

The link expires in {{.expires_in_minutes}} minutes. If you did not ask for a reset, ignore this message.
`)),
		html: htmltemplate.Must(htmltemplate.New("reset.html").Parse(`<p>Hello {{.name}},</p>
<p>We received a request to reset your password.</p>
<p><a href="{{.reset_url}}">Choose a new password</a></p>
<p>The link expires in {{.expires_in_minutes}} minutes. If you did not ask for a reset, ignore this message.</p>
`)),
	},
	TemplateWelcome: {
		subject: "Welcome to Warden",
		text: texttemplate.Must(texttemplate.New("welcome.txt").Parse(`Hello {{.name}},

Your account is ready. Sign in at {{.login_url}}
`)),
		html: htmltemplate.Must(htmltemplate.New("welcome.html").Parse(`<p>Hello {{.name}},</p>
<p>Your account is ready. <a href="{{.login_url}}">Sign in</a>.</p>
`)),
	},
}

// Render turns a job into a message.
func Render(job Job) (Message, error) {
	if err := job.Validate(); err != nil {
		return Message{}, err
	}
	tpl := templates[job.Template]
	params := job.Params
	if params == nil {
		params = map[string]string{}
	}
	var text, html bytes.Buffer
	if err := tpl.text.Execute(&text, params); err != nil {
		return Message{}, fmt.Errorf("render %s text: %w", job.Template, err)
	}
	if err := tpl.html.Execute(&html, params); err != nil {
		return Message{}, fmt.Errorf("render %s html: %w", job.Template, err)
	}
	return Message{
		To:      job.Recipient,
		Subject: tpl.subject,
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
