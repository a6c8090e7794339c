// Package mail delivers password reset emails.
//
// Sender is the delivery abstraction: Resend in production, a pickup
// directory of .eml files when no API key is configured. Dispatcher sends
// asynchronously with a bounded number of attempts.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/and161185/portfolio-auth/internal/model"
)

// Message is a rendered email.
type Message struct {
	From    string
	To      []string
	Subject string
	HTML    string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

const resetSubject = "Reset your password"

var resetTmpl = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family:Arial,Helvetica,sans-serif;">
<p>Hi {{if .Name}}{{.Name}}{{else}}there{{end}},</p>
<p>You requested to reset your password. Use code <b>{{.Code}}</b> to reset your password.
The code expires in {{.Expires}}.</p>
<p>If you didn't request this, you can safely ignore this email.</p>
<p>Thanks!</p>
</body>
</html>`))

// RenderPasswordReset builds the reset email for u carrying code.
func RenderPasswordReset(from string, u model.User, code string, ttl time.Duration) (Message, error) {
	var buf bytes.Buffer
	err := resetTmpl.Execute(&buf, struct {
		Name    string
		Code    string
		Expires string
	}{Name: u.FullName, Code: code, Expires: humanDuration(ttl)})
	if err != nil {
		return Message{}, fmt.Errorf("render reset email: %w", err)
	}
	return Message{
		From:    from,
		To:      []string{u.Email},
		Subject: resetSubject,
		HTML:    buf.String(),
	}, nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "a short while"
	case d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute:
		return plural(int(d/time.Minute), "minute")
	default:
		return plural(int(d/time.Second), "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
