package alert

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// EmailNotifier sends plain-text alert mail over SMTP.
type EmailNotifier struct {
	name       string
	addr       string
	from       string
	recipients []string

	// send is swapped out in tests.
	send func(addr, from string, to []string, msg []byte) error
}

// NewEmailNotifier builds a notifier for one SMTP relay. Authentication
// is the relay's concern; the pipeline talks to a local forwarder.
func NewEmailNotifier(name, addr, from string, recipients []string) *EmailNotifier {
	return &EmailNotifier{
		name:       name,
		addr:       addr,
		from:       from,
		recipients: recipients,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

// Name implements Notifier.
func (n *EmailNotifier) Name() string { return n.name }

// Notify sends one message per event. net/smtp has no context support,
// so delivery runs in a goroutine and the call abandons it on ctx
// expiry; the engine's dispatch timeout bounds the wait.
func (n *EmailNotifier) Notify(ctx context.Context, ev Event) error {
	msg := n.format(ev)

	errc := make(chan error, 1)
	go func() {
		errc <- n.send(n.addr, n.from, n.recipients, msg)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

func (n *EmailNotifier) format(ev Event) []byte {
	a := ev.Alert
	var subject string
	switch ev.Type {
	case EventResolved:
		subject = fmt.Sprintf("[RESOLVED] %s %s", a.Metric, a.Level)
	default:
		subject = fmt.Sprintf("[%s] %s crossed threshold", strings.ToUpper(string(a.Level)), a.Metric)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Metric:    %s\r\n", a.Metric)
	fmt.Fprintf(&b, "Level:     %s\r\n", a.Level)
	fmt.Fprintf(&b, "Observed:  %.2f (%s %.2f)\r\n", a.Observed, a.Operator, a.Threshold)
	fmt.Fprintf(&b, "Opened:    %s\r\n", a.OpenedAt.Format(time.RFC3339))
	if a.ResolvedAt != nil {
		fmt.Fprintf(&b, "Resolved:  %s\r\n", a.ResolvedAt.Format(time.RFC3339))
	}
	return []byte(b.String())
}
