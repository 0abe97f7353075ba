package dsn

import (
	"bytes"
	"fmt"
	"text/template"
	"time"
)

// RecipientReport is one recipient's entry in a generated DSN body.
type RecipientReport struct {
	Address        string
	Classification Classification
	RemoteMTA      string
}

// Generator renders RFC 3464 style delivery-status-notification message
// bodies, adapted from the teacher's dsn.Generator for the two-way
// defer/reject action vocabulary this worker actually produces.
type Generator struct {
	hostname string
}

// NewGenerator builds a Generator identifying itself as hostname in the
// rendered "Reporting-MTA" / From header.
func NewGenerator(hostname string) *Generator {
	return &Generator{hostname: hostname}
}

var dsnTemplate = template.Must(template.New("dsn").Parse(`From: Mail Delivery System <MAILER-DAEMON@{{.Hostname}}>
To: {{.OriginalSender}}
Subject: {{.Subject}}
Date: {{.Date}}
Message-ID: <{{.MessageID}}@{{.Hostname}}>
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status;
	boundary="{{.Boundary}}"
Auto-Submitted: auto-replied
X-Original-Message-ID: {{.OriginalMessageID}}

This is a MIME-encapsulated message.

--{{.Boundary}}
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: 7bit

This is the mail system at host {{.Hostname}}.

{{if eq .Action "reject"}}I'm sorry to have to inform you that your message could not
be delivered to one or more recipients. It's attached below.

For further assistance, please send mail to postmaster@{{.Hostname}}.
{{else}}This is a delivery status notification.

Your message has not yet been delivered to the following recipients
due to a temporary error. Delivery will continue to be attempted.
{{end}}
                   The mail system

{{range .Recipients}}
<{{.Address}}>: {{.Classification.Message}}
    Status: {{.Classification.StatusCode.Class}}.{{.Classification.StatusCode.Subject}}.{{.Classification.StatusCode.Detail}}{{if .RemoteMTA}}
    Remote-MTA: {{.RemoteMTA}}{{end}}
{{end}}
--{{.Boundary}}
Content-Type: message/delivery-status

Reporting-MTA: dns;{{.Hostname}}
Arrival-Date: {{.Date}}
{{range .Recipients}}
Final-Recipient: rfc822;{{.Address}}
Action: {{$.Action}}
Status: {{.Classification.StatusCode.Class}}.{{.Classification.StatusCode.Subject}}.{{.Classification.StatusCode.Detail}}
Diagnostic-Code: smtp;{{.Classification.Message}}
{{end}}
--{{.Boundary}}--
`))

type dsnTemplateData struct {
	Hostname          string
	OriginalSender    string
	Subject           string
	Date              string
	MessageID         string
	Boundary          string
	OriginalMessageID string
	Action            Action
	Recipients        []RecipientReport
}

// Generate renders a full DSN message body for a bounced delivery. now is
// injected by the caller and used for the Date header, so the output is
// deterministic for a fixed now.
func (g *Generator) Generate(originalSender, originalMessageID, messageID string, action Action, recipients []RecipientReport, now time.Time) ([]byte, error) {
	subject := "Delivery Status Notification (Failure)"
	if action == ActionDefer {
		subject = "Delivery Status Notification (Delay)"
	}

	data := dsnTemplateData{
		Hostname:          g.hostname,
		OriginalSender:    originalSender,
		Subject:           subject,
		Date:              now.Format(time.RFC1123Z),
		MessageID:         messageID,
		Boundary:          "----=_DSN_" + messageID,
		OriginalMessageID: originalMessageID,
		Action:            action,
		Recipients:        recipients,
	}

	var buf bytes.Buffer
	if err := dsnTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("dsn: render: %w", err)
	}
	return buf.Bytes(), nil
}
