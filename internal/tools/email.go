package tools

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// ExtensionLookup resolves extension settings. Implemented by the
// extension store; credentials are looked up per call so edits take
// effect without a restart.
type ExtensionLookup interface {
	ExtensionSetting(extension, key string) (string, bool)
}

// SendEmailTool sends mail through the SMTP account configured in the
// "email" extension.
type SendEmailTool struct {
	ext ExtensionLookup
}

func NewSendEmailTool(ext ExtensionLookup) *SendEmailTool {
	return &SendEmailTool{ext: ext}
}

func (t *SendEmailTool) Name() string        { return "send_email" }
func (t *SendEmailTool) Description() string { return "Send an email via the configured SMTP account" }
func (t *SendEmailTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Recipient address (comma-separated for multiple)",
			},
			"subject": map[string]interface{}{
				"type":        "string",
				"description": "Subject line",
			},
			"body": map[string]interface{}{
				"type":        "string",
				"description": "Plain-text message body",
			},
		},
		"required": []string{"to", "subject", "body"},
	}
}

func (t *SendEmailTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	to, _ := args["to"].(string)
	subject, _ := args["subject"].(string)
	body, _ := args["body"].(string)
	if to == "" || subject == "" {
		return ErrorResult("to and subject are required")
	}
	if t.ext == nil {
		return ErrorResult("email extension is not configured")
	}

	host, ok1 := t.ext.ExtensionSetting("email", "smtp_host")
	port, ok2 := t.ext.ExtensionSetting("email", "smtp_port")
	from, ok3 := t.ext.ExtensionSetting("email", "from")
	if !ok1 || !ok3 {
		return ErrorResult("email extension is missing smtp_host or from settings")
	}
	if !ok2 || port == "" {
		port = "587"
	}
	user, _ := t.ext.ExtensionSetting("email", "username")
	pass, _ := t.ext.ExtensionSetting("email", "password")

	recipients := splitAddresses(to)
	if len(recipients) == 0 {
		return ErrorResult("no valid recipient addresses")
	}

	msg := buildMessage(from, recipients, subject, body)

	var auth smtp.Auth
	if user != "" {
		auth = smtp.PlainAuth("", user, pass, host)
	}
	if err := smtp.SendMail(host+":"+port, auth, from, recipients, msg); err != nil {
		return ErrorResult(fmt.Sprintf("send failed: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("email sent to %s", strings.Join(recipients, ", ")))
}

func splitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if addr := strings.TrimSpace(part); addr != "" && strings.Contains(addr, "@") {
			out = append(out, addr)
		}
	}
	return out
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
