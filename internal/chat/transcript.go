package chat

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/cchalm/codesmith/internal/ai"
)

//go:embed transcript.tmpl
var transcriptTemplate string

var transcriptTmpl = template.Must(template.New("transcript").Funcs(template.FuncMap{
	"title": func(r ai.Role) string {
		s := string(r)
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
}).Parse(transcriptTemplate))

type transcriptData struct {
	SessionID  string
	ExportedAt string
	Messages   []ai.Message
	Code       string
}

// RenderTranscript renders a conversation and the code it produced as markdown
func RenderTranscript(sessionID string, conv ai.Conversation, code string, at time.Time) (string, error) {
	data := transcriptData{
		SessionID:  sessionID,
		ExportedAt: at.Format("2006-01-02 15:04:05 MST"),
		Messages:   conv,
		Code:       strings.TrimSpace(code),
	}

	var buf bytes.Buffer
	if err := transcriptTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render transcript: %w", err)
	}
	return buf.String(), nil
}

// Transcript renders the controller's conversation and the current code as markdown
func (c *Controller) Transcript() (string, error) {
	code, _ := c.slot.Get()
	return RenderTranscript(c.sessionID, c.Conversation(), code, time.Now())
}
