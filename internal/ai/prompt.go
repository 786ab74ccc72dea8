package ai

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

//go:embed prompt_template.tmpl
var promptTemplate string

//go:embed system_prompt.md
var systemPrompt string

var promptTmpl = template.Must(template.New("prompt").Parse(promptTemplate))

var (
	// ErrNoBaseCode means there is no current code for the model to modify
	ErrNoBaseCode = errors.New("no base code available")
	// ErrEmptyInstruction means the user sent nothing to act on
	ErrEmptyInstruction = errors.New("instruction is empty")
)

// SystemPrompt returns the default system prompt sent with every turn
func SystemPrompt() string {
	return systemPrompt
}

type promptData struct {
	Code        string
	Instruction string
	StartMarker string
	EndMarker   string
}

// BuildPrompt generates the instruction text for one turn. The whole of code is embedded, since the model is asked to
// return the complete file
func BuildPrompt(code string, instruction string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", ErrNoBaseCode
	}
	if strings.TrimSpace(instruction) == "" {
		return "", ErrEmptyInstruction
	}

	data := promptData{
		Code:        code,
		Instruction: strings.TrimSpace(instruction),
		StartMarker: StartMarker,
		EndMarker:   EndMarker,
	}

	var buf bytes.Buffer
	if err := promptTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

// RequestOptions control how a conversation is turned into a model request
type RequestOptions struct {
	Model     string
	MaxTokens int64
	// MaxHistory bounds how many prior messages are replayed ahead of the instruction. Zero replays none, a negative
	// value replays all of them
	MaxHistory int
}

// BuildRequest builds the model request for a turn: prior user and assistant messages, then the instruction prompt as
// the final user turn. System messages in history are appended to the default system prompt
func BuildRequest(history []Message, instruction string, code string, opts RequestOptions) (Request, error) {
	prompt, err := BuildPrompt(code, instruction)
	if err != nil {
		return Request{}, err
	}

	system := strings.TrimSpace(systemPrompt)
	if extra := systemText(history); extra != "" {
		system += "\n\n" + extra
	}

	turns := replayTurns(history, opts.MaxHistory)
	turns = appendTurn(turns, Turn{Role: RoleUser, Content: prompt})

	return Request{
		Model:     opts.Model,
		MaxTokens: opts.MaxTokens,
		System:    system,
		Turns:     turns,
	}, nil
}

// replayTurns converts prior messages into turns the API accepts: user first, roles alternating
func replayTurns(history []Message, limit int) []Turn {
	var msgs []Message
	for _, m := range history {
		if m.Role == RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, m)
	}
	if limit >= 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	for len(msgs) > 0 && msgs[0].Role != RoleUser {
		msgs = msgs[1:]
	}
	msgs = suppressStaleCode(msgs)

	var turns []Turn
	for _, m := range msgs {
		turns = appendTurn(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// appendTurn appends t, merging it into the previous turn when both have the same role
func appendTurn(turns []Turn, t Turn) []Turn {
	if n := len(turns); n > 0 && turns[n-1].Role == t.Role {
		turns[n-1].Content += "\n\n" + t.Content
		return turns
	}
	return append(turns, t)
}

// StaleCodePlaceholder replaces the body of code blocks in replayed assistant messages older than the newest one
const StaleCodePlaceholder = "[earlier version omitted]"

// suppressStaleCode keeps the newest assistant code block intact and blanks out the ones before it
func suppressStaleCode(msgs []Message) []Message {
	newest := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != RoleAssistant {
			continue
		}
		if _, ok := ExtractCodeBlock(msgs[i].Content); ok {
			newest = i
			break
		}
	}
	if newest <= 0 {
		return msgs
	}

	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if i < newest && m.Role == RoleAssistant {
			m.Content = replaceCodeBlocks(m.Content)
		}
		out[i] = m
	}
	return out
}

// replaceCodeBlocks swaps the content of every complete marker block in text for StaleCodePlaceholder
func replaceCodeBlocks(text string) string {
	var b strings.Builder
	for {
		start := strings.Index(text, StartMarker)
		if start < 0 {
			break
		}
		offset := start + len(StartMarker)
		end := strings.Index(text[offset:], EndMarker)
		if end < 0 {
			break
		}
		b.WriteString(text[:offset])
		b.WriteString("\n" + StaleCodePlaceholder + "\n")
		b.WriteString(EndMarker)
		text = text[offset+end+len(EndMarker):]
	}
	b.WriteString(text)
	return b.String()
}
