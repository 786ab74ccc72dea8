package ai

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const appCode = "export default function App(){return null}"

func TestBuildPrompt_EmbedsCodeAndMarkers(t *testing.T) {
	prompt, err := BuildPrompt(appCode, "  add a button ")
	require.NoError(t, err)

	require.Contains(t, prompt, appCode)
	require.Contains(t, prompt, "User instruction:\nadd a button\n")
	require.Contains(t, prompt, "---jsx and ---")
	require.Contains(t, prompt, "export default")
	require.Contains(t, prompt, "Include also unchanged parts of the code")
}

func TestBuildPrompt_NoBaseCode(t *testing.T) {
	_, err := BuildPrompt("  \n", "add a button")
	require.ErrorIs(t, err, ErrNoBaseCode)
}

func TestBuildPrompt_EmptyInstruction(t *testing.T) {
	_, err := BuildPrompt(appCode, " ")
	require.ErrorIs(t, err, ErrEmptyInstruction)
}

func TestBuildRequest_InstructionOnly(t *testing.T) {
	req, err := BuildRequest(nil, "add a button", appCode, RequestOptions{Model: "m", MaxTokens: 100})
	require.NoError(t, err)

	require.Equal(t, "m", req.Model)
	require.Equal(t, int64(100), req.MaxTokens)
	require.Len(t, req.Turns, 1)
	require.Equal(t, RoleUser, req.Turns[0].Role)
	require.Contains(t, req.Turns[0].Content, appCode)
	require.Contains(t, req.System, "single-file React component")
}

func TestBuildRequest_ReplaysHistory(t *testing.T) {
	history := []Message{
		{Role: RoleSystem, Content: "You can instruct me to modify the React code."},
		{Role: RoleAssistant, Content: "welcome"},
		{Role: RoleUser, Content: "make it red"},
		{Role: RoleAssistant, Content: "done"},
		{Role: RoleUser, Content: ""},
		{Role: RoleAssistant, Content: "still here"},
	}

	req, err := BuildRequest(history, "add a button", appCode, RequestOptions{MaxHistory: -1})
	require.NoError(t, err)

	require.Contains(t, req.System, "You can instruct me to modify the React code.")
	require.Len(t, req.Turns, 3)
	require.Equal(t, Turn{Role: RoleUser, Content: "make it red"}, req.Turns[0])
	// Adjacent assistant messages are merged, and the leading assistant message is dropped
	require.Equal(t, Turn{Role: RoleAssistant, Content: "done\n\nstill here"}, req.Turns[1])
	require.Equal(t, RoleUser, req.Turns[2].Role)
	require.Contains(t, req.Turns[2].Content, "add a button")
}

func TestBuildRequest_HistoryLimit(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: "one"},
		{Role: RoleAssistant, Content: "two"},
		{Role: RoleUser, Content: "three"},
		{Role: RoleAssistant, Content: "four"},
	}

	req, err := BuildRequest(history, "five", appCode, RequestOptions{MaxHistory: 3})
	require.NoError(t, err)

	// The window starts at "two", which is an assistant message and gets dropped
	require.Len(t, req.Turns, 3)
	require.Equal(t, "three", req.Turns[0].Content)
	require.Equal(t, "four", req.Turns[1].Content)

	req, err = BuildRequest(history, "five", appCode, RequestOptions{MaxHistory: 0})
	require.NoError(t, err)
	require.Len(t, req.Turns, 1)
}

func TestBuildRequest_TrailingUserMessageMerged(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: "earlier"},
	}

	req, err := BuildRequest(history, "now", appCode, RequestOptions{MaxHistory: -1})
	require.NoError(t, err)
	require.Len(t, req.Turns, 1)
	require.Contains(t, req.Turns[0].Content, "earlier\n\n")
	require.Contains(t, req.Turns[0].Content, appCode)
}

func TestBuildRequest_SuppressesStaleCode(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: "make it red"},
		{Role: RoleAssistant, Content: "Red:\n---jsx\nred version\n---\nDone."},
		{Role: RoleUser, Content: "make it blue"},
		{Role: RoleAssistant, Content: "---jsx\nblue version\n---"},
		{Role: RoleUser, Content: "thanks"},
		{Role: RoleAssistant, Content: "You're welcome."},
	}

	req, err := BuildRequest(history, "add a border", appCode, RequestOptions{MaxHistory: -1})
	require.NoError(t, err)
	require.Len(t, req.Turns, 7)

	require.Equal(t, "Red:\n---jsx\n"+StaleCodePlaceholder+"\n---\nDone.", req.Turns[1].Content)
	require.Equal(t, "---jsx\nblue version\n---", req.Turns[3].Content)
	require.Equal(t, "You're welcome.", req.Turns[5].Content)

	// The caller's history is left untouched
	require.Contains(t, history[1].Content, "red version")
}

func TestReplaceCodeBlocks(t *testing.T) {
	require.Equal(t, "no code", replaceCodeBlocks("no code"))
	require.Equal(t, "a ---jsx\n"+StaleCodePlaceholder+"\n--- b ---jsx\n"+StaleCodePlaceholder+"\n--- c",
		replaceCodeBlocks("a ---jsx one --- b ---jsx two --- c"))
	require.Equal(t, "open ---jsx never closed", replaceCodeBlocks("open ---jsx never closed"))
}
