package rag

import (
	"testing"

	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stored(role, content string) datatypes.StoredMessage {
	return datatypes.StoredMessage{Role: role, Content: content}
}

func TestComposePrompt_NoContextNoHistory(t *testing.T) {
	messages := ComposePrompt(datatypes.ContextSelection{}, nil, "hello")

	require.Len(t, messages, 2)
	assert.Equal(t, datatypes.RoleSystem, messages[0].Role)
	assert.Equal(t, SystemInstruction, messages[0].Content)
	assert.Equal(t, datatypes.RoleUser, messages[1].Role)
	assert.Equal(t, "hello", messages[1].Content)
}

func TestComposePrompt_ContextMessageCarriesLeadIn(t *testing.T) {
	selection := datatypes.ContextSelection{
		Text:      "--- File: \"Report\" ---\nsome facts",
		Citations: []string{"Report"},
	}
	messages := ComposePrompt(selection, nil, "what do the facts say?")

	require.Len(t, messages, 3)
	assert.Equal(t, datatypes.RoleSystem, messages[1].Role)
	assert.Equal(t, ContextLeadIn+"\n\n"+selection.Text, messages[1].Content)
}

func TestComposePrompt_UserMessageAlwaysLast(t *testing.T) {
	history := []datatypes.StoredMessage{
		stored(datatypes.RoleUser, "earlier question"),
		stored(datatypes.RoleAssistant, "earlier answer"),
	}
	messages := ComposePrompt(datatypes.ContextSelection{}, history, "new question")

	require.Len(t, messages, 4)
	assert.Equal(t, "earlier question", messages[1].Content)
	assert.Equal(t, "earlier answer", messages[2].Content)
	last := messages[len(messages)-1]
	assert.Equal(t, datatypes.RoleUser, last.Role)
	assert.Equal(t, "new question", last.Content)
}

func TestComposePrompt_ExcludesJustPersistedDuplicate(t *testing.T) {
	// The current message is persisted before history is loaded, so it shows
	// up as the trailing history entry and must not appear twice.
	history := []datatypes.StoredMessage{
		stored(datatypes.RoleUser, "earlier question"),
		stored(datatypes.RoleAssistant, "earlier answer"),
		stored(datatypes.RoleUser, "new question"),
	}
	messages := ComposePrompt(datatypes.ContextSelection{}, history, "new question")

	require.Len(t, messages, 4)
	count := 0
	for _, m := range messages {
		if m.Role == datatypes.RoleUser && m.Content == "new question" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestComposePrompt_KeepsTrailingUserWithDifferentContent(t *testing.T) {
	history := []datatypes.StoredMessage{
		stored(datatypes.RoleUser, "unanswered earlier question"),
	}
	messages := ComposePrompt(datatypes.ContextSelection{}, history, "new question")

	require.Len(t, messages, 3)
	assert.Equal(t, "unanswered earlier question", messages[1].Content)
	assert.Equal(t, "new question", messages[2].Content)
}

func TestComposePrompt_KeepsTrailingAssistantMessage(t *testing.T) {
	history := []datatypes.StoredMessage{
		stored(datatypes.RoleAssistant, "new question"),
	}
	messages := ComposePrompt(datatypes.ContextSelection{}, history, "new question")

	require.Len(t, messages, 3)
	assert.Equal(t, datatypes.RoleAssistant, messages[1].Role)
}
