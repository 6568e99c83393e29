package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectTokens(t *testing.T, events []StreamEvent) string {
	t.Helper()
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == StreamEventToken {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func TestDecodeChatStream_ForwardsTokensUntilDone(t *testing.T) {
	body := `{"message":{"role":"assistant","content":"Hel"},"done":false}
{"message":{"role":"assistant","content":"lo"},"done":false}
{"message":{"role":"assistant","content":""},"done":true}
`
	var events []StreamEvent
	err := decodeChatStream(context.Background(), strings.NewReader(body), func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello", collectTokens(t, events))
	assert.Len(t, events, 2, "done chunk should not produce an event")
}

func TestDecodeChatStream_SkipsBlankLines(t *testing.T) {
	body := "\n{\"message\":{\"role\":\"assistant\",\"content\":\"hi\"},\"done\":false}\n\n{\"done\":true}\n"

	var events []StreamEvent
	err := decodeChatStream(context.Background(), strings.NewReader(body), func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "hi", collectTokens(t, events))
}

func TestDecodeChatStream_InBandError(t *testing.T) {
	body := `{"message":{"role":"assistant","content":"par"},"done":false}
{"error":"model exploded"}
`
	var events []StreamEvent
	err := decodeChatStream(context.Background(), strings.NewReader(body), func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")
	assert.Equal(t, "par", collectTokens(t, events))
}

func TestDecodeChatStream_CallbackErrorAborts(t *testing.T) {
	body := `{"message":{"role":"assistant","content":"a"},"done":false}
{"message":{"role":"assistant","content":"b"},"done":false}
{"done":true}
`
	calls := 0
	err := decodeChatStream(context.Background(), strings.NewReader(body), func(ev StreamEvent) error {
		calls++
		return context.Canceled
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDecodeChatStream_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body := `{"message":{"role":"assistant","content":"a"},"done":false}
{"done":true}
`
	err := decodeChatStream(ctx, strings.NewReader(body), func(ev StreamEvent) error {
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
}

func TestDecodeChatStream_TruncatedStream(t *testing.T) {
	body := `{"message":{"role":"assistant","content":"a"},"done":false}
`
	err := decodeChatStream(context.Background(), strings.NewReader(body), func(ev StreamEvent) error {
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "without done chunk")
}
