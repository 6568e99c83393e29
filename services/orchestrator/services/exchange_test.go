package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/driftline-ai/driftline/services/llm"
	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
	"github.com/driftline-ai/driftline/services/orchestrator/rag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mocks
// =============================================================================

// memoryStore is an in-memory history.Store.
type memoryStore struct {
	messages  []datatypes.StoredMessage
	appendErr error
	recentErr error
	nextID    int
}

func (m *memoryStore) Append(ctx context.Context, sessionID, role, content string,
	citations []string) (*datatypes.StoredMessage, error) {
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	if citations == nil {
		citations = []string{}
	}
	m.nextID++
	msg := datatypes.StoredMessage{
		ID:        fmt.Sprintf("msg-%d", m.nextID),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Citations: citations,
		CreatedAt: int64(m.nextID),
	}
	m.messages = append(m.messages, msg)
	return &msg, nil
}

func (m *memoryStore) RecentMessages(ctx context.Context, sessionID string,
	limit int) ([]datatypes.StoredMessage, error) {
	if m.recentErr != nil {
		return nil, m.recentErr
	}
	var out []datatypes.StoredMessage
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memoryStore) ListSessions(ctx context.Context) ([]datatypes.SessionSummary, error) {
	return nil, nil
}

func (m *memoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	return nil
}

func (m *memoryStore) byRole(role string) []datatypes.StoredMessage {
	var out []datatypes.StoredMessage
	for _, msg := range m.messages {
		if msg.Role == role {
			out = append(out, msg)
		}
	}
	return out
}

// stubRetriever returns fixed candidates or an error.
type stubRetriever struct {
	candidates []datatypes.CandidatePassage
	err        error
}

func (r *stubRetriever) Retrieve(ctx context.Context, query string) ([]datatypes.CandidatePassage, error) {
	return r.candidates, r.err
}

// stubCatalog resolves every id to "Report".
type stubCatalog struct{}

func (stubCatalog) ResolveDisplayNames(ctx context.Context, sourceIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(sourceIDs))
	for _, id := range sourceIDs {
		names[id] = "Report"
	}
	return names, nil
}

// streamingMockLLMClient emits StreamTokens then StreamError (if set).
type streamingMockLLMClient struct {
	StreamTokens        []string
	StreamError         error
	CancelAfter         int // if > 0, cancel attached context after N tokens
	cancel              context.CancelFunc
	ChatStreamCallCount int
	LastMessages        []datatypes.Message
}

func (m *streamingMockLLMClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams, callback llm.StreamCallback) error {

	m.ChatStreamCallCount++
	m.LastMessages = messages
	for i, token := range m.StreamTokens {
		if m.CancelAfter > 0 && i == m.CancelAfter {
			m.cancel()
		}
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: token}); err != nil {
			return err
		}
	}
	return m.StreamError
}

// recordingSink records every sink call.
type recordingSink struct {
	openErr    error
	opened     bool
	tokens     []string
	doneCalls  int
	citations  []string
	failCalls  int
	failReason string
}

func (s *recordingSink) Open() error {
	if s.openErr != nil {
		return s.openErr
	}
	s.opened = true
	return nil
}

func (s *recordingSink) Token(content string) error {
	s.tokens = append(s.tokens, content)
	return nil
}

func (s *recordingSink) Done(citations []string) error {
	s.doneCalls++
	s.citations = citations
	return nil
}

func (s *recordingSink) Fail(message string) error {
	s.failCalls++
	s.failReason = message
	return nil
}

// =============================================================================
// Tests
// =============================================================================

func newTestService(t *testing.T, store *memoryStore, retriever rag.Retriever,
	client llm.LLMClient) *ExchangeService {
	t.Helper()
	return NewExchangeService(retriever, rag.NewEnricher(stubCatalog{}), store, client)
}

func request(message string) *datatypes.ChatStreamRequest {
	return &datatypes.ChatStreamRequest{Message: message, SessionID: "sess-1"}
}

func TestProcess_HappyPathStreamsAndPersistsBothSides(t *testing.T) {
	store := &memoryStore{}
	retriever := &stubRetriever{candidates: []datatypes.CandidatePassage{
		{SourceID: "doc-1", Text: "Revenue grew 12% in Q3.", Score: 0.9},
	}}
	mockLLM := &streamingMockLLMClient{StreamTokens: []string{"It ", "grew ", "12%."}}
	sink := &recordingSink{}
	svc := newTestService(t, store, retriever, mockLLM)

	result, err := svc.Process(context.Background(), request("How did revenue do?"), sink)

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, "It grew 12%.", result.Answer)
	assert.Equal(t, 3, result.TokenCount)

	assert.True(t, sink.opened)
	assert.Equal(t, []string{"It ", "grew ", "12%."}, sink.tokens)
	assert.Equal(t, 1, sink.doneCalls)
	// Citations carry source ids, not the "Report" display name.
	assert.Equal(t, []string{"doc-1"}, sink.citations)
	assert.Equal(t, 0, sink.failCalls)

	users := store.byRole(datatypes.RoleUser)
	assistants := store.byRole(datatypes.RoleAssistant)
	require.Len(t, users, 1)
	require.Len(t, assistants, 1)
	assert.Equal(t, "It grew 12%.", assistants[0].Content)
	assert.Equal(t, []string{"doc-1"}, assistants[0].Citations)
}

func TestProcess_PromptContainsContextBlock(t *testing.T) {
	store := &memoryStore{}
	retriever := &stubRetriever{candidates: []datatypes.CandidatePassage{
		{SourceID: "doc-1", Text: "Revenue grew 12% in Q3.", Score: 0.9},
	}}
	mockLLM := &streamingMockLLMClient{StreamTokens: []string{"ok"}}
	svc := newTestService(t, store, retriever, mockLLM)

	_, err := svc.Process(context.Background(), request("How did revenue do?"), &recordingSink{})

	require.NoError(t, err)
	require.GreaterOrEqual(t, len(mockLLM.LastMessages), 3)
	assert.Contains(t, mockLLM.LastMessages[1].Content, "--- File: \"Report\" ---")
	last := mockLLM.LastMessages[len(mockLLM.LastMessages)-1]
	assert.Equal(t, datatypes.RoleUser, last.Role)
	assert.Equal(t, "How did revenue do?", last.Content)
}

func TestProcess_BlankMessageRejectedBeforePersist(t *testing.T) {
	store := &memoryStore{}
	sink := &recordingSink{}
	svc := newTestService(t, store, &stubRetriever{}, &streamingMockLLMClient{})

	result, err := svc.Process(context.Background(), request("   \n\t"), sink)

	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Nil(t, result)
	assert.False(t, sink.opened)
	assert.Empty(t, store.messages)
}

func TestProcess_UserPersistFailureAbortsBeforeOpen(t *testing.T) {
	store := &memoryStore{appendErr: fmt.Errorf("weaviate down")}
	sink := &recordingSink{}
	svc := newTestService(t, store, &stubRetriever{}, &streamingMockLLMClient{})

	result, err := svc.Process(context.Background(), request("hello"), sink)

	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
	assert.Nil(t, result)
	assert.False(t, sink.opened)
}

func TestProcess_RetrievalFailureDegradesToContextFree(t *testing.T) {
	store := &memoryStore{}
	retriever := &stubRetriever{err: fmt.Errorf("vector index unavailable")}
	mockLLM := &streamingMockLLMClient{StreamTokens: []string{"hi"}}
	sink := &recordingSink{}
	svc := newTestService(t, store, retriever, mockLLM)

	result, err := svc.Process(context.Background(), request("hello"), sink)

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 1, sink.doneCalls)
	assert.Equal(t, []string{}, sink.citations)

	// No context system message: instruction then user only.
	require.Len(t, mockLLM.LastMessages, 2)
	assert.Equal(t, datatypes.RoleSystem, mockLLM.LastMessages[0].Role)
	assert.Equal(t, datatypes.RoleUser, mockLLM.LastMessages[1].Role)
}

func TestProcess_GenerationFailurePushesErrorMarkerAndPersistsPartial(t *testing.T) {
	store := &memoryStore{}
	mockLLM := &streamingMockLLMClient{
		StreamTokens: []string{"partial "},
		StreamError:  fmt.Errorf("backend exploded"),
	}
	sink := &recordingSink{}
	svc := newTestService(t, store, &stubRetriever{}, mockLLM)

	result, err := svc.Process(context.Background(), request("hello"), sink)

	require.NoError(t, err)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 0, sink.doneCalls)
	assert.Equal(t, 1, sink.failCalls)
	assert.NotContains(t, sink.failReason, "exploded", "internal detail must not cross the wire")

	assistants := store.byRole(datatypes.RoleAssistant)
	require.Len(t, assistants, 1)
	assert.Equal(t, "partial ", assistants[0].Content)
}

func TestProcess_GenerationFailureWithNoTokensPersistsNoAssistant(t *testing.T) {
	store := &memoryStore{}
	mockLLM := &streamingMockLLMClient{StreamError: fmt.Errorf("backend exploded")}
	sink := &recordingSink{}
	svc := newTestService(t, store, &stubRetriever{}, mockLLM)

	result, err := svc.Process(context.Background(), request("hello"), sink)

	require.NoError(t, err)
	assert.Equal(t, StateFailed, result.State)
	assert.Empty(t, store.byRole(datatypes.RoleAssistant))
	assert.Len(t, store.byRole(datatypes.RoleUser), 1)
}

func TestProcess_CancellationPersistsPartialWithoutTerminalEvent(t *testing.T) {
	store := &memoryStore{}
	ctx, cancel := context.WithCancel(context.Background())
	mockLLM := &streamingMockLLMClient{
		StreamTokens: []string{"one ", "two ", "never"},
		CancelAfter:  2,
		cancel:       cancel,
	}
	sink := &recordingSink{}
	svc := newTestService(t, store, &stubRetriever{}, mockLLM)

	result, err := svc.Process(ctx, request("hello"), sink)

	require.NoError(t, err)
	assert.Equal(t, StateCanceled, result.State)
	assert.Equal(t, []string{"one ", "two "}, sink.tokens)
	assert.Equal(t, 0, sink.doneCalls, "no done marker after cancellation")
	assert.Equal(t, 0, sink.failCalls, "cancellation is not an error")

	assistants := store.byRole(datatypes.RoleAssistant)
	require.Len(t, assistants, 1)
	assert.Equal(t, "one two ", assistants[0].Content)
}

func TestProcess_SinkOpenFailureReturnsError(t *testing.T) {
	store := &memoryStore{}
	sink := &recordingSink{openErr: fmt.Errorf("flusher unsupported")}
	svc := newTestService(t, store, &stubRetriever{}, &streamingMockLLMClient{})

	result, err := svc.Process(context.Background(), request("hello"), sink)

	require.Error(t, err)
	assert.Nil(t, result)
	// The user message was already persisted by then.
	assert.Len(t, store.byRole(datatypes.RoleUser), 1)
	assert.Empty(t, store.byRole(datatypes.RoleAssistant))
}

func TestProcess_HistoryExcludesJustPersistedUserMessage(t *testing.T) {
	store := &memoryStore{}
	mockLLM := &streamingMockLLMClient{StreamTokens: []string{"first answer"}}
	svc := newTestService(t, store, &stubRetriever{}, mockLLM)

	_, err := svc.Process(context.Background(), request("first question"), &recordingSink{})
	require.NoError(t, err)

	mockLLM.StreamTokens = []string{"second answer"}
	_, err = svc.Process(context.Background(), request("second question"), &recordingSink{})
	require.NoError(t, err)

	// Second prompt: instruction, first Q, first A, second Q.
	require.Len(t, mockLLM.LastMessages, 4)
	assert.Equal(t, "first question", mockLLM.LastMessages[1].Content)
	assert.Equal(t, "first answer", mockLLM.LastMessages[2].Content)
	assert.Equal(t, "second question", mockLLM.LastMessages[3].Content)
}

func TestNewExchangeService_PanicsOnMissingDeps(t *testing.T) {
	assert.Panics(t, func() {
		NewExchangeService(nil, nil, nil, &streamingMockLLMClient{})
	})
	assert.Panics(t, func() {
		NewExchangeService(nil, nil, &memoryStore{}, nil)
	})
}
