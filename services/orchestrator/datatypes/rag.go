package datatypes

// Message is a single prompt message sent to an LLM backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EmbeddingRequest is the payload sent to the embedding service.
type EmbeddingRequest struct {
	Text string `json:"text"`
}

// EmbeddingResponse is the payload returned by the embedding service.
type EmbeddingResponse struct {
	Id        string    `json:"id"`
	Timestamp int       `json:"timestamp"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Dim       int       `json:"dim"`
}

// CandidatePassage is a raw retrieval hit from the vector index.
//
// # Fields
//
//   - SourceID: Opaque identifier of the source document the passage came
//     from. Resolved to a display name by the enricher.
//   - Text: Passage text.
//   - Score: Relevance score, higher is better. Candidates arrive sorted by
//     score descending.
type CandidatePassage struct {
	SourceID string  `json:"source_id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// EnrichedPassage is a candidate passage whose source resolved to a known
// document in the catalog. Passages whose source has been deleted from the
// catalog never become EnrichedPassages.
type EnrichedPassage struct {
	SourceID    string  `json:"source_id"`
	DisplayName string  `json:"display_name"`
	Text        string  `json:"text"`
	Score       float64 `json:"score"`
}

// ContextSelection is the budgeted context handed to the prompt composer.
//
// # Fields
//
//   - Text: Rendered context. Passages are grouped into per-source blocks in
//     first-seen order; an empty selection renders as "".
//   - Citations: Distinct source ids of the documents that contributed to
//     Text, in first-inclusion order. Never nil for a non-empty Text.
type ContextSelection struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations"`
}

// Empty reports whether no passage survived budgeting.
func (s ContextSelection) Empty() bool {
	return s.Text == ""
}
