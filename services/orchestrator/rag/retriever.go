// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("driftline.orchestrator.rag")

// DefaultTopK is the number of candidate passages fetched per query.
const DefaultTopK = 10

// Retriever fetches candidate passages for a user query.
//
// Implementations return candidates sorted by score descending. Any failure
// is returned to the caller; the exchange service decides whether the request
// degrades or aborts.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]datatypes.CandidatePassage, error)
}

type weaviateRetriever struct {
	client   *weaviate.Client
	embedder Embedder
	topK     int
}

// NewWeaviateRetriever builds a Retriever over the DocumentChunk index.
func NewWeaviateRetriever(client *weaviate.Client, embedder Embedder) Retriever {
	return &weaviateRetriever{
		client:   client,
		embedder: embedder,
		topK:     DefaultTopK,
	}
}

// weaviateChunkHit mirrors one DocumentChunk object in a GraphQL response.
type weaviateChunkHit struct {
	Content    string `json:"content"`
	SourceID   string `json:"source_id"`
	Additional struct {
		Distance float64 `json:"distance"`
	} `json:"_additional"`
}

// weaviateChunkResponse mirrors the GraphQL Get response for DocumentChunk.
type weaviateChunkResponse struct {
	Get struct {
		DocumentChunk []weaviateChunkHit `json:"DocumentChunk"`
	} `json:"Get"`
}

// Retrieve embeds the query and runs a top-K nearVector search.
//
// # Description
//
// Two-stage lookup: the query text is embedded by the embedding service, then
// the vector is matched against the DocumentChunk class. Hits are converted
// to CandidatePassages with score 1-distance so that higher means closer.
//
// # Outputs
//
//   - []datatypes.CandidatePassage: Up to topK candidates, best first. May be
//     empty when the index has no data.
//   - error: Non-nil if embedding or the search failed.
func (r *weaviateRetriever) Retrieve(ctx context.Context, query string) ([]datatypes.CandidatePassage, error) {
	ctx, span := tracer.Start(ctx, "weaviateRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.top_k", r.topK))

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embed query: %w", err)
	}

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source_id"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}
	nearVector := r.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	result, err := r.client.GraphQL().Get().
		WithClassName("DocumentChunk").
		WithNearVector(nearVector).
		WithLimit(r.topK).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query document chunks: %w", err)
	}

	// Marshal to JSON and unmarshal to typed struct for compile-time safety
	jsonBytes, err := json.Marshal(result.Data)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("marshal weaviate response: %w", err)
	}
	var typedResponse weaviateChunkResponse
	if err := json.Unmarshal(jsonBytes, &typedResponse); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("unmarshal weaviate response: %w", err)
	}

	candidates := make([]datatypes.CandidatePassage, 0, len(typedResponse.Get.DocumentChunk))
	for _, hit := range typedResponse.Get.DocumentChunk {
		if hit.Content == "" || hit.SourceID == "" {
			continue
		}
		candidates = append(candidates, datatypes.CandidatePassage{
			SourceID: hit.SourceID,
			Text:     hit.Content,
			Score:    1 - hit.Additional.Distance,
		})
	}

	span.SetAttributes(attribute.Int("retrieval.candidates", len(candidates)))
	slog.Debug("retrieved candidate passages", "count", len(candidates))
	return candidates, nil
}

var _ Retriever = (*weaviateRetriever)(nil)
