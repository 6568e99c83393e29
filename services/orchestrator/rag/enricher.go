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
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SourceCatalog resolves opaque source ids to display names.
//
// The returned map contains only the ids that resolved; ids missing from the
// map refer to documents that no longer exist in the catalog.
type SourceCatalog interface {
	ResolveDisplayNames(ctx context.Context, sourceIDs []string) (map[string]string, error)
}

// Enricher attaches display names to candidate passages.
type Enricher struct {
	catalog SourceCatalog
}

func NewEnricher(catalog SourceCatalog) *Enricher {
	return &Enricher{catalog: catalog}
}

// Enrich resolves display names for a batch of candidates.
//
// # Description
//
// Collects the distinct source ids of the candidates, resolves them against
// the catalog in a single batched lookup, and returns the candidates whose
// source still exists, in their original order and with scores untouched.
// Candidates whose source is gone are dropped. An empty candidate set
// short-circuits without touching the catalog.
//
// # Outputs
//
//   - []datatypes.EnrichedPassage: Surviving passages, input order preserved.
//   - error: Non-nil only if the catalog lookup itself failed.
func (e *Enricher) Enrich(ctx context.Context, candidates []datatypes.CandidatePassage) ([]datatypes.EnrichedPassage, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "Enricher.Enrich")
	defer span.End()
	span.SetAttributes(attribute.Int("enrich.candidates", len(candidates)))

	seen := make(map[string]bool, len(candidates))
	sourceIDs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if !seen[c.SourceID] {
			seen[c.SourceID] = true
			sourceIDs = append(sourceIDs, c.SourceID)
		}
	}

	names, err := e.catalog.ResolveDisplayNames(ctx, sourceIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("resolve display names: %w", err)
	}

	enriched := make([]datatypes.EnrichedPassage, 0, len(candidates))
	dropped := 0
	for _, c := range candidates {
		name, ok := names[c.SourceID]
		if !ok {
			dropped++
			continue
		}
		enriched = append(enriched, datatypes.EnrichedPassage{
			SourceID:    c.SourceID,
			DisplayName: name,
			Text:        c.Text,
			Score:       c.Score,
		})
	}
	if dropped > 0 {
		slog.Debug("dropped passages with unresolvable sources", "dropped", dropped)
	}

	span.SetAttributes(attribute.Int("enrich.kept", len(enriched)))
	return enriched, nil
}

// =============================================================================
// Weaviate Catalog
// =============================================================================

type weaviateCatalog struct {
	client *weaviate.Client
}

// NewWeaviateCatalog builds a SourceCatalog over the Document class.
func NewWeaviateCatalog(client *weaviate.Client) SourceCatalog {
	return &weaviateCatalog{client: client}
}

type weaviateDocumentEntry struct {
	SourceID string `json:"source_id"`
	Title    string `json:"title"`
	FileName string `json:"file_name"`
}

type weaviateDocumentResponse struct {
	Get struct {
		Document []weaviateDocumentEntry `json:"Document"`
	} `json:"Get"`
}

// ResolveDisplayNames fetches catalog entries for the given ids in one query.
//
// The display name is the document title, falling back to the file name.
// Entries with neither are treated as unresolved.
func (c *weaviateCatalog) ResolveDisplayNames(ctx context.Context, sourceIDs []string) (map[string]string, error) {
	if len(sourceIDs) == 0 {
		return map[string]string{}, nil
	}

	ctx, span := tracer.Start(ctx, "weaviateCatalog.ResolveDisplayNames")
	defer span.End()
	span.SetAttributes(attribute.Int("catalog.requested", len(sourceIDs)))

	fields := []graphql.Field{
		{Name: "source_id"},
		{Name: "title"},
		{Name: "file_name"},
	}
	whereFilter := filters.Where().
		WithPath([]string{"source_id"}).
		WithOperator(filters.ContainsAny).
		WithValueString(sourceIDs...)

	result, err := c.client.GraphQL().Get().
		WithClassName("Document").
		WithWhere(whereFilter).
		WithLimit(len(sourceIDs)).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query document catalog: %w", err)
	}

	jsonBytes, err := json.Marshal(result.Data)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("marshal weaviate response: %w", err)
	}
	var typedResponse weaviateDocumentResponse
	if err := json.Unmarshal(jsonBytes, &typedResponse); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("unmarshal weaviate response: %w", err)
	}

	names := make(map[string]string, len(typedResponse.Get.Document))
	for _, doc := range typedResponse.Get.Document {
		name := doc.Title
		if name == "" {
			name = doc.FileName
		}
		if doc.SourceID == "" || name == "" {
			continue
		}
		names[doc.SourceID] = name
	}

	span.SetAttributes(attribute.Int("catalog.resolved", len(names)))
	return names, nil
}

var _ SourceCatalog = (*weaviateCatalog)(nil)
