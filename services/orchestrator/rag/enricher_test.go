package rag

import (
	"context"
	"fmt"
	"testing"

	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCatalog resolves from a fixed map and records lookups.
type fakeCatalog struct {
	names     map[string]string
	err       error
	callCount int
	lastIDs   []string
}

func (f *fakeCatalog) ResolveDisplayNames(ctx context.Context, sourceIDs []string) (map[string]string, error) {
	f.callCount++
	f.lastIDs = sourceIDs
	if f.err != nil {
		return nil, f.err
	}
	return f.names, nil
}

func TestEnrich_EmptyInputSkipsCatalog(t *testing.T) {
	catalog := &fakeCatalog{}
	enricher := NewEnricher(catalog)

	enriched, err := enricher.Enrich(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, enriched)
	assert.Equal(t, 0, catalog.callCount)
}

func TestEnrich_BatchesDistinctSourceIDs(t *testing.T) {
	catalog := &fakeCatalog{names: map[string]string{"a": "Alpha", "b": "Beta"}}
	enricher := NewEnricher(catalog)

	candidates := []datatypes.CandidatePassage{
		{SourceID: "a", Text: "one", Score: 0.9},
		{SourceID: "b", Text: "two", Score: 0.8},
		{SourceID: "a", Text: "three", Score: 0.7},
	}
	enriched, err := enricher.Enrich(context.Background(), candidates)

	require.NoError(t, err)
	assert.Equal(t, 1, catalog.callCount)
	assert.Equal(t, []string{"a", "b"}, catalog.lastIDs)
	require.Len(t, enriched, 3)
}

func TestEnrich_DropsUnresolvableSources(t *testing.T) {
	catalog := &fakeCatalog{names: map[string]string{"a": "Alpha"}}
	enricher := NewEnricher(catalog)

	candidates := []datatypes.CandidatePassage{
		{SourceID: "a", Text: "keep one", Score: 0.9},
		{SourceID: "gone", Text: "dropped", Score: 0.8},
		{SourceID: "a", Text: "keep two", Score: 0.7},
	}
	enriched, err := enricher.Enrich(context.Background(), candidates)

	require.NoError(t, err)
	require.Len(t, enriched, 2)
	assert.Equal(t, "keep one", enriched[0].Text)
	assert.Equal(t, "keep two", enriched[1].Text)
}

func TestEnrich_PreservesOrderAndScores(t *testing.T) {
	catalog := &fakeCatalog{names: map[string]string{"a": "Alpha", "b": "Beta"}}
	enricher := NewEnricher(catalog)

	candidates := []datatypes.CandidatePassage{
		{SourceID: "b", Text: "first", Score: 0.91},
		{SourceID: "a", Text: "second", Score: 0.52},
	}
	enriched, err := enricher.Enrich(context.Background(), candidates)

	require.NoError(t, err)
	require.Len(t, enriched, 2)
	assert.Equal(t, "Beta", enriched[0].DisplayName)
	assert.Equal(t, 0.91, enriched[0].Score)
	assert.Equal(t, "Alpha", enriched[1].DisplayName)
	assert.Equal(t, 0.52, enriched[1].Score)
}

func TestEnrich_CatalogErrorPropagates(t *testing.T) {
	catalog := &fakeCatalog{err: fmt.Errorf("catalog down")}
	enricher := NewEnricher(catalog)

	_, err := enricher.Enrich(context.Background(), []datatypes.CandidatePassage{
		{SourceID: "a", Text: "one", Score: 0.9},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog down")
}
