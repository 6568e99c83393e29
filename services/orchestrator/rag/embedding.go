// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rag implements the retrieval side of the chat pipeline: query
// embedding, vector search, source enrichment, context budgeting and prompt
// composition.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
)

// Embedder turns query text into a vector for nearVector search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type httpEmbedder struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPEmbedder builds an Embedder backed by the embedding sidecar service.
//
// Reads EMBEDDING_SERVICE_URL from the environment.
func NewHTTPEmbedder() (Embedder, error) {
	baseURL := os.Getenv("EMBEDDING_SERVICE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("EMBEDDING_SERVICE_URL environment variable not set")
	}
	baseURL = strings.TrimSuffix(strings.Trim(baseURL, "\"' "), "/")
	slog.Info("Initializing embedding client", "base_url", baseURL)
	return &httpEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
	}, nil
}

func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := datatypes.EmbeddingRequest{Text: text}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/embed", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding service call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("embedding service returned an error", "status_code", resp.StatusCode,
			"response", string(respBody))
		return nil, fmt.Errorf("embedding service failed with status %d", resp.StatusCode)
	}

	var embResp datatypes.EmbeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if len(embResp.Vector) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return embResp.Vector, nil
}

var _ Embedder = (*httpEmbedder)(nil)
