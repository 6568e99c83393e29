// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"context"
	"log"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

func GetChatMessageSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "ChatMessage",
		Description: "A single persisted message of a chat session.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "The unique ID for the conversation session.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "role",
				DataType:        []string{"text"},
				Description:     "Message author role: 'user' or 'assistant'.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The message text.",
				Tokenization: "word",
			},
			{
				Name:        "citations",
				DataType:    []string{"text"},
				Description: "JSON-encoded list of source ids cited by an assistant message.",
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds timestamp. Orders messages within a session.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func GetDocumentChunkSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "DocumentChunk",
		Description: "An embedded chunk of an ingested document.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The chunk text.",
				Tokenization: "word",
			},
			{
				Name:            "source_id",
				DataType:        []string{"text"},
				Description:     "Identifier of the parent document in the Document catalog.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "ingested_at",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) of when the chunk was ingested.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func GetDocumentSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "Document",
		Description: "Catalog entry for an ingested source document.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "source_id",
				DataType:        []string{"text"},
				Description:     "The unique ID chunks reference via their source_id property.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "title",
				DataType:     []string{"text"},
				Description:  "Human-readable document title, preferred display name.",
				Tokenization: "word",
			},
			{
				Name:            "file_name",
				DataType:        []string{"text"},
				Description:     "Original file name, display-name fallback when title is empty.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "ingested_at",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) of when the document was ingested.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func EnsureWeaviateSchema(client *weaviate.Client) {
	schemaGetters := []func() *models.Class{
		GetChatMessageSchema,
		GetDocumentChunkSchema,
		GetDocumentSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		// Check if the class already exists.
		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
		if err != nil {
			// If it doesn't exist, the client returns an error. We can now create it.
			slog.Info("Schema not found, creating it...", "class", class.Class)
			err := client.Schema().ClassCreator().WithClass(class).Do(context.Background())
			if err != nil {
				log.Fatalf("Failed to create schema for class %s: %v", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
}
