// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/driftline-ai/driftline/services/llm"
	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
	"github.com/driftline-ai/driftline/services/orchestrator/handlers"
	"github.com/driftline-ai/driftline/services/orchestrator/history"
	"github.com/driftline-ai/driftline/services/orchestrator/observability"
	"github.com/driftline-ai/driftline/services/orchestrator/rag"
	"github.com/driftline-ai/driftline/services/orchestrator/routes"
	"github.com/driftline-ai/driftline/services/orchestrator/services"
	"github.com/driftline-ai/driftline/services/policy_engine"
	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "driftline-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("orchestrator-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// connectWeaviate builds the Weaviate client from WEAVIATE_SERVICE_URL.
//
// Chat history lives in Weaviate, so unlike the retrieval path there is no
// degraded mode without it. A missing or malformed URL is fatal.
func connectWeaviate() *weaviate.Client {
	weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL")
	// Sanitize: Trim quotes and whitespace just in case Podman passes them literally
	weaviateURL = strings.Trim(weaviateURL, "\"' ")
	if weaviateURL == "" {
		log.Fatalf("WEAVIATE_SERVICE_URL is not set")
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		log.Fatalf("WEAVIATE_SERVICE_URL is invalid: %q (%v)", weaviateURL, err)
	}

	clientConf := weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	}
	weaviateClient, err := weaviate.NewClient(clientConf)
	if err != nil {
		log.Fatalf("Failed to create Weaviate client: %v", err)
	}
	datatypes.EnsureWeaviateSchema(weaviateClient)
	return weaviateClient
}

func main() {
	port := os.Getenv("ORCHESTRATOR_PORT")
	if port == "" {
		port = "12210"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	weaviateClient := connectWeaviate()

	policyEngine, err := policy_engine.NewPolicyEngine()
	if err != nil {
		log.Fatalf("FATAL: Could not initialize the Policy Engine %v", err)
	}

	log.Println("Configuring the LLM Client")
	var llmClient llm.LLMClient
	llmBackendType := os.Getenv("LLM_BACKEND_TYPE")

	switch llmBackendType {
	case "openai":
		llmClient, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI LLM backend")
	case "ollama", "":
		llmClient, err = llm.NewOllamaClient()
		slog.Info("Using Ollama LLM backend")
	default:
		slog.Warn("LLM_BACKEND_TYPE not recognized, defaulting to ollama",
			"backend", llmBackendType)
		llmClient, err = llm.NewOllamaClient()
	}
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	// The retrieval side is optional: without an embedding service the chat
	// endpoint still works, it just answers from history alone.
	var retriever rag.Retriever
	var enricher *rag.Enricher
	embedder, err := rag.NewHTTPEmbedder()
	if err != nil {
		slog.Warn("embedding service unavailable, retrieval disabled", "error", err)
	} else {
		retriever = rag.NewWeaviateRetriever(weaviateClient, embedder)
		enricher = rag.NewEnricher(rag.NewWeaviateCatalog(weaviateClient))
	}

	store := history.NewWeaviateStore(weaviateClient)
	exchange := services.NewExchangeService(retriever, enricher, store, llmClient)
	chatHandler := handlers.NewStreamingChatHandler(exchange, policyEngine)

	router := gin.Default()
	router.Use(otelgin.Middleware("orchestrator-service"))

	routes.SetupRoutes(router, store, chatHandler)
	log.Println("started up the container")

	log.Println("Starting the orchestrator server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
