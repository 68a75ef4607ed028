// Package knowledge looks up FAQ snippets relevant to a user message.
package knowledge

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
	"github.com/sashabaranov/go-openai"
)

// Snippet is one question/answer pair from the knowledge base.
type Snippet struct {
	Question string
	Answer   string
	Score    float32
}

// Searcher finds snippets for a text.
type Searcher interface {
	Search(ctx context.Context, text string, limit int) ([]Snippet, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder embeds text with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: openai.NewClient(apiKey), model: model}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding failed: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// Config holds Qdrant connection configuration.
type Config struct {
	// URL is the Qdrant gRPC address, e.g. "http://localhost:6334".
	URL        string
	Collection string
	APIKey     string
}

// QdrantSearcher searches a Qdrant collection whose points carry "question"
// and "answer" payload fields.
type QdrantSearcher struct {
	client     *qdrant.Client
	collection string
	embedder   Embedder
}

// NewQdrantSearcher connects to Qdrant.
func NewQdrantSearcher(cfg Config, embedder Embedder) (*QdrantSearcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	raw := cfg.URL
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse qdrant url: %w", err)
	}
	port := 6334
	if u.Port() != "" {
		if port, err = strconv.Atoi(u.Port()); err != nil {
			return nil, fmt.Errorf("invalid port: %w", err)
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &QdrantSearcher{client: client, collection: cfg.Collection, embedder: embedder}, nil
}

// Search implements Searcher.
func (s *QdrantSearcher) Search(ctx context.Context, text string, limit int) ([]Snippet, error) {
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	n := uint64(limit)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &n,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	out := make([]Snippet, 0, len(points))
	for _, p := range points {
		sn := Snippet{Score: p.Score}
		if v, ok := p.Payload["question"]; ok {
			sn.Question = v.GetStringValue()
		}
		if v, ok := p.Payload["answer"]; ok {
			sn.Answer = v.GetStringValue()
		}
		if sn.Question == "" && sn.Answer == "" {
			continue
		}
		out = append(out, sn)
	}
	return out, nil
}

// Close releases the gRPC connection.
func (s *QdrantSearcher) Close() error {
	return s.client.Close()
}

// Noop is a Searcher that never finds anything.
type Noop struct{}

func (Noop) Search(context.Context, string, int) ([]Snippet, error) { return nil, nil }

// FormatSection renders snippets as a prompt section. It returns "" for no
// snippets.
func FormatSection(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Knowledge (use if relevant)\n")
	for i, s := range snippets {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Q: ")
		b.WriteString(s.Question)
		b.WriteString("\nA: ")
		b.WriteString(s.Answer)
	}
	return b.String()
}
