package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// ErrMixedSpaces is returned when a knowledge base holds vectors from more
// than one embedding space and cannot be published to a single collection.
var ErrMixedSpaces = errors.New("rag: knowledge base spans more than one embedding space")

// upsertBatch is the number of points sent per Qdrant upsert call.
const upsertBatch = 256

// QdrantConfig holds connection parameters for a Qdrant instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// CollectionPrefix is prepended to the creator id to name a collection
	// (default: "coachkb_creator_").
	CollectionPrefix string

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantMirror publishes finished knowledge bases to Qdrant, one collection
// per creator, so other services can query them. The local index stays the
// source of truth; the mirror is replaced wholesale on every publish.
type QdrantMirror struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration.
	cfg *QdrantConfig
}

// NewQdrantMirror creates a client for the configured Qdrant instance.
func NewQdrantMirror(cfg *QdrantConfig) (*QdrantMirror, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.CollectionPrefix == "" {
		cfg.CollectionPrefix = "coachkb_creator_"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}
	return &QdrantMirror{client: client, cfg: cfg}, nil
}

// CollectionName returns the collection used for creatorID.
func (m *QdrantMirror) CollectionName(creatorID string) string {
	return m.cfg.CollectionPrefix + creatorID
}

// Publish replaces the creator's collection with the contents of kb.
func (m *QdrantMirror) Publish(ctx context.Context, kb *KnowledgeBase) error {
	if err := kb.Validate(); err != nil {
		return err
	}
	spaces := kb.Index.Spaces()
	if len(spaces) > 1 {
		return ErrMixedSpaces
	}
	if len(spaces) == 0 {
		return nil
	}
	var space Space
	for s := range spaces {
		space = s
	}

	name := m.CollectionName(kb.CreatorID)
	if err := m.recreateCollection(ctx, name, space); err != nil {
		return err
	}

	wait := true
	for start := 0; start < kb.Len(); start += upsertBatch {
		end := min(start+upsertBatch, kb.Len())
		points := make([]*qdrant.PointStruct, 0, end-start)
		for i := start; i < end; i++ {
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDNum(uint64(i)),
				Vectors: qdrant.NewVectors(kb.Index.Row(i).Values...),
				Payload: qdrant.NewValueMap(chunkPayload(kb.Chunks[i])),
			})
		}
		_, err := m.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Wait:           &wait,
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("qdrant: upsert into %q failed: %w", name, err)
		}
	}
	return nil
}

// recreateCollection drops the collection if present and creates it for space.
func (m *QdrantMirror) recreateCollection(ctx context.Context, name string, space Space) error {
	exists, err := m.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		if err := m.client.DeleteCollection(ctx, name); err != nil {
			return fmt.Errorf("qdrant: failed to drop collection %q: %w", name, err)
		}
	}

	err = m.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(space.Dimension),
			Distance: qdrant.Distance_Dot,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", name, err)
	}
	return nil
}

// chunkPayload flattens a chunk into Qdrant payload values.
func chunkPayload(c Chunk) map[string]any {
	return map[string]any{
		"chunk_text":      c.Text,
		"chunk_type":      string(c.Type),
		"topic_tags":      strings.Join(c.TopicTags, ","),
		"chunk_index":     int64(c.Index),
		"content_quality": c.QualityOrDefault(),
		"post_id":         c.Post.PostID,
		"post_type":       c.Post.PostType,
		"post_date":       c.Post.PostDate,
		"likes":           int64(c.Post.Likes),
		"comments":        int64(c.Post.Comments),
		"hashtags":        strings.Join(c.Post.Hashtags, ","),
		"expertise_area":  c.ExpertiseArea,
	}
}

// Ping reports whether the Qdrant instance is reachable.
func (m *QdrantMirror) Ping(ctx context.Context) error {
	if _, err := m.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check failed: %w", err)
	}
	return nil
}

// Name identifies the dependency in readiness reports.
func (m *QdrantMirror) Name() string { return "qdrant" }

// Close closes the underlying Qdrant gRPC connection.
func (m *QdrantMirror) Close() error {
	return m.client.Close()
}
