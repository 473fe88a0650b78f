package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
)

// payloadIDKey carries the caller's string ID inside the Qdrant
// payload. Qdrant point IDs must be integers or UUIDs, so the caller
// ID is mapped to a deterministic UUID and kept in the payload for
// round-tripping.
const payloadIDKey = "_id"

// QdrantStore talks to a Qdrant instance over its REST API.
type QdrantStore struct {
	baseURL string
	client  *http.Client
}

// NewQdrantStore creates a Qdrant-backed store. The URL is typically
// http://localhost:6333.
func NewQdrantStore(baseURL string) *QdrantStore {
	return &QdrantStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// pointID maps an arbitrary string ID onto a valid Qdrant UUID point
// ID. SHA1-based UUIDs are deterministic, so upserting the same ID
// replaces the existing point.
func pointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

// EnsureCollection creates the collection with cosine distance if it
// does not exist.
func (s *QdrantStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	var exists struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodGet, "/collections/"+collection+"/exists", nil, &exists); err != nil {
		return err
	}
	if exists.Result.Exists {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	if err := s.do(ctx, http.MethodPut, "/collections/"+collection, body, nil); err != nil {
		return err
	}
	logger.Infow("created qdrant collection", "collection", collection, "dimension", dimension)
	return nil
}

// Upsert inserts or replaces points.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]map[string]any, 0, len(points))
	for _, p := range points {
		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		payload[payloadIDKey] = p.ID

		qdrantPoints = append(qdrantPoints, map[string]any{
			"id":      pointID(p.ID),
			"vector":  p.Vector,
			"payload": payload,
		})
	}

	body := map[string]any{"points": qdrantPoints}
	return s.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
}

type qdrantSearchResponse struct {
	Result []struct {
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

// Search runs a similarity query.
func (s *QdrantStore) Search(ctx context.Context, collection string, q Query) ([]ScoredPoint, error) {
	body := map[string]any{
		"vector":       q.Vector,
		"limit":        q.TopK,
		"with_payload": true,
	}
	if q.MinScore > 0 {
		body["score_threshold"] = q.MinScore
	}
	if len(q.Filter) > 0 {
		must := make([]map[string]any, 0, len(q.Filter))
		for k, v := range q.Filter {
			must = append(must, map[string]any{
				"key":   k,
				"match": map[string]any{"value": v},
			})
		}
		body["filter"] = map[string]any{"must": must}
	}

	var resp qdrantSearchResponse
	if err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &resp); err != nil {
		return nil, err
	}

	hits := make([]ScoredPoint, 0, len(resp.Result))
	for _, r := range resp.Result {
		id, _ := r.Payload[payloadIDKey].(string)
		payload := make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			if k == payloadIDKey {
				continue
			}
			payload[k] = v
		}
		hits = append(hits, ScoredPoint{
			Point: Point{ID: id, Payload: payload},
			Score: r.Score,
		})
	}
	return hits, nil
}

// Delete removes points by ID.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	qdrantIDs := make([]string, len(ids))
	for i, id := range ids {
		qdrantIDs[i] = pointID(id)
	}
	body := map[string]any{"points": qdrantIDs}
	return s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil)
}

// Count returns the number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context, collection string) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/count", map[string]any{}, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// Close releases resources.
func (*QdrantStore) Close() error {
	return nil
}

func (s *QdrantStore) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: failed to marshal request: %w", metamcp.ErrVectorStore, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %w", metamcp.ErrVectorStore, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: qdrant request failed: %w", metamcp.ErrVectorStore, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: qdrant returned status %d for %s %s: %s",
			metamcp.ErrVectorStore, resp.StatusCode, method, path, string(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: failed to decode qdrant response: %w", metamcp.ErrVectorStore, err)
		}
	}
	return nil
}
