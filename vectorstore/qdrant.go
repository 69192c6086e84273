package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/types"
)

// QdrantConfig configures the Qdrant-backed VectorStore.
//
// Point IDs are UUIDs; a stable UUID is derived from Document.ID so that
// upserting the same document replaces the previous point.
type QdrantConfig struct {
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	BaseURL    string        `json:"base_url,omitempty"`
	APIKey     string        `json:"api_key,omitempty"`
	Collection string        `json:"collection"`
	Timeout    time.Duration `json:"timeout,omitempty"`

	VectorSize        int  `json:"vector_size"`
	UseQuantization   bool `json:"use_quantization,omitempty"`
	HNSWM             int  `json:"hnsw_m,omitempty"`
	HNSWEfConstruct   int  `json:"hnsw_ef_construct,omitempty"`
	FullScanThreshold int  `json:"full_scan_threshold,omitempty"`
	OnDisk            bool `json:"on_disk,omitempty"`

	Metrics *metrics.Collector `json:"-"`
}

// payloadIndexFields are indexed as keywords for efficient filtering.
var payloadIndexFields = []string{
	"agent_id",
	"agent_type",
	"organization",
	"developer",
	"tags",
	"interaction_modes",
}

// QdrantStore implements VectorStore using Qdrant's REST API.
type QdrantStore struct {
	cfg QdrantConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Collector

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantStore creates a Qdrant-backed VectorStore.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HNSWM == 0 {
		cfg.HNSWM = 16
	}
	if cfg.HNSWEfConstruct == 0 {
		cfg.HNSWEfConstruct = 100
	}
	if cfg.FullScanThreshold == 0 {
		cfg.FullScanThreshold = 10000
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return &QdrantStore{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "qdrant_store")),
		metrics: cfg.Metrics,
	}
}

func (s *QdrantStore) recordOp(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordVectorStoreOp(operation, status, time.Since(start))
}

var qdrantNamespace = uuid.MustParse("8f1c9a2e-6b4d-4c3a-9e7f-2d5b8a1c4e6f")

// PointID derives a stable UUID point ID from a document ID.
func PointID(docID string) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(docID)).String()
}

// EnsureCollection creates the collection and its payload indexes if
// they do not exist yet. Safe to call repeatedly; only the first call
// talks to Qdrant.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Collection) == "" {
		return fmt.Errorf("qdrant collection is required")
	}
	if s.cfg.VectorSize <= 0 {
		return fmt.Errorf("qdrant vector size must be > 0")
	}

	s.ensureOnce.Do(func() {
		s.ensureErr = s.createCollection(ctx)
		if s.ensureErr != nil {
			return
		}
		s.createPayloadIndexes(ctx)
	})

	return s.ensureErr
}

func (s *QdrantStore) createCollection(ctx context.Context) error {
	vectors := map[string]any{
		"size":     s.cfg.VectorSize,
		"distance": "Cosine",
		"on_disk":  s.cfg.OnDisk,
		"hnsw_config": map[string]any{
			"m":                    s.cfg.HNSWM,
			"ef_construct":         s.cfg.HNSWEfConstruct,
			"full_scan_threshold":  s.cfg.FullScanThreshold,
			"max_indexing_threads": 4,
			"on_disk":              s.cfg.OnDisk,
		},
	}
	body := map[string]any{"vectors": vectors}
	if s.cfg.UseQuantization {
		body["quantization_config"] = map[string]any{
			"scalar": map[string]any{
				"type":       "int8",
				"quantile":   0.99,
				"always_ram": true,
			},
		}
	}

	endpoint := fmt.Sprintf("%s/collections/%s", s.baseURL, url.PathEscape(s.cfg.Collection))
	reqBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return storeUnavailable(err)
	}
	defer resp.Body.Close()

	// Qdrant returns 409 if the collection exists.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant create collection failed: status=%d body=%s", resp.StatusCode, string(raw))
	}
	return nil
}

// createPayloadIndexes is best-effort: the collection is usable without
// the indexes, filtering is just slower.
func (s *QdrantStore) createPayloadIndexes(ctx context.Context) {
	for _, field := range payloadIndexFields {
		body := map[string]any{
			"field_name":   field,
			"field_schema": "keyword",
		}
		path := fmt.Sprintf("/collections/%s/index?wait=true", url.PathEscape(s.cfg.Collection))
		if err := s.doJSON(ctx, http.MethodPut, path, body, nil); err != nil {
			s.logger.Warn("failed to create payload index",
				zap.String("field", field),
				zap.Error(err))
		}
	}
}

func (s *QdrantStore) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		// Qdrant convention.
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func storeUnavailable(err error) error {
	return types.NewError(types.ErrVectorStoreUnavailable, err.Error()).
		WithHTTPStatus(http.StatusServiceUnavailable).
		WithRetryable(true).
		WithCause(err)
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, in any, out any) error {
	endpoint := s.baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return storeUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		raw, _ := io.ReadAll(resp.Body)
		return storeUnavailable(fmt.Errorf("qdrant request failed: method=%s path=%s status=%d body=%s", method, path, resp.StatusCode, string(raw)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant request failed: method=%s path=%s status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float64      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (s *QdrantStore) Upsert(ctx context.Context, docs []Document) (err error) {
	if len(docs) == 0 {
		return nil
	}
	defer func(start time.Time) { s.recordOp("upsert", start, err) }(time.Now())
	if err := s.EnsureCollection(ctx); err != nil {
		return err
	}

	points := make([]qdrantPoint, 0, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document[%d] has empty id", i)
		}
		if s.cfg.VectorSize > 0 && len(doc.Vector) != s.cfg.VectorSize {
			return fmt.Errorf("document[%d] vector dimension mismatch: got=%d want=%d", i, len(doc.Vector), s.cfg.VectorSize)
		}
		payload := map[string]any{"doc_id": doc.ID}
		for k, v := range doc.Payload {
			payload[k] = v
		}
		points = append(points, qdrantPoint{
			ID:      PointID(doc.ID),
			Vector:  doc.Vector,
			Payload: payload,
		})
	}

	req := struct {
		Points []qdrantPoint `json:"points"`
	}{Points: points}

	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(s.cfg.Collection))
	if err = s.doJSON(ctx, http.MethodPut, path, req, nil); err != nil {
		return err
	}

	s.logger.Debug("qdrant upsert completed", zap.Int("count", len(docs)))
	return nil
}

func (s *QdrantStore) Delete(ctx context.Context, ids []string) (err error) {
	if len(ids) == 0 {
		return nil
	}
	defer func(start time.Time) { s.recordOp("delete", start, err) }(time.Now())
	pointIDs := make([]string, len(ids))
	for i, id := range ids {
		pointIDs[i] = PointID(id)
	}
	req := map[string]any{"points": pointIDs}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(s.cfg.Collection))
	err = s.doJSON(ctx, http.MethodPost, path, req, nil)
	return err
}

// DeleteByField scrolls the matching point IDs page by page, deleting
// each page before scrolling again, so matches past the first scroll
// page are not left behind. Returns how many points were removed.
func (s *QdrantStore) DeleteByField(ctx context.Context, field, value string) (total int, err error) {
	defer func(start time.Time) { s.recordOp("delete_by_field", start, err) }(time.Now())

	scrollReq := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": field, "match": map[string]any{"value": value}},
			},
		},
		"limit":        1000,
		"with_payload": false,
		"with_vector":  false,
	}
	scrollPath := fmt.Sprintf("/collections/%s/points/scroll", url.PathEscape(s.cfg.Collection))
	delPath := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(s.cfg.Collection))

	for {
		var scrollResp struct {
			Result struct {
				Points []struct {
					ID any `json:"id"`
				} `json:"points"`
			} `json:"result"`
		}
		if err = s.doJSON(ctx, http.MethodPost, scrollPath, scrollReq, &scrollResp); err != nil {
			return total, err
		}
		if len(scrollResp.Result.Points) == 0 {
			break
		}

		pointIDs := make([]any, 0, len(scrollResp.Result.Points))
		for _, p := range scrollResp.Result.Points {
			pointIDs = append(pointIDs, p.ID)
		}
		delReq := map[string]any{"points": pointIDs}
		if err = s.doJSON(ctx, http.MethodPost, delPath, delReq, nil); err != nil {
			return total, err
		}
		total += len(pointIDs)
		// Deleting the page shifts the remaining matches to the front,
		// so every scroll restarts without an offset.
	}

	if total > 0 {
		s.logger.Debug("qdrant filtered delete completed",
			zap.String("field", field),
			zap.String("value", value),
			zap.Int("count", total))
	}
	return total, nil
}

func (s *QdrantStore) Search(ctx context.Context, vector []float64, filter *Filter, limit int, scoreThreshold float64) (results []SearchResult, err error) {
	if limit <= 0 {
		return []SearchResult{}, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is required")
	}
	defer func(start time.Time) { s.recordOp("search", start, err) }(time.Now())

	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if scoreThreshold > 0 {
		req["score_threshold"] = scoreThreshold
	}
	if qf := buildQdrantFilter(filter); qf != nil {
		req["filter"] = qf
	}

	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(s.cfg.Collection))
	if err = s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		res := SearchResult{Score: r.Score, Payload: r.Payload}
		if r.Payload != nil {
			if v, ok := r.Payload["doc_id"].(string); ok {
				res.DocID = v
			}
		}
		if res.DocID == "" {
			res.DocID = fmt.Sprint(r.ID)
		}
		out = append(out, res)
	}
	return out, nil
}

func buildQdrantFilter(filter *Filter) map[string]any {
	if filter.IsEmpty() {
		return nil
	}
	must := make([]map[string]any, 0, len(filter.Must)+len(filter.Any))
	for key, value := range filter.Must {
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"value": value},
		})
	}
	for key, values := range filter.Any {
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"any": values},
		})
	}
	return map[string]any{"must": must}
}

func (s *QdrantStore) Count(ctx context.Context) (n int, err error) {
	defer func(start time.Time) { s.recordOp("count", start, err) }(time.Now())
	req := map[string]any{"exact": true}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", url.PathEscape(s.cfg.Collection))
	if err = s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// SnapshotSave creates a server-side snapshot, streams it to w, then
// deletes it from the server.
func (s *QdrantStore) SnapshotSave(ctx context.Context, w io.Writer) error {
	var createResp struct {
		Result struct {
			Name string `json:"name"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/snapshots?wait=true", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodPost, path, nil, &createResp); err != nil {
		return err
	}
	name := createResp.Result.Name
	if name == "" {
		return fmt.Errorf("qdrant snapshot create returned no name")
	}

	endpoint := fmt.Sprintf("%s/collections/%s/snapshots/%s",
		s.baseURL, url.PathEscape(s.cfg.Collection), url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return storeUnavailable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant snapshot download failed: status=%d", resp.StatusCode)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return err
	}

	// Best-effort cleanup of the server-side snapshot.
	delPath := fmt.Sprintf("/collections/%s/snapshots/%s",
		url.PathEscape(s.cfg.Collection), url.PathEscape(name))
	if err := s.doJSON(ctx, http.MethodDelete, delPath, nil, nil); err != nil {
		s.logger.Warn("failed to delete server-side snapshot",
			zap.String("snapshot", name),
			zap.Error(err))
	}
	return nil
}

// SnapshotLoad uploads a snapshot and recovers the collection from it.
func (s *QdrantStore) SnapshotLoad(ctx context.Context, r io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("snapshot", s.cfg.Collection+".snapshot")
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/collections/%s/snapshots/upload?priority=snapshot",
		s.baseURL, url.PathEscape(s.cfg.Collection))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return storeUnavailable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant snapshot upload failed: status=%d body=%s", resp.StatusCode, string(raw))
	}
	return nil
}

func (s *QdrantStore) Close() error { return nil }
