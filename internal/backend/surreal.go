package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pvavrin/facelens/internal/config"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

// jobTerminalGuard keeps UPDATE statements from touching terminal records.
const jobTerminalGuard = "status NOT IN ['completed', 'failed', 'canceled']"

const searchTerminalGuard = "status NOT IN ['complete', 'error']"

// Surreal implements Backend over SurrealDB. Live queries provide the
// push-based change notification for subscriptions.
type Surreal struct {
	conn *rews.Connection[*gorillaws.Connection]
	db   *surrealdb.DB
	log  *slog.Logger
}

// NewSurreal connects with an auto-reconnecting WebSocket and initializes
// the schema.
func NewSurreal(ctx context.Context, cfg config.SurrealConfig, log *slog.Logger) (*Surreal, error) {
	if log == nil {
		log = slog.Default()
	}
	sdkLogger := logger.New(log.Handler())

	// surrealcbor handles SurrealDB custom CBOR tags (record ids, datetimes).
	codec := surrealcbor.New()

	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")
	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)

	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("from connection: %w", err)
	}

	if _, err := db.SignIn(ctx, surrealdb.Auth{
		Username: cfg.Username,
		Password: cfg.Password,
	}); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("signin: %w", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use: %w", err)
	}

	if _, err := surrealdb.Query[any](ctx, db, SchemaSQL, nil); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Surreal{conn: conn, db: db, log: log}, nil
}

// Close closes the database connection.
func (s *Surreal) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

func (s *Surreal) CreateIngestJob(ctx context.Context, job *IngestJob) error {
	_, err := surrealdb.Query[any](ctx, s.db, `
		CREATE type::record("ingest_job", $id) CONTENT {
			collectionId: $collectionId,
			fileKey: $fileKey,
			filename: $filename,
			status: $status,
			processedImages: $processedImages,
			createdAt: $createdAt
		}
	`, map[string]any{
		"id":              job.ID,
		"collectionId":    job.CollectionID,
		"fileKey":         job.FileKey,
		"filename":        job.Filename,
		"status":          string(job.Status),
		"processedImages": job.ProcessedImages,
		"createdAt":       job.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("create ingest job: %w", err)
	}
	return nil
}

func (s *Surreal) GetIngestJob(ctx context.Context, id string) (*IngestJob, error) {
	return queryOne[IngestJob](ctx, s.db, `
		SELECT record::id(id) AS id, * OMIT id FROM type::record("ingest_job", $id)
	`, map[string]any{"id": id})
}

func (s *Surreal) UpdateIngestJob(ctx context.Context, id string, update JobUpdate) (*IngestJob, error) {
	sets, vars := buildSets(map[string]any{
		"status":          stringPtrValue((*string)(update.Status)),
		"totalImages":     intPtrValue(update.TotalImages),
		"processedImages": intPtrValue(update.ProcessedImages),
		"error":           stringPtrValue(update.Error),
		"workHandle":      stringPtrValue(update.WorkHandle),
		"startedAt":       timePtrValue(update.StartedAt),
		"finishedAt":      timePtrValue(update.FinishedAt),
	})
	vars["id"] = id

	if len(sets) > 0 {
		sql := fmt.Sprintf(`
			UPDATE type::record("ingest_job", $id) SET %s WHERE %s
		`, strings.Join(sets, ", "), jobTerminalGuard)
		if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
			return nil, fmt.Errorf("update ingest job: %w", err)
		}
	}
	// Read back: the guard may have skipped the write on a terminal record.
	return s.GetIngestJob(ctx, id)
}

func (s *Surreal) CreateSearchRequest(ctx context.Context, req *SearchRequest) error {
	vars := map[string]any{
		"id":           req.ID,
		"collectionId": req.CollectionID,
		"status":       string(req.Status),
		"imagesFound":  emptyIfNil(req.ImagesFound),
		"createdAt":    req.CreatedAt,
	}
	channel := ""
	if req.ExternalChannelRef != "" {
		channel = ", externalChannelRef: $channel"
		vars["channel"] = req.ExternalChannelRef
	}
	sql := fmt.Sprintf(`
		CREATE type::record("search_request", $id) CONTENT {
			collectionId: $collectionId,
			status: $status,
			imagesFound: $imagesFound,
			createdAt: $createdAt%s
		}
	`, channel)
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("create search request: %w", err)
	}
	return nil
}

func (s *Surreal) GetSearchRequest(ctx context.Context, id string) (*SearchRequest, error) {
	return queryOne[SearchRequest](ctx, s.db, `
		SELECT record::id(id) AS id, * OMIT id FROM type::record("search_request", $id)
	`, map[string]any{"id": id})
}

func (s *Surreal) UpdateSearchRequest(ctx context.Context, id string, update SearchUpdate) (*SearchRequest, error) {
	values := map[string]any{
		"status":          stringPtrValue((*string)(update.Status)),
		"totalImages":     intPtrValue(update.TotalImages),
		"processedImages": intPtrValue(update.ProcessedImages),
		"error":           stringPtrValue(update.Error),
	}
	if update.ImagesFound != nil {
		values["imagesFound"] = emptyIfNil(*update.ImagesFound)
	}
	sets, vars := buildSets(values)
	vars["id"] = id

	if len(sets) > 0 {
		sql := fmt.Sprintf(`
			UPDATE type::record("search_request", $id) SET %s WHERE %s
		`, strings.Join(sets, ", "), searchTerminalGuard)
		if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
			return nil, fmt.Errorf("update search request: %w", err)
		}
	}
	return s.GetSearchRequest(ctx, id)
}

func (s *Surreal) GetCollection(ctx context.Context, id string) (*Collection, error) {
	return queryOne[Collection](ctx, s.db, `
		SELECT record::id(id) AS id, * OMIT id FROM type::record("collection", $id)
	`, map[string]any{"id": id})
}

func (s *Surreal) UpdateCollection(ctx context.Context, id string, update CollectionUpdate) error {
	values := map[string]any{
		"status":      stringPtrValue(update.Status),
		"imagesCount": intPtrValue(update.ImagesCount),
	}
	if update.PreviewImages != nil {
		values["previewImages"] = emptyIfNil(*update.PreviewImages)
	}
	sets, vars := buildSets(values)
	if len(sets) == 0 {
		return nil
	}
	vars["id"] = id

	sql := fmt.Sprintf(`UPDATE type::record("collection", $id) SET %s`, strings.Join(sets, ", "))
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("update collection: %w", err)
	}
	return nil
}

func (s *Surreal) SubscribeSearchRequest(ctx context.Context, id string) (<-chan SearchRequest, func(), error) {
	if _, err := s.GetSearchRequest(ctx, id); err != nil {
		return nil, nil, err
	}
	return subscribeLive[SearchRequest](ctx, s, "search_request", id)
}

func (s *Surreal) SubscribeIngestJob(ctx context.Context, id string) (<-chan IngestJob, func(), error) {
	if _, err := s.GetIngestJob(ctx, id); err != nil {
		return nil, nil, err
	}
	return subscribeLive[IngestJob](ctx, s, "ingest_job", id)
}

type record interface {
	IngestJob | SearchRequest
}

// subscribeLive opens a table-level live query and forwards changes for the
// one record the caller cares about. The cancel function kills the live
// query; it is safe to call more than once.
func subscribeLive[T record](ctx context.Context, s *Surreal, table, id string) (<-chan T, func(), error) {
	liveID, err := surrealdb.Live(ctx, s.db, models.Table(table), false)
	if err != nil {
		return nil, nil, fmt.Errorf("live query on %s: %w", table, err)
	}

	notifications, err := s.db.LiveNotifications(liveID.String())
	if err != nil {
		_ = surrealdb.Kill(ctx, s.db, liveID.String())
		return nil, nil, fmt.Errorf("live notifications: %w", err)
	}

	out := make(chan T, subscriberBuffer)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case notification, ok := <-notifications:
				if !ok {
					return
				}
				var rec T
				if err := decodeNotification(notification.Result, &rec); err != nil {
					s.log.Warn("undecodable live notification", "table", table, "error", err)
					continue
				}
				if recordID(rec) != id {
					continue
				}
				offer(out, rec)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer killCancel()
			if err := surrealdb.Kill(killCtx, s.db, liveID.String()); err != nil {
				s.log.Warn("failed to kill live query", "table", table, "error", err)
			}
		})
	}
	return out, cancel, nil
}

func recordID[T record](rec T) string {
	switch v := any(rec).(type) {
	case IngestJob:
		return v.ID
	case SearchRequest:
		return v.ID
	}
	return ""
}

// decodeNotification converts the SDK's decoded notification payload into a
// typed record via a JSON round-trip. Record ids arrive as composite values,
// so the id field is normalized first.
func decodeNotification(result any, target any) error {
	m, ok := result.(map[string]any)
	if ok {
		m["id"] = normalizeRecordID(m["id"])
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("unmarshal notification: %w", err)
	}
	return nil
}

// normalizeRecordID extracts the bare record key from the SDK's record id
// representation ("table:key", or a decoded {tb, id} map).
func normalizeRecordID(id any) any {
	switch v := id.(type) {
	case string:
		if _, key, found := strings.Cut(v, ":"); found {
			return strings.Trim(key, "⟨⟩")
		}
		return v
	case map[string]any:
		if key, ok := v["id"]; ok {
			return fmt.Sprintf("%v", key)
		}
	}
	return id
}

// queryOne runs a query expected to yield at most one record.
func queryOne[T any](ctx context.Context, db *surrealdb.DB, sql string, vars map[string]any) (*T, error) {
	results, err := surrealdb.Query[[]T](ctx, db, sql, vars)
	if err != nil {
		return nil, err
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, ErrNotFound
	}
	return &(*results)[0].Result[0], nil
}

// buildSets turns the non-nil values into SET clauses with bound parameters.
func buildSets(values map[string]any) ([]string, map[string]any) {
	var sets []string
	vars := make(map[string]any)
	for field, value := range values {
		if value == nil {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%s", field, field))
		vars[field] = value
	}
	sort.Strings(sets)
	return sets, vars
}

func stringPtrValue(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtrValue(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func timePtrValue(p *time.Time) any {
	if p == nil {
		return nil
	}
	return *p
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
