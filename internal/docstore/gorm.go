package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// documentRow is one document: the body is an opaque JSON blob, only the
// collection/id pair is addressable.
type documentRow struct {
	Collection string    `gorm:"primaryKey;size:64"`
	ID         string    `gorm:"primaryKey;type:uuid"`
	Data       []byte    `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (documentRow) TableName() string { return "documents" }

// blobRow holds encrypted bulk content addressed by storage path.
type blobRow struct {
	Path string `gorm:"primaryKey"`
	Data []byte `gorm:"not null"`
}

func (blobRow) TableName() string { return "blobs" }

// Store is the gorm adapter implementing DocumentStore and BlobStore.
type Store struct {
	db *gorm.DB
}

var (
	_ DocumentStore = (*Store)(nil)
	_ BlobStore     = (*Store)(nil)
)

// Open connects to the backend. A "postgres://" DSN selects the postgres
// driver, anything else is treated as a SQLite path (modernc driver);
// "file::memory:?cache=shared" gives an in-memory store for tests.
func Open(dsn string) (*Store, error) {
	var dial gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dial = gormpostgres.Open(dsn)
	} else {
		dial = gormsqlite.Dialector{DriverName: "sqlite", DSN: dsn}
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("docstore: open: %w", err)
	}
	if err := db.AutoMigrate(&documentRow{}, &blobRow{}); err != nil {
		return nil, fmt.Errorf("docstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// mapErr collapses backend errors into the contract taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return err
	}
}

func (s *Store) CreateDocument(ctx context.Context, collection string, data map[string]any) (string, error) {
	// Карта вызывающего не мутируется, id дописывается в копию.
	doc := make(map[string]any, len(data)+1)
	for k, v := range data {
		doc[k] = v
	}
	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	doc["id"] = id
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("docstore: encode: %w", err)
	}
	row := documentRow{Collection: collection, ID: id, Data: raw}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", mapErr(err)
	}
	return id, nil
}

func (s *Store) GetDocument(ctx context.Context, collection, id string) (map[string]any, error) {
	var row documentRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		First(&row).Error
	if err != nil {
		return nil, mapErr(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(row.Data, &doc); err != nil {
		return nil, fmt.Errorf("docstore: decode: %w", err)
	}
	return doc, nil
}

// UpdateDocument loads the document, merges the dotted-path fields in memory
// and writes the body back, all inside one transaction so concurrent partial
// updates cannot lose each other. Delete sentinel values remove their path.
// The document's modifiedAt is bumped so dependent caches see a new version.
func (s *Store) UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row documentRow
		if err := tx.Where("collection = ? AND id = ?", collection, id).
			First(&row).Error; err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(row.Data, &doc); err != nil {
			return fmt.Errorf("docstore: decode: %w", err)
		}
		for path, value := range fields {
			applyDotted(doc, path, value)
		}
		doc["modifiedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("docstore: encode: %w", err)
		}
		res := tx.Model(&documentRow{}).
			Where("collection = ? AND id = ?", collection, id).
			Update("data", raw)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	return mapErr(err)
}

func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	return mapErr(s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		Delete(&documentRow{}).Error)
}

// QueryDocuments returns the documents of a collection matching every filter.
// A filter matches on equality; when the stored value is an array, membership
// counts as a match (used for sharedWith).
func (s *Store) QueryDocuments(ctx context.Context, collection string, filters map[string]any) ([]map[string]any, error) {
	var rows []documentRow
	err := s.db.WithContext(ctx).Where("collection = ?", collection).Find(&rows).Error
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		var doc map[string]any
		if err := json.Unmarshal(row.Data, &doc); err != nil {
			return nil, fmt.Errorf("docstore: decode: %w", err)
		}
		if matches(doc, filters) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func matches(doc map[string]any, filters map[string]any) bool {
	for path, want := range filters {
		got, ok := lookupDotted(doc, path)
		if !ok {
			return false
		}
		if list, isList := got.([]any); isList {
			found := false
			for _, v := range list {
				if v == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

// applyDotted writes value at a dotted path, creating intermediate maps.
func applyDotted(doc map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	last := parts[len(parts)-1]
	if _, isDelete := value.(deleteSentinel); isDelete {
		delete(cur, last)
		return
	}
	cur[last] = normalize(value)
}

// normalize re-encodes typed values (byte slices, structs) the way the JSON
// body stores them, so a partial update is indistinguishable from a full write.
func normalize(value any) any {
	switch value.(type) {
	case nil, string, bool, float64:
		return value
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return value
	}
	return out
}

func lookupDotted(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur := any(doc)
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Blob store half.

func (s *Store) Put(ctx context.Context, path string, data []byte) error {
	row := blobRow{Path: path, Data: data}
	return mapErr(s.db.WithContext(ctx).Save(&row).Error)
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	var row blobRow
	if err := s.db.WithContext(ctx).Where("path = ?", path).First(&row).Error; err != nil {
		return nil, mapErr(err)
	}
	return row.Data, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return mapErr(s.db.WithContext(ctx).Where("path = ?", path).Delete(&blobRow{}).Error)
}
