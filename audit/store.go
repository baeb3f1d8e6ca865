package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mvault/native/vault"
)

// Entry is one executed vault operation. Amounts are stored as decimal
// strings to keep 18-decimal integers exact across drivers.
type Entry struct {
	ID         uint   `gorm:"primaryKey"`
	Reference  string `gorm:"type:uuid;uniqueIndex"`
	Kind       string `gorm:"index"`
	Actor      string `gorm:"index"`
	Token      string `gorm:"index"`
	Amount     string
	Fee        string
	RequestID  uint64 `gorm:"index"`
	Attributes string
	OccurredAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// AutoMigrate performs the schema migrations for the audit store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{})
}

// Store persists audit entries through gorm. Production runs against
// postgres; tests open an in-memory sqlite database.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open gorm handle and runs migrations.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Record persists a vault event as an audit entry.
func (s *Store) Record(evt vault.Event) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit: store not initialised")
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return fmt.Errorf("audit: encode attributes: %w", err)
	}
	entry := Entry{
		Reference:  uuid.NewString(),
		Kind:       evt.Type,
		Actor:      evt.Attributes["sender"],
		Amount:     firstAttr(evt.Attributes, "amount_in", "amount_mtoken", "escrowed", "limit"),
		Fee:        evt.Attributes["fee"],
		Attributes: string(attrs),
		OccurredAt: evt.Timestamp.UTC(),
	}
	if token, ok := evt.Attributes["token_in"]; ok {
		entry.Token = token
	} else {
		entry.Token = evt.Attributes["token_out"]
	}
	if raw, ok := evt.Attributes["id"]; ok {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			entry.RequestID = id
		}
	}
	return s.db.Create(&entry).Error
}

// List returns the entries whose occurrence time falls in [since, until),
// oldest first. Zero bounds are open.
func (s *Store) List(since, until time.Time) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit: store not initialised")
	}
	query := s.db.Order("occurred_at asc, id asc")
	if !since.IsZero() {
		query = query.Where("occurred_at >= ?", since.UTC())
	}
	if !until.IsZero() {
		query = query.Where("occurred_at < ?", until.UTC())
	}
	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ExportCSV serialises the window to CSV and returns the payload alongside a
// SHA-256 checksum of the bytes.
func (s *Store) ExportCSV(since, until time.Time) ([]byte, string, error) {
	entries, err := s.List(since, until)
	if err != nil {
		return nil, "", err
	}
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"reference", "kind", "actor", "token", "amount", "fee", "request_id", "occurred_at"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, entry := range entries {
		record := []string{
			entry.Reference,
			entry.Kind,
			entry.Actor,
			entry.Token,
			entry.Amount,
			entry.Fee,
			strconv.FormatUint(entry.RequestID, 10),
			entry.OccurredAt.UTC().Format(time.RFC3339Nano),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

// Recorder adapts the store to the engine's emitter interface. Emit never
// surfaces errors to the engine; failures are logged and the operation
// proceeds.
type Recorder struct {
	store *Store
	log   *slog.Logger
}

// NewRecorder builds an emitter persisting into the store.
func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, log: log}
}

// Emit implements vault.Emitter.
func (r *Recorder) Emit(evt vault.Event) {
	if r == nil || r.store == nil {
		return
	}
	if err := r.store.Record(evt); err != nil {
		r.log.Error("audit record failed", "kind", evt.Type, "err", err)
	}
}

func firstAttr(attrs map[string]string, keys ...string) string {
	for _, key := range keys {
		if value, ok := attrs[key]; ok {
			return value
		}
	}
	return ""
}
