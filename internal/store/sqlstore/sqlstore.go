// Package sqlstore implements the Store on database/sql for PostgreSQL
// (pgx stdlib driver) and SQLite (go-sqlite3).
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/store"
)

// Dialects
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Store is a SQL-backed store.Store
type Store struct {
	db      *sql.DB
	dialect string
}

var _ store.Store = (*Store)(nil)

// Open connects to the database and creates missing tables
func Open(ctx context.Context, dialect, dsn string) (*Store, error) {
	var driver string
	switch dialect {
	case Postgres:
		driver = "pgx"
	case SQLite:
		driver = "sqlite3"
	default:
		return nil, fmt.Errorf("sql dialect %q: %w", dialect, model.ErrUnsupported)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl, err := schemaFS.ReadFile("schema/" + s.dialect + ".sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	for _, stmt := range strings.Split(string(ddl), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// isUniqueViolation recognizes constraint errors of both drivers
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// nullTime binds nil for a missing timestamp
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return utc(*t)
}

// nullBytes binds nil rather than an empty blob
func nullBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}

const documentColumns = `id, direction, document_type, local_reference_id, provider,
	provider_document_id, provider_transmission_id, status, response_status_code,
	content, error_message, sent_at, received_at, processed_at, created_at, updated_at`

func (s *Store) CreateDocument(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, string(doc.Direction), string(doc.DocumentType), doc.LocalReferenceID, string(doc.Provider),
		doc.ProviderDocumentID, doc.ProviderTransmissionID, string(doc.Status), string(doc.ResponseStatusCode),
		nullBytes(doc.Content), doc.ErrorMessage, nullTime(doc.SentAt), nullTime(doc.ReceivedAt), nullTime(doc.ProcessedAt),
		utc(doc.CreatedAt), utc(doc.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrDuplicate
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*model.Document, error) {
	var (
		doc                             model.Document
		direction, docType, provider    string
		status, responseCode            string
		sentAt, receivedAt, processedAt sql.NullTime
	)
	err := row.Scan(
		&doc.ID, &direction, &docType, &doc.LocalReferenceID, &provider,
		&doc.ProviderDocumentID, &doc.ProviderTransmissionID, &status, &responseCode,
		&doc.Content, &doc.ErrorMessage, &sentAt, &receivedAt, &processedAt, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Direction = model.Direction(direction)
	doc.DocumentType = model.DocumentType(docType)
	doc.Provider = model.ProviderID(provider)
	doc.Status = model.Status(status)
	doc.ResponseStatusCode = model.ResponseCode(responseCode)
	doc.SentAt = timePtr(sentAt)
	doc.ReceivedAt = timePtr(receivedAt)
	doc.ProcessedAt = timePtr(processedAt)
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return &doc, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (s *Store) getOne(ctx context.Context, where string, args ...interface{}) (*model.Document, error) {
	doc, err := scanDocument(s.queryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select document: %w", err)
	}
	return doc, nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	return s.getOne(ctx, `id = ?`, id)
}

func (s *Store) FindOutbound(ctx context.Context, localReferenceID string, provider model.ProviderID) (*model.Document, error) {
	return s.getOne(ctx, `direction = 'outbound' AND local_reference_id = ? AND provider = ?`, localReferenceID, string(provider))
}

func (s *Store) FindByProviderDocumentID(ctx context.Context, provider model.ProviderID, providerDocumentID string) (*model.Document, error) {
	return s.getOne(ctx, `provider = ? AND provider_document_id = ?`, string(provider), providerDocumentID)
}

func (s *Store) ListDocuments(ctx context.Context, f store.Filter) ([]*model.Document, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, string(f.Direction))
	}
	if f.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, string(f.Provider))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.UpdatedBefore.IsZero() {
		conds = append(conds, "updated_at < ?")
		args = append(args, utc(f.UpdatedBefore))
	}
	if !f.UpdatedAfter.IsZero() {
		conds = append(conds, "updated_at >= ?")
		args = append(args, utc(f.UpdatedAfter))
	}

	q := `SELECT ` + documentColumns + ` FROM documents`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(f.Limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// UpdateDocument performs the compare-and-set in a single statement. The
// COALESCE/NULLIF pairs implement store.Merge.
func (s *Store) UpdateDocument(ctx context.Context, doc *model.Document, expected model.Status) (bool, error) {
	res, err := s.exec(ctx, `UPDATE documents SET
			status = ?,
			document_type = COALESCE(NULLIF(?, ''), document_type),
			local_reference_id = COALESCE(NULLIF(?, ''), local_reference_id),
			provider_document_id = COALESCE(NULLIF(?, ''), provider_document_id),
			provider_transmission_id = COALESCE(NULLIF(?, ''), provider_transmission_id),
			response_status_code = COALESCE(NULLIF(?, ''), response_status_code),
			content = COALESCE(?, content),
			error_message = ?,
			sent_at = COALESCE(sent_at, ?),
			received_at = COALESCE(received_at, ?),
			processed_at = COALESCE(processed_at, ?),
			updated_at = ?
		WHERE id = ? AND status = ?`,
		string(doc.Status), string(doc.DocumentType), doc.LocalReferenceID, doc.ProviderDocumentID,
		doc.ProviderTransmissionID, string(doc.ResponseStatusCode), nullBytes(doc.Content), doc.ErrorMessage,
		nullTime(doc.SentAt), nullTime(doc.ReceivedAt), nullTime(doc.ProcessedAt), utc(doc.UpdatedAt),
		doc.ID, string(expected),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, model.ErrDuplicate
		}
		return false, fmt.Errorf("update document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update document: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetDocument(ctx, doc.ID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) AppendLog(ctx context.Context, entry *model.ExchangeLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `INSERT INTO exchange_log
		(id, document_id, action, status, message, request_snapshot, response_snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.DocumentID, entry.Action, entry.Status, entry.Message,
		entry.RequestSnapshot, entry.ResponseSnapshot, utc(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

func (s *Store) ListLog(ctx context.Context, documentID string, limit int) ([]*model.ExchangeLogEntry, error) {
	q := `SELECT id, document_id, action, status, message, request_snapshot, response_snapshot, created_at
		FROM exchange_log`
	var args []interface{}
	if documentID != "" {
		q += ` WHERE document_id = ?`
		args = append(args, documentID)
	}
	q += ` ORDER BY seq DESC`
	if limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list log: %w", err)
	}
	defer rows.Close()

	var out []*model.ExchangeLogEntry
	for rows.Next() {
		var e model.ExchangeLogEntry
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Action, &e.Status, &e.Message,
			&e.RequestSnapshot, &e.ResponseSnapshot, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) PurgeLog(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM exchange_log WHERE created_at < ?`, utc(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge log: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) HasNotification(ctx context.Context, key model.NotificationKey) (bool, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM notification_receipts
		WHERE provider = ? AND provider_document_id = ? AND event_type = ?`,
		string(key.Provider), key.ProviderDocumentID, string(key.EventType),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("select notification: %w", err)
	}
	return n > 0, nil
}

func (s *Store) RecordNotification(ctx context.Context, key model.NotificationKey, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `INSERT INTO notification_receipts (provider, provider_document_id, event_type, received_at)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		string(key.Provider), key.ProviderDocumentID, string(key.EventType), utc(at),
	)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return n == 1, nil
}

func (s *Store) IncrementAttempts(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `INSERT INTO send_attempts (document_id, attempts, updated_at) VALUES (?, 1, ?)
		ON CONFLICT (document_id) DO UPDATE SET attempts = send_attempts.attempts + 1, updated_at = excluded.updated_at
		RETURNING attempts`,
		documentID, utc(time.Now()),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return n, nil
}

func (s *Store) Attempts(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT attempts FROM send_attempts WHERE document_id = ?`, documentID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select attempts: %w", err)
	}
	return n, nil
}

func (s *Store) ResetAttempts(ctx context.Context, documentID string) error {
	if _, err := s.exec(ctx, `DELETE FROM send_attempts WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
