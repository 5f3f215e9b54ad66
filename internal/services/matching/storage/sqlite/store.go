package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/citymate/citymate/internal/platform/storage/sqlitemigrate"
	"github.com/citymate/citymate/internal/services/matching/storage"
	"github.com/citymate/citymate/internal/services/matching/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for matching state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a matching SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	// _txlock=immediate takes the write lock when a transaction begins,
	// so concurrent accepts queue on busy_timeout instead of failing at
	// first write.
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("sqlite db is required")
	}
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

// PutRequest upserts one tourist request row.
func (s *Store) PutRequest(ctx context.Context, record storage.RequestRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeRequestRecord(record)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
	INSERT INTO requests (
		id, tourist_id, city, start_date, end_date, status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tourist_id = excluded.tourist_id,
		city = excluded.city,
		start_date = excluded.start_date,
		end_date = excluded.end_date,
		status = excluded.status,
		updated_at = excluded.updated_at
	`,
		normalized.ID,
		normalized.TouristID,
		normalized.City,
		toMillis(normalized.StartDate),
		toMillis(normalized.EndDate),
		normalized.Status,
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return wrapStoreError("put request", err)
	}
	return nil
}

// GetRequest loads one tourist request by id.
func (s *Store) GetRequest(ctx context.Context, requestID string) (storage.RequestRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.RequestRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.RequestRecord{}, fmt.Errorf("storage is not configured")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return storage.RequestRecord{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, tourist_id, city, start_date, end_date, status, created_at, updated_at
FROM requests
WHERE id = ?
`, requestID)
	record, err := scanRequest(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.RequestRecord{}, storage.ErrNotFound
		}
		return storage.RequestRecord{}, fmt.Errorf("get request: %w", err)
	}
	return record, nil
}

// PutSelections inserts pending selection rows in one transaction.
// Existing (request_id, student_id) pairs are left untouched so repeated
// fan-out of the same candidates is a no-op; the returned ids cover only
// the rows this call inserted.
func (s *Store) PutSelections(ctx context.Context, records []storage.SelectionRecord) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if len(records) == 0 {
		return nil, nil
	}
	normalized := make([]storage.SelectionRecord, 0, len(records))
	for _, record := range records {
		normalizedRecord, err := normalizeSelectionRecord(record)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, normalizedRecord)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStoreError("begin selections write", err)
	}
	rollbackWith := func(cause error) ([]string, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return nil, fmt.Errorf("%w: rollback selections write: %v", cause, rollbackErr)
		}
		return nil, cause
	}

	inserted := make([]string, 0, len(normalized))
	for _, record := range normalized {
		var respondedAt sql.NullInt64
		if record.RespondedAt != nil {
			respondedAt = sql.NullInt64{Int64: toMillis(*record.RespondedAt), Valid: true}
		}
		result, err := tx.ExecContext(ctx, `
	INSERT INTO selections (
		id, request_id, student_id, status, created_at, responded_at
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(request_id, student_id) DO NOTHING
	`,
			record.ID,
			record.RequestID,
			record.StudentID,
			record.Status,
			toMillis(record.CreatedAt),
			respondedAt,
		)
		if err != nil {
			if isUniqueConstraintError(err) || isForeignKeyConstraintError(err) {
				return rollbackWith(storage.ErrConflict)
			}
			return rollbackWith(wrapStoreError("put selection", err))
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return rollbackWith(fmt.Errorf("put selection rows affected: %w", err))
		}
		if affected == 1 {
			inserted = append(inserted, record.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapStoreError("commit selections write", err)
	}
	return inserted, nil
}

// ListSelectionsByRequest lists all selections for one request, oldest first.
func (s *Store) ListSelectionsByRequest(ctx context.Context, requestID string) ([]storage.SelectionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, fmt.Errorf("request id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, request_id, student_id, status, created_at, responded_at
FROM selections
WHERE request_id = ?
ORDER BY created_at ASC, id ASC
`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list selections: %w", err)
	}
	defer rows.Close()

	var results []storage.SelectionRecord
	for rows.Next() {
		record, scanErr := scanSelection(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan selection row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate selection rows: %w", err)
	}
	return results, nil
}

// GetSelection loads one selection by id.
func (s *Store) GetSelection(ctx context.Context, selectionID string) (storage.SelectionRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SelectionRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SelectionRecord{}, fmt.Errorf("storage is not configured")
	}
	selectionID = strings.TrimSpace(selectionID)
	if selectionID == "" {
		return storage.SelectionRecord{}, storage.ErrNotFound
	}
	return getSelectionExec(ctx, s.sqlDB, selectionID)
}

// DeclineSelection flips a pending selection to declined. The boolean
// reports whether this call made the transition; when false the returned
// record carries whatever terminal state was already stored.
func (s *Store) DeclineSelection(ctx context.Context, selectionID string, at time.Time) (storage.SelectionRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return storage.SelectionRecord{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SelectionRecord{}, false, fmt.Errorf("storage is not configured")
	}
	selectionID = strings.TrimSpace(selectionID)
	if selectionID == "" {
		return storage.SelectionRecord{}, false, storage.ErrNotFound
	}
	if at.IsZero() {
		return storage.SelectionRecord{}, false, fmt.Errorf("decline time is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE selections
SET status = ?, responded_at = ?
WHERE id = ? AND status = ?
`, storage.SelectionStatusDeclined, toMillis(at), selectionID, storage.SelectionStatusPending)
	if err != nil {
		return storage.SelectionRecord{}, false, wrapStoreError("decline selection", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.SelectionRecord{}, false, fmt.Errorf("decline selection rows affected: %w", err)
	}
	record, err := getSelectionExec(ctx, s.sqlDB, selectionID)
	if err != nil {
		return storage.SelectionRecord{}, false, err
	}
	return record, affected == 1, nil
}

// AcceptSelection attempts the conditional accepted transition inside one
// transaction. The accept commits only when no sibling selection for the
// request is accepted; a partial unique index on accepted rows backstops
// the condition against concurrent writers. A won accept also marks the
// request matched and expires every remaining pending sibling.
func (s *Store) AcceptSelection(ctx context.Context, selectionID string, requestID string, at time.Time) (storage.AcceptRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.AcceptRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.AcceptRecord{}, fmt.Errorf("storage is not configured")
	}
	selectionID = strings.TrimSpace(selectionID)
	requestID = strings.TrimSpace(requestID)
	if selectionID == "" || requestID == "" {
		return storage.AcceptRecord{}, storage.ErrNotFound
	}
	if at.IsZero() {
		return storage.AcceptRecord{}, fmt.Errorf("accept time is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.AcceptRecord{}, wrapStoreError("begin accept write", err)
	}
	rollbackWith := func(cause error) (storage.AcceptRecord, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return storage.AcceptRecord{}, fmt.Errorf("%w: rollback accept write: %v", cause, rollbackErr)
		}
		return storage.AcceptRecord{}, cause
	}

	atMillis := toMillis(at)
	result, err := tx.ExecContext(ctx, `
UPDATE selections
SET status = ?, responded_at = ?
WHERE id = ?
  AND request_id = ?
  AND status = ?
  AND NOT EXISTS (
    SELECT 1 FROM selections sibling
    WHERE sibling.request_id = selections.request_id
      AND sibling.status = ?
  )
`, storage.SelectionStatusAccepted, atMillis, selectionID, requestID,
		storage.SelectionStatusPending, storage.SelectionStatusAccepted)
	won := false
	if err != nil {
		// The partial unique index rejects a second accepted row if a
		// sibling committed between our subquery and our write.
		if !isUniqueConstraintError(err) {
			return rollbackWith(wrapStoreError("accept selection", err))
		}
	} else {
		affected, affectedErr := result.RowsAffected()
		if affectedErr != nil {
			return rollbackWith(fmt.Errorf("accept selection rows affected: %w", affectedErr))
		}
		won = affected == 1
	}

	if !won {
		record, loadErr := getSelectionExec(ctx, tx, selectionID)
		if loadErr != nil {
			return rollbackWith(loadErr)
		}
		if record.RequestID != requestID {
			return rollbackWith(storage.ErrNotFound)
		}
		if record.Status != storage.SelectionStatusPending {
			if commitErr := tx.Commit(); commitErr != nil {
				return storage.AcceptRecord{}, wrapStoreError("commit accept read", commitErr)
			}
			return storage.AcceptRecord{Outcome: storage.AcceptOutcomeAlreadyResolved, Selection: record}, nil
		}

		// Still pending, so a sibling holds the accept: close this one out.
		if _, expireErr := tx.ExecContext(ctx, `
UPDATE selections
SET status = ?, responded_at = ?
WHERE id = ? AND status = ?
`, storage.SelectionStatusExpired, atMillis, selectionID, storage.SelectionStatusPending); expireErr != nil {
			return rollbackWith(fmt.Errorf("expire losing selection: %w", expireErr))
		}
		record, loadErr = getSelectionExec(ctx, tx, selectionID)
		if loadErr != nil {
			return rollbackWith(loadErr)
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return storage.AcceptRecord{}, wrapStoreError("commit lost-race write", commitErr)
		}
		return storage.AcceptRecord{Outcome: storage.AcceptOutcomeLostRace, Selection: record}, nil
	}

	expired, err := listSiblingSelections(ctx, tx, requestID, selectionID, storage.SelectionStatusPending)
	if err != nil {
		return rollbackWith(err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE selections
SET status = ?, responded_at = ?
WHERE request_id = ? AND id != ? AND status = ?
`, storage.SelectionStatusExpired, atMillis, requestID, selectionID, storage.SelectionStatusPending); err != nil {
		return rollbackWith(fmt.Errorf("expire sibling selections: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE requests
SET status = ?, updated_at = ?
WHERE id = ?
`, storage.RequestStatusMatched, atMillis, requestID); err != nil {
		return rollbackWith(fmt.Errorf("mark request matched: %w", err))
	}

	winner, err := getSelectionExec(ctx, tx, selectionID)
	if err != nil {
		return rollbackWith(err)
	}
	if err := tx.Commit(); err != nil {
		return storage.AcceptRecord{}, wrapStoreError("commit accept write", err)
	}

	expiredAt := fromMillis(atMillis)
	for i := range expired {
		expired[i].Status = storage.SelectionStatusExpired
		expired[i].RespondedAt = &expiredAt
	}
	return storage.AcceptRecord{Outcome: storage.AcceptOutcomeWon, Selection: winner, Expired: expired}, nil
}

// CreateReview inserts one review and upserts the guide's recomputed
// metrics in the same transaction. A second review for a request returns
// ErrConflict without touching metrics.
func (s *Store) CreateReview(ctx context.Context, record storage.ReviewRecord, recompute func(stats []storage.ReviewStatRecord) storage.MetricsRecord) (storage.MetricsRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MetricsRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MetricsRecord{}, fmt.Errorf("storage is not configured")
	}
	if recompute == nil {
		return storage.MetricsRecord{}, fmt.Errorf("recompute function is required")
	}
	normalized, err := normalizeReviewRecord(record)
	if err != nil {
		return storage.MetricsRecord{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.MetricsRecord{}, wrapStoreError("begin review write", err)
	}
	rollbackWith := func(cause error) (storage.MetricsRecord, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return storage.MetricsRecord{}, fmt.Errorf("%w: rollback review write: %v", cause, rollbackErr)
		}
		return storage.MetricsRecord{}, cause
	}

	var pricePaid sql.NullFloat64
	if normalized.PricePaid != nil {
		pricePaid = sql.NullFloat64{Float64: *normalized.PricePaid, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO reviews (
		id, request_id, student_id, rating, body, attributes_json, no_show, price_paid, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		normalized.ID,
		normalized.RequestID,
		normalized.StudentID,
		normalized.Rating,
		normalized.Body,
		normalized.AttributesJSON,
		normalized.NoShow,
		pricePaid,
		toMillis(normalized.CreatedAt),
	); err != nil {
		if isUniqueConstraintError(err) {
			return rollbackWith(storage.ErrConflict)
		}
		return rollbackWith(wrapStoreError("insert review", err))
	}

	rows, err := tx.QueryContext(ctx, `
SELECT rating, no_show
FROM reviews
WHERE student_id = ?
ORDER BY created_at ASC, id ASC
`, normalized.StudentID)
	if err != nil {
		return rollbackWith(fmt.Errorf("load review stats: %w", err))
	}
	var stats []storage.ReviewStatRecord
	for rows.Next() {
		var stat storage.ReviewStatRecord
		if scanErr := rows.Scan(&stat.Rating, &stat.NoShow); scanErr != nil {
			rows.Close()
			return rollbackWith(fmt.Errorf("scan review stat row: %w", scanErr))
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return rollbackWith(fmt.Errorf("iterate review stat rows: %w", err))
	}
	rows.Close()

	metrics := recompute(stats)
	metrics.StudentID = normalized.StudentID
	var averageRating sql.NullFloat64
	if metrics.AverageRating != nil {
		averageRating = sql.NullFloat64{Float64: *metrics.AverageRating, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO student_metrics (
		student_id, average_rating, completion_rate, trips_hosted, no_show_count, badge, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(student_id) DO UPDATE SET
		average_rating = excluded.average_rating,
		completion_rate = excluded.completion_rate,
		trips_hosted = excluded.trips_hosted,
		no_show_count = excluded.no_show_count,
		badge = excluded.badge,
		updated_at = excluded.updated_at
	`,
		metrics.StudentID,
		averageRating,
		metrics.CompletionRate,
		metrics.TripsHosted,
		metrics.NoShowCount,
		metrics.Badge,
		toMillis(metrics.UpdatedAt),
	); err != nil {
		return rollbackWith(fmt.Errorf("upsert student metrics: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return storage.MetricsRecord{}, wrapStoreError("commit review write", err)
	}
	return metrics, nil
}

// GetStudentMetrics loads one guide's derived metrics.
func (s *Store) GetStudentMetrics(ctx context.Context, studentID string) (storage.MetricsRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MetricsRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MetricsRecord{}, fmt.Errorf("storage is not configured")
	}
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return storage.MetricsRecord{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT student_id, average_rating, completion_rate, trips_hosted, no_show_count, badge, updated_at
FROM student_metrics
WHERE student_id = ?
`, studentID)
	var (
		record        storage.MetricsRecord
		averageRating sql.NullFloat64
		updatedAt     int64
	)
	if err := row.Scan(
		&record.StudentID,
		&averageRating,
		&record.CompletionRate,
		&record.TripsHosted,
		&record.NoShowCount,
		&record.Badge,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MetricsRecord{}, storage.ErrNotFound
		}
		return storage.MetricsRecord{}, fmt.Errorf("get student metrics: %w", err)
	}
	if averageRating.Valid {
		record.AverageRating = &averageRating.Float64
	}
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// EnqueueEmails inserts outbox rows in one transaction.
func (s *Store) EnqueueEmails(ctx context.Context, records []storage.EmailRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin email enqueue: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback email enqueue: %v", cause, rollbackErr)
		}
		return cause
	}

	for _, record := range records {
		normalized, err := normalizeEmailRecord(record)
		if err != nil {
			return rollbackWith(err)
		}
		var deliveredAt sql.NullInt64
		if normalized.DeliveredAt != nil {
			deliveredAt = sql.NullInt64{Int64: toMillis(*normalized.DeliveredAt), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
	INSERT INTO email_outbox (
		id, kind, recipient, selection_id, request_id, payload_json, status,
		attempt_count, next_attempt_at, last_error, created_at, updated_at, delivered_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
			normalized.ID,
			normalized.Kind,
			normalized.Recipient,
			normalized.SelectionID,
			normalized.RequestID,
			normalized.PayloadJSON,
			normalized.Status,
			normalized.AttemptCount,
			toMillis(normalized.NextAttemptAt),
			normalized.LastError,
			toMillis(normalized.CreatedAt),
			toMillis(normalized.UpdatedAt),
			deliveredAt,
		); err != nil {
			if isUniqueConstraintError(err) {
				return rollbackWith(storage.ErrConflict)
			}
			return rollbackWith(fmt.Errorf("enqueue email: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit email enqueue: %w", err)
	}
	return nil
}

// ListDueEmails lists pending emails whose next attempt is due.
func (s *Store) ListDueEmails(ctx context.Context, limit int, now time.Time) ([]storage.EmailRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if now.IsZero() {
		return nil, fmt.Errorf("now is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, kind, recipient, selection_id, request_id, payload_json, status,
       attempt_count, next_attempt_at, last_error, created_at, updated_at, delivered_at
FROM email_outbox
WHERE status = ?
  AND next_attempt_at <= ?
ORDER BY next_attempt_at ASC, id ASC
LIMIT ?
`, storage.EmailStatusPending, toMillis(now.UTC()), limit)
	if err != nil {
		return nil, fmt.Errorf("list due emails: %w", err)
	}
	defer rows.Close()

	results := make([]storage.EmailRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanEmail(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan due email row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due email rows: %w", err)
	}
	return results, nil
}

// MarkEmailRetry records one failed send attempt and schedules the next.
func (s *Store) MarkEmailRetry(ctx context.Context, emailID string, attemptCount int, nextAttemptAt time.Time, lastError string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	emailID = strings.TrimSpace(emailID)
	lastError = strings.TrimSpace(lastError)
	if emailID == "" {
		return fmt.Errorf("email id is required")
	}
	if attemptCount < 0 {
		return fmt.Errorf("attempt count must be non-negative")
	}
	if nextAttemptAt.IsZero() {
		return fmt.Errorf("next attempt at is required")
	}
	if at.IsZero() {
		return fmt.Errorf("retry time is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE email_outbox
SET attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
WHERE id = ? AND status = ?
`, attemptCount, toMillis(nextAttemptAt.UTC()), lastError, toMillis(at.UTC()), emailID, storage.EmailStatusPending)
	if err != nil {
		return fmt.Errorf("mark email retry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark email retry rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkEmailDelivered records one successful send.
func (s *Store) MarkEmailDelivered(ctx context.Context, emailID string, deliveredAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	emailID = strings.TrimSpace(emailID)
	if emailID == "" {
		return fmt.Errorf("email id is required")
	}
	if deliveredAt.IsZero() {
		return fmt.Errorf("delivered at is required")
	}

	now := deliveredAt.UTC()
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE email_outbox
SET status = ?, updated_at = ?, delivered_at = ?, last_error = ''
WHERE id = ?
`, storage.EmailStatusDelivered, toMillis(now), toMillis(now), emailID)
	if err != nil {
		return fmt.Errorf("mark email delivered: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark email delivered rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkEmailFailed retires one email after its attempts are exhausted.
func (s *Store) MarkEmailFailed(ctx context.Context, emailID string, lastError string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	emailID = strings.TrimSpace(emailID)
	lastError = strings.TrimSpace(lastError)
	if emailID == "" {
		return fmt.Errorf("email id is required")
	}
	if at.IsZero() {
		return fmt.Errorf("failure time is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE email_outbox
SET status = ?, last_error = ?, updated_at = ?
WHERE id = ?
`, storage.EmailStatusFailed, lastError, toMillis(at.UTC()), emailID)
	if err != nil {
		return fmt.Errorf("mark email failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark email failed rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type scanner func(dest ...any) error

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSelectionExec(ctx context.Context, querier sqlQuerier, selectionID string) (storage.SelectionRecord, error) {
	row := querier.QueryRowContext(ctx, `
SELECT id, request_id, student_id, status, created_at, responded_at
FROM selections
WHERE id = ?
`, selectionID)
	record, err := scanSelection(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SelectionRecord{}, storage.ErrNotFound
		}
		return storage.SelectionRecord{}, fmt.Errorf("get selection: %w", err)
	}
	return record, nil
}

func listSiblingSelections(ctx context.Context, querier sqlQuerier, requestID string, selectionID string, status storage.SelectionStatus) ([]storage.SelectionRecord, error) {
	rows, err := querier.QueryContext(ctx, `
SELECT id, request_id, student_id, status, created_at, responded_at
FROM selections
WHERE request_id = ? AND id != ? AND status = ?
ORDER BY created_at ASC, id ASC
`, requestID, selectionID, status)
	if err != nil {
		return nil, fmt.Errorf("list sibling selections: %w", err)
	}
	defer rows.Close()

	var results []storage.SelectionRecord
	for rows.Next() {
		record, scanErr := scanSelection(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan sibling selection row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sibling selection rows: %w", err)
	}
	return results, nil
}

func scanRequest(scan scanner) (storage.RequestRecord, error) {
	var (
		record    storage.RequestRecord
		startDate int64
		endDate   int64
		createdAt int64
		updatedAt int64
	)
	if err := scan(
		&record.ID,
		&record.TouristID,
		&record.City,
		&startDate,
		&endDate,
		&record.Status,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.RequestRecord{}, err
	}
	record.StartDate = fromMillis(startDate)
	record.EndDate = fromMillis(endDate)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func scanSelection(scan scanner) (storage.SelectionRecord, error) {
	var (
		record      storage.SelectionRecord
		createdAt   int64
		respondedAt sql.NullInt64
	)
	if err := scan(
		&record.ID,
		&record.RequestID,
		&record.StudentID,
		&record.Status,
		&createdAt,
		&respondedAt,
	); err != nil {
		return storage.SelectionRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	if respondedAt.Valid {
		responded := fromMillis(respondedAt.Int64)
		record.RespondedAt = &responded
	}
	return record, nil
}

func scanEmail(scan scanner) (storage.EmailRecord, error) {
	var (
		record        storage.EmailRecord
		nextAttemptAt int64
		createdAt     int64
		updatedAt     int64
		deliveredAt   sql.NullInt64
	)
	if err := scan(
		&record.ID,
		&record.Kind,
		&record.Recipient,
		&record.SelectionID,
		&record.RequestID,
		&record.PayloadJSON,
		&record.Status,
		&record.AttemptCount,
		&nextAttemptAt,
		&record.LastError,
		&createdAt,
		&updatedAt,
		&deliveredAt,
	); err != nil {
		return storage.EmailRecord{}, err
	}
	record.NextAttemptAt = fromMillis(nextAttemptAt)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	if deliveredAt.Valid {
		delivered := fromMillis(deliveredAt.Int64)
		record.DeliveredAt = &delivered
	}
	return record, nil
}

func normalizeRequestRecord(record storage.RequestRecord) (storage.RequestRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.TouristID = strings.TrimSpace(record.TouristID)
	record.City = strings.TrimSpace(record.City)
	record.Status = storage.RequestStatus(strings.TrimSpace(string(record.Status)))
	if record.ID == "" {
		return storage.RequestRecord{}, fmt.Errorf("request id is required")
	}
	if record.City == "" {
		return storage.RequestRecord{}, fmt.Errorf("request city is required")
	}
	if record.Status == "" {
		return storage.RequestRecord{}, fmt.Errorf("request status is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.RequestRecord{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		return storage.RequestRecord{}, fmt.Errorf("updated_at is required")
	}
	record.StartDate = record.StartDate.UTC()
	record.EndDate = record.EndDate.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func normalizeSelectionRecord(record storage.SelectionRecord) (storage.SelectionRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.RequestID = strings.TrimSpace(record.RequestID)
	record.StudentID = strings.TrimSpace(record.StudentID)
	record.Status = storage.SelectionStatus(strings.TrimSpace(string(record.Status)))
	if record.ID == "" {
		return storage.SelectionRecord{}, fmt.Errorf("selection id is required")
	}
	if record.RequestID == "" {
		return storage.SelectionRecord{}, fmt.Errorf("request id is required")
	}
	if record.StudentID == "" {
		return storage.SelectionRecord{}, fmt.Errorf("student id is required")
	}
	if record.Status == "" {
		return storage.SelectionRecord{}, fmt.Errorf("selection status is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.SelectionRecord{}, fmt.Errorf("created_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	if record.RespondedAt != nil {
		responded := record.RespondedAt.UTC()
		record.RespondedAt = &responded
	}
	return record, nil
}

func normalizeReviewRecord(record storage.ReviewRecord) (storage.ReviewRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.RequestID = strings.TrimSpace(record.RequestID)
	record.StudentID = strings.TrimSpace(record.StudentID)
	record.AttributesJSON = strings.TrimSpace(record.AttributesJSON)
	if record.AttributesJSON == "" {
		record.AttributesJSON = "[]"
	}
	if record.ID == "" {
		return storage.ReviewRecord{}, fmt.Errorf("review id is required")
	}
	if record.RequestID == "" {
		return storage.ReviewRecord{}, fmt.Errorf("request id is required")
	}
	if record.StudentID == "" {
		return storage.ReviewRecord{}, fmt.Errorf("student id is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.ReviewRecord{}, fmt.Errorf("created_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func normalizeEmailRecord(record storage.EmailRecord) (storage.EmailRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.Kind = strings.TrimSpace(record.Kind)
	record.Recipient = strings.TrimSpace(record.Recipient)
	record.SelectionID = strings.TrimSpace(record.SelectionID)
	record.RequestID = strings.TrimSpace(record.RequestID)
	record.PayloadJSON = strings.TrimSpace(record.PayloadJSON)
	record.Status = storage.EmailStatus(strings.TrimSpace(string(record.Status)))
	record.LastError = strings.TrimSpace(record.LastError)
	if record.PayloadJSON == "" {
		record.PayloadJSON = "{}"
	}
	if record.ID == "" {
		return storage.EmailRecord{}, fmt.Errorf("email id is required")
	}
	if record.Kind == "" {
		return storage.EmailRecord{}, fmt.Errorf("email kind is required")
	}
	if record.Recipient == "" {
		return storage.EmailRecord{}, fmt.Errorf("email recipient is required")
	}
	if record.Status == "" {
		record.Status = storage.EmailStatusPending
	}
	if record.NextAttemptAt.IsZero() {
		return storage.EmailRecord{}, fmt.Errorf("next attempt at is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.EmailRecord{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		return storage.EmailRecord{}, fmt.Errorf("updated_at is required")
	}
	record.NextAttemptAt = record.NextAttemptAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	if record.DeliveredAt != nil {
		delivered := record.DeliveredAt.UTC()
		record.DeliveredAt = &delivered
	}
	return record, nil
}

// wrapStoreError maps lock contention to the retryable ErrBusy sentinel
// before generic wrapping. busy_timeout makes contention rare; this covers
// the writer that still times out waiting for the lock.
func wrapStoreError(op string, err error) error {
	if isBusyError(err) {
		return fmt.Errorf("%s: %w", op, storage.ErrBusy)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}

func isForeignKeyConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "foreign key constraint failed")
}
