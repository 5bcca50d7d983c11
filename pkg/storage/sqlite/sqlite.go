// Package sqlite provides a SQLite-backed record store. SQLite suits the
// workload well: one writer appending failure records and occasional
// reads from operators chasing a crash.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/openbinder/openbinder/pkg/logger"
	"github.com/openbinder/openbinder/pkg/storage"
	"github.com/openbinder/openbinder/pkg/storage/sqlcommon"
)

var tracer = otel.Tracer("openbinder/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

// Datastore provides a SQLite based implementation of [storage.RecordStore].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
	versionReady     bool
}

// Ensures that Datastore implements the RecordStore interface.
var _ storage.RecordStore = (*Datastore)(nil)

// Prepare a raw DSN from config for use with SQLite, specifying defaults for journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	// Set journal mode and busy timeout pragmas if not specified.
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	// Set transaction mode to immediate if not specified
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "openbinder")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		stbl:             sq.StatementBuilder.RunWith(db),
		db:               db,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
		versionReady:     false,
	}, nil
}

// Close see [storage.RecordStore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

var recordColumns = []string{
	"id", "debug_id", "domain", "call_type",
	"from_pid", "from_tid", "to_pid", "to_tid",
	"target_handle", "to_node", "data_size", "offsets_size",
	"return_code", "return_param", "payload_digest", "created_at",
}

// Append see [storage.RecordStore].Append.
func (s *Datastore) Append(ctx context.Context, rec storage.TransactionRecord) error {
	ctx, span := startTrace(ctx, "Append")
	defer span.End()

	// uint64 columns are stored as their int64 bit pattern since SQLite
	// integers are signed; scanRecord undoes the conversion.
	err := busyRetry(func() error {
		_, err := s.stbl.
			Insert("transaction_record").
			Columns(recordColumns...).
			Values(
				rec.ID, int64(rec.DebugID), rec.Domain, rec.CallType,
				rec.FromPID, rec.FromTID, rec.ToPID, rec.ToTID,
				rec.TargetHandle, int64(rec.ToNode), int64(rec.DataSize), int64(rec.OffsetsSize),
				rec.ReturnCode, rec.ReturnParam, int64(rec.PayloadDigest), rec.CreatedAt.UnixNano(),
			).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	return nil
}

// Last see [storage.RecordStore].Last. Record IDs are ULIDs, so sorting
// by id descending yields newest first.
func (s *Datastore) Last(ctx context.Context, n int) ([]storage.TransactionRecord, error) {
	ctx, span := startTrace(ctx, "Last")
	defer span.End()

	if n <= 0 {
		n = storage.DefaultLastN
	}

	rows, err := s.stbl.
		Select(recordColumns...).
		From("transaction_record").
		OrderBy("id desc").
		Limit(uint64(n)).
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var recs []storage.TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, HandleSQLError(err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	return recs, nil
}

// GetByID see [storage.RecordStore].GetByID.
func (s *Datastore) GetByID(ctx context.Context, id string) (storage.TransactionRecord, error) {
	ctx, span := startTrace(ctx, "GetByID")
	defer span.End()

	// An id that does not parse as a ULID cannot be in the table.
	if !storage.ValidRecordID(id) {
		return storage.TransactionRecord{}, storage.ErrNotFound
	}

	row := s.stbl.
		Select(recordColumns...).
		From("transaction_record").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx)

	rec, err := scanRecord(row)
	if err != nil {
		return storage.TransactionRecord{}, HandleSQLError(err)
	}

	return rec, nil
}

// IsReady see [storage.RecordStore].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	versionReady, err := sqlcommon.IsReady(ctx, s.versionReady, s.db)
	if err != nil {
		return versionReady, err
	}
	s.versionReady = versionReady.IsReady
	return versionReady, nil
}

func scanRecord(row sq.RowScanner) (storage.TransactionRecord, error) {
	var (
		id, domain, callType                   string
		debugID, toNode, dataSize, offsetsSize int64
		payloadDigest, createdAt               int64
		fromPID, fromTID, toPID, toTID         uint32
		targetHandle                           uint32
		returnCode                             uint32
		returnParam                            int32
	)

	err := row.Scan(
		&id, &debugID, &domain, &callType,
		&fromPID, &fromTID, &toPID, &toTID,
		&targetHandle, &toNode, &dataSize, &offsetsSize,
		&returnCode, &returnParam, &payloadDigest, &createdAt,
	)
	if err != nil {
		return storage.TransactionRecord{}, err
	}

	return storage.TransactionRecord{
		ID:            id,
		DebugID:       uint64(debugID),
		Domain:        domain,
		CallType:      callType,
		FromPID:       fromPID,
		FromTID:       fromTID,
		ToPID:         toPID,
		ToTID:         toTID,
		TargetHandle:  targetHandle,
		ToNode:        uint64(toNode),
		DataSize:      uint64(dataSize),
		OffsetsSize:   uint64(offsetsSize),
		ReturnCode:    returnCode,
		ReturnParam:   returnParam,
		PayloadDigest: uint64(payloadDigest),
		CreatedAt:     time.Unix(0, createdAt).UTC(),
	}, nil
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
			return storage.ErrCollision
		}
	}

	return fmt.Errorf("sql error: %w", err)
}

// SQLite will return an SQLITE_BUSY error when the database is locked rather than waiting for the lock.
// This function retries the operation up to maxRetries times before returning the error.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
