// Package sqlitestore provides a SQLite implementation of triage.Store for
// single-node deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/loandesk/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/loandesk/internal/triage/sqlitestore")

//go:embed schema.sql
var schema string

// timeLayout has fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

const table = "service_requests"

var columns = []string{
	"id", "request_type", "sub_request_type", "deal_id", "extracted_fields",
	"confidence_score", "team_assigned", "status", "created_at", "updated_at",
}

// Store persists service requests in a SQLite file.
type Store struct {
	db *sql.DB
	qb sq.StatementBuilderType
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, qb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation.name", op),
		attribute.String("db.collection.name", table),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Create inserts a new service request.
func (s *Store) Create(ctx context.Context, sr *triage.ServiceRequest) (*triage.ServiceRequest, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Create", "INSERT")
	defer span.End()

	fields := sr.ExtractedFields
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fail(span, fmt.Errorf("marshal extracted fields: %w", err))
	}

	query, args, err := s.qb.Insert(table).
		Columns(columns...).
		Values(
			sr.ID, sr.RequestType, sr.SubRequestType, sr.DealID, string(fieldsJSON),
			sr.ConfidenceScore, sr.TeamAssigned, string(sr.Status),
			formatTime(sr.CreatedAt), formatTime(sr.UpdatedAt),
		).
		ToSql()
	if err != nil {
		return nil, fail(span, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fail(span, fmt.Errorf("insert service request: %w", err))
	}

	out, _, err := s.get(ctx, sr.ID)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// Get retrieves a service request by ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.ServiceRequest, bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Get", "SELECT")
	defer span.End()

	sr, ok, err := s.get(ctx, id)
	if err != nil {
		return nil, false, fail(span, err)
	}
	return sr, ok, nil
}

func (s *Store) get(ctx context.Context, id string) (*triage.ServiceRequest, bool, error) {
	query, args, err := s.qb.Select(columns...).From(table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, false, err
	}
	sr, err := scanRequest(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, false, err
	}
	return sr, sr != nil, nil
}

// GetByTeam lists the team's requests, oldest first.
func (s *Store) GetByTeam(ctx context.Context, team string) ([]*triage.ServiceRequest, error) {
	ctx, span := startSpan(ctx, "sqlitestore.GetByTeam", "SELECT")
	defer span.End()

	query, args, err := s.qb.Select(columns...).
		From(table).
		Where(sq.Eq{"team_assigned": team}).
		OrderBy("created_at", "rowid").
		ToSql()
	if err != nil {
		return nil, fail(span, err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query by team: %w", err))
	}
	defer rows.Close()

	out := []*triage.ServiceRequest{}
	for rows.Next() {
		sr, err := scanRequest(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate service requests: %w", err))
	}
	span.SetAttributes(attribute.Int("db.response.returned_rows", len(out)))
	return out, nil
}

// UpdateStatus sets status and updated_at and returns the updated row. ok is
// false when id does not exist.
func (s *Store) UpdateStatus(ctx context.Context, id string, status triage.Status, updatedAt time.Time) (*triage.ServiceRequest, bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.UpdateStatus", "UPDATE")
	defer span.End()

	query, args, err := s.qb.Update(table).
		Set("status", string(status)).
		Set("updated_at", formatTime(updatedAt)).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + strings.Join(columns, ", ")).
		ToSql()
	if err != nil {
		return nil, false, fail(span, err)
	}

	sr, err := scanRequest(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("update status: %w", err))
	}
	return sr, sr != nil, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRequest scans a single row. Returns (nil, nil) when no row is found.
func scanRequest(row scanner) (*triage.ServiceRequest, error) {
	var (
		sr         triage.ServiceRequest
		sub        sql.NullString
		fieldsJSON string
		status     string
		createdAt  string
		updatedAt  string
	)

	err := row.Scan(
		&sr.ID, &sr.RequestType, &sub, &sr.DealID, &fieldsJSON,
		&sr.ConfidenceScore, &sr.TeamAssigned, &status, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	if sub.Valid {
		sr.SubRequestType = &sub.String
	}
	sr.Status = triage.Status(status)

	if sr.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sr.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	sr.CreatedAt = sr.CreatedAt.UTC()
	sr.UpdatedAt = sr.UpdatedAt.UTC()

	if err := json.Unmarshal([]byte(fieldsJSON), &sr.ExtractedFields); err != nil {
		return nil, fmt.Errorf("unmarshal extracted fields: %w", err)
	}
	if sr.ExtractedFields == nil {
		sr.ExtractedFields = map[string]any{}
	}
	return &sr, nil
}
