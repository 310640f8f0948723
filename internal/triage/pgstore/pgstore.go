// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/loandesk/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/loandesk/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists service requests in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const requestColumns = `id, request_type, sub_request_type, deal_id, extracted_fields,
	confidence_score, team_assigned, status, created_at, updated_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("db.collection.name", "service_requests"),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Create inserts a new service request.
func (s *Store) Create(ctx context.Context, sr *triage.ServiceRequest) (*triage.ServiceRequest, error) {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	fieldsJSON, err := marshalFields(sr.ExtractedFields)
	if err != nil {
		return nil, fail(span, err)
	}

	query := `INSERT INTO service_requests (` + requestColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING ` + requestColumns

	out, err := scanRequest(s.pool.QueryRow(ctx, query,
		sr.ID, sr.RequestType, sr.SubRequestType, sr.DealID, fieldsJSON,
		sr.ConfidenceScore, sr.TeamAssigned, string(sr.Status), sr.CreatedAt, sr.UpdatedAt,
	))
	if err != nil {
		return nil, fail(span, fmt.Errorf("insert service request: %w", err))
	}
	span.SetAttributes(attribute.String("loandesk.service_request_id", out.ID))
	return out, nil
}

// Get retrieves a service request by ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.ServiceRequest, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + requestColumns + ` FROM service_requests WHERE id = $1`
	sr, err := scanRequest(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if sr == nil {
		return nil, false, nil
	}
	return sr, true, nil
}

// GetByTeam lists the team's requests, oldest first.
func (s *Store) GetByTeam(ctx context.Context, team string) ([]*triage.ServiceRequest, error) {
	ctx, span := startSpan(ctx, "pgstore.GetByTeam", "SELECT")
	defer span.End()

	query := `SELECT ` + requestColumns + ` FROM service_requests
		WHERE team_assigned = $1 ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, team)
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

// UpdateStatus sets status and updated_at in one statement and returns the
// updated row. ok is false when id does not exist.
func (s *Store) UpdateStatus(ctx context.Context, id string, status triage.Status, updatedAt time.Time) (*triage.ServiceRequest, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.UpdateStatus", "UPDATE")
	defer span.End()

	query := `UPDATE service_requests SET status = $2, updated_at = $3
		WHERE id = $1 RETURNING ` + requestColumns
	sr, err := scanRequest(s.pool.QueryRow(ctx, query, id, string(status), updatedAt))
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("update status: %w", err))
	}
	if sr == nil {
		return nil, false, nil
	}
	return sr, true, nil
}

func marshalFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal extracted fields: %w", err)
	}
	return b, nil
}

// scanRequest scans a single row. Returns (nil, nil) when no row is found.
func scanRequest(row pgx.Row) (*triage.ServiceRequest, error) {
	var (
		sr         triage.ServiceRequest
		status     string
		fieldsJSON []byte
	)

	err := row.Scan(
		&sr.ID, &sr.RequestType, &sr.SubRequestType, &sr.DealID, &fieldsJSON,
		&sr.ConfidenceScore, &sr.TeamAssigned, &status, &sr.CreatedAt, &sr.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	sr.Status = triage.Status(status)
	sr.CreatedAt = sr.CreatedAt.UTC()
	sr.UpdatedAt = sr.UpdatedAt.UTC()

	if err := json.Unmarshal(fieldsJSON, &sr.ExtractedFields); err != nil {
		return nil, fmt.Errorf("unmarshal extracted fields: %w", err)
	}
	if sr.ExtractedFields == nil {
		sr.ExtractedFields = map[string]any{}
	}
	return &sr, nil
}
