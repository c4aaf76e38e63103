// Package audit persists one record per engine decision made through the
// HTTP service.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one decision. Actor is never stored; Append replaces it with
// ActorIDHash.
type Record struct {
	DecisionID  string          `json:"decision_id"`
	Operation   string          `json:"operation"`
	Wallet      string          `json:"wallet,omitempty"`
	Index       *int64          `json:"index,omitempty"`
	Actor       string          `json:"-"`
	ActorIDHash string          `json:"actor_id_hash"`
	Outcome     string          `json:"outcome"`
	Request     json.RawMessage `json:"request,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

const selectColumns = `decision_id, operation, wallet, idx, actor_id_hash, outcome, request_raw, result_raw, created_at`

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.ActorIDHash == "" && rec.Actor != "" {
		rec.ActorIDHash = HashActor(rec.Actor, w.HashSalt)
	}
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(decision_id, operation, wallet, idx, actor_id_hash, outcome, request_raw, result_raw, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.DecisionID, rec.Operation, rec.Wallet, rec.Index, rec.ActorIDHash, rec.Outcome, nullJSON(rec.Request), nullJSON(rec.Result), rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	row := w.DB.QueryRow(ctx, `SELECT `+selectColumns+` FROM audit_records WHERE decision_id=$1`, decisionID)
	return scanRecord(row)
}

// ListByWallet returns the newest records for wallet first.
func (w *Writer) ListByWallet(ctx context.Context, wallet string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT `+selectColumns+`
		FROM audit_records WHERE wallet=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var request, result []byte
	if err := row.Scan(&rec.DecisionID, &rec.Operation, &rec.Wallet, &rec.Index, &rec.ActorIDHash, &rec.Outcome, &request, &result, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Request = request
	rec.Result = result
	return rec, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
