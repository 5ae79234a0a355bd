// Package sqlite provides the embedded SQLite implementation of storage.Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"fintrack/internal/core"
	"fintrack/internal/storage"
)

var _ storage.Store = (*SQLiteRepository)(nil)

// Timestamps are stored as fixed-width UTC text so that string order is time order.
// RFC3339Nano trims trailing zeros and would sort "...:00Z" after "...:00.5Z".
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteRepository struct {
	db *sql.DB
}

// DSN builds the connection string used by both the store and the migrator.
// Write transactions take the database lock at BEGIN, which serializes settlements.
func DSN(dbPath string) string {
	return "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_txlock=immediate"
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := DSN(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const obligationColumns = `id, user_id, name, amount_cents, category_id, start_date, frequency,
	next_due_date, version, created_at, updated_at`

func (r *SQLiteRepository) CreateObligation(ctx context.Context, o core.Obligation) (int64, error) {
	now := time.Now().UTC().Format(timestampLayout)
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO recurring_expenses
		   (user_id, name, amount_cents, category_id, start_date, frequency, next_due_date, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		o.UserID, o.Name, o.Amount.Cents, nullableID(o.CategoryID),
		o.StartDate.String(), string(o.Frequency), o.StartDate.String(), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert recurring expense: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read recurring expense id: %w", err)
	}

	slog.InfoContext(ctx, "Recurring expense saved to SQLite",
		"id", id,
		"user_id", o.UserID,
		"frequency", o.Frequency,
		"next_due_date", o.StartDate.String())

	return id, nil
}

func (r *SQLiteRepository) GetObligation(ctx context.Context, id int64, userID string) (core.Obligation, error) {
	return getObligation(ctx, r.db, id, userID)
}

func (r *SQLiteRepository) ListObligations(ctx context.Context, userID string) ([]core.Obligation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+obligationColumns+` FROM recurring_expenses
		 WHERE user_id = ? ORDER BY next_due_date, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list recurring expenses: %w", err)
	}
	return collectObligations(rows)
}

func (r *SQLiteRepository) ListDueObligations(ctx context.Context, asOf core.Date) ([]core.Obligation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+obligationColumns+` FROM recurring_expenses
		 WHERE next_due_date <= ? ORDER BY next_due_date, id`, asOf.String())
	if err != nil {
		return nil, fmt.Errorf("list due recurring expenses: %w", err)
	}
	return collectObligations(rows)
}

// Settle runs the insert+advance pair in one immediate transaction. The version predicate
// on the UPDATE turns any interleaved write into ErrConflict instead of a lost advance.
func (r *SQLiteRepository) Settle(ctx context.Context, req storage.SettleRequest) (core.Settlement, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Settlement{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getObligation(ctx, tx, req.ObligationID, req.UserID)
	if err != nil {
		return core.Settlement{}, err
	}
	if req.OnlyIfDue && !current.IsDue(req.On) {
		return core.Settlement{}, storage.ErrNotDue
	}

	s, err := core.PlanSettlement(current, req.On, req.Origin)
	if err != nil {
		return core.Settlement{}, err
	}
	now := time.Now().UTC()
	s.Expense.CreatedAt = now
	s.Obligation.UpdatedAt = now

	e := s.Expense
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO expenses (id, user_id, recurring_id, category_id, amount_cents, description, date, origin, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, nullableID(e.ObligationID), nullableID(e.CategoryID), e.Amount.Cents,
		e.Description, e.Date.String(), string(e.Origin), now.Format(timestampLayout),
	); err != nil {
		return core.Settlement{}, fmt.Errorf("insert realized expense: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE recurring_expenses SET next_due_date = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		s.Obligation.NextDueDate.String(), now.Format(timestampLayout), current.ID, current.Version,
	)
	if err != nil {
		return core.Settlement{}, fmt.Errorf("advance next due date: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return core.Settlement{}, fmt.Errorf("advance next due date: %w", err)
	}
	if affected == 0 {
		return core.Settlement{}, storage.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return core.Settlement{}, fmt.Errorf("commit settlement: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepository) ListExpenses(ctx context.Context, userID string) ([]core.RealizedExpense, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, recurring_id, category_id, amount_cents, description, date, origin, created_at
		 FROM expenses WHERE user_id = ? ORDER BY date DESC, created_at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var out []core.RealizedExpense
	for rows.Next() {
		var (
			e                       core.RealizedExpense
			recurringID, categoryID sql.NullInt64
			date, origin, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &recurringID, &categoryID, &e.Amount.Cents,
			&e.Description, &date, &origin, &createdAt); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		if e.Date, err = core.ParseDate(date); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		e.ObligationID = idPtr(recurringID)
		e.CategoryID = idPtr(categoryID)
		e.Origin = core.Origin(origin)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) ListCategories(ctx context.Context) ([]core.Category, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.name, s.id, s.name
		 FROM categories c LEFT JOIN subcategories s ON s.category_id = c.id
		 ORDER BY c.id, s.id`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []core.Category
	for rows.Next() {
		var (
			id      int64
			name    string
			subID   sql.NullInt64
			subName sql.NullString
		)
		if err := rows.Scan(&id, &name, &subID, &subName); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, core.Category{ID: id, Name: name})
		}
		if subID.Valid {
			last := &out[len(out)-1]
			last.Subcategories = append(last.Subcategories, core.Subcategory{ID: subID.Int64, Name: subName.String})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) CategoryExists(ctx context.Context, id int64) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM categories WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check category: %w", err)
	}
	return n > 0, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getObligation(ctx context.Context, q queryer, id int64, userID string) (core.Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM recurring_expenses WHERE id = ?`
	args := []any{id}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	o, err := scanObligation(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Obligation{}, fmt.Errorf("recurring expense %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return core.Obligation{}, fmt.Errorf("get recurring expense %d: %w", id, err)
	}
	return o, nil
}

func collectObligations(rows *sql.Rows) ([]core.Obligation, error) {
	defer rows.Close()

	var out []core.Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring expense: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recurring expenses: %w", err)
	}
	return out, nil
}

func scanObligation(row rowScanner) (core.Obligation, error) {
	var (
		o                             core.Obligation
		categoryID                    sql.NullInt64
		startDate, frequency, nextDue string
		createdAt, updatedAt          string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.Name, &o.Amount.Cents, &categoryID,
		&startDate, &frequency, &nextDue, &o.Version, &createdAt, &updatedAt); err != nil {
		return core.Obligation{}, err
	}

	var err error
	if o.StartDate, err = core.ParseDate(startDate); err != nil {
		return core.Obligation{}, err
	}
	if o.NextDueDate, err = core.ParseDate(nextDue); err != nil {
		return core.Obligation{}, err
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return core.Obligation{}, fmt.Errorf("parse created_at: %w", err)
	}
	if o.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return core.Obligation{}, fmt.Errorf("parse updated_at: %w", err)
	}
	o.CategoryID = idPtr(categoryID)
	o.Frequency = core.Frequency(frequency)
	return o, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
