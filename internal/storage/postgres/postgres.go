// Package postgres implements storage.Store on PostgreSQL with pgxpool and squirrel.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fintrack/internal/core"
	"fintrack/internal/storage"
)

var _ storage.Store = (*PostgresRepository)(nil)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var obligationColumns = []string{
	"id", "user_id", "name", "amount_cents", "category_id", "start_date", "frequency",
	"next_due_date", "version", "created_at", "updated_at",
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository migrates the database at url and opens a connection pool on it.
func NewPostgresRepository(ctx context.Context, url string) (*PostgresRepository, error) {
	if err := RunMigrations(url); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// RunMigrations applies the embedded migrations through the pgx stdlib driver.
func RunMigrations(url string) error {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("create pgx driver: %w", err)
	}

	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "pgx", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) CreateObligation(ctx context.Context, o core.Obligation) (int64, error) {
	query, args, err := psql.Insert("recurring_expenses").
		Columns("user_id", "name", "amount_cents", "category_id", "start_date", "frequency", "next_due_date").
		Values(o.UserID, o.Name, o.Amount.Cents, o.CategoryID, o.StartDate.Time, string(o.Frequency), o.StartDate.Time).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}

	var id int64
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert recurring expense: %w", err)
	}

	slog.InfoContext(ctx, "Recurring expense saved to Postgres",
		"id", id,
		"user_id", o.UserID,
		"frequency", o.Frequency,
		"next_due_date", o.StartDate.String())

	return id, nil
}

func (r *PostgresRepository) GetObligation(ctx context.Context, id int64, userID string) (core.Obligation, error) {
	return getObligation(ctx, r.pool, id, userID, false)
}

func (r *PostgresRepository) ListObligations(ctx context.Context, userID string) ([]core.Obligation, error) {
	return r.queryObligations(ctx, psql.Select(obligationColumns...).
		From("recurring_expenses").
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("next_due_date", "id"))
}

func (r *PostgresRepository) ListDueObligations(ctx context.Context, asOf core.Date) ([]core.Obligation, error) {
	return r.queryObligations(ctx, psql.Select(obligationColumns...).
		From("recurring_expenses").
		Where(squirrel.LtOrEq{"next_due_date": asOf.Time}).
		OrderBy("next_due_date", "id"))
}

// Settle locks the obligation row for the duration of the transaction, so concurrent
// settlements of the same obligation queue up behind each other.
func (r *PostgresRepository) Settle(ctx context.Context, req storage.SettleRequest) (core.Settlement, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return core.Settlement{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := getObligation(ctx, tx, req.ObligationID, req.UserID, true)
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
	query, args, err := psql.Insert("expenses").
		Columns("id", "user_id", "recurring_id", "category_id", "amount_cents", "description", "date", "origin", "created_at").
		Values(e.ID, e.UserID, e.ObligationID, e.CategoryID, e.Amount.Cents, e.Description, e.Date.Time, string(e.Origin), now).
		ToSql()
	if err != nil {
		return core.Settlement{}, fmt.Errorf("build expense insert: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return core.Settlement{}, fmt.Errorf("insert realized expense: %w", err)
	}

	query, args, err = psql.Update("recurring_expenses").
		Set("next_due_date", s.Obligation.NextDueDate.Time).
		Set("version", squirrel.Expr("version + 1")).
		Set("updated_at", now).
		Where(squirrel.Eq{"id": current.ID, "version": current.Version}).
		ToSql()
	if err != nil {
		return core.Settlement{}, fmt.Errorf("build advance: %w", err)
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return core.Settlement{}, fmt.Errorf("advance next due date: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.Settlement{}, storage.ErrConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return core.Settlement{}, fmt.Errorf("commit settlement: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) ListExpenses(ctx context.Context, userID string) ([]core.RealizedExpense, error) {
	query, args, err := psql.Select("id::text", "user_id", "recurring_id", "category_id", "amount_cents",
		"description", "date", "origin", "created_at").
		From("expenses").
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("date DESC", "created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build expense query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var out []core.RealizedExpense
	for rows.Next() {
		var (
			e      core.RealizedExpense
			date   time.Time
			origin string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.ObligationID, &e.CategoryID, &e.Amount.Cents,
			&e.Description, &date, &origin, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		e.Date = core.DateOf(date)
		e.Origin = core.Origin(origin)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ListCategories(ctx context.Context) ([]core.Category, error) {
	query, args, err := psql.Select("c.id", "c.name", "s.id", "s.name").
		From("categories c").
		LeftJoin("subcategories s ON s.category_id = c.id").
		OrderBy("c.id", "s.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build category query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []core.Category
	for rows.Next() {
		var (
			id      int64
			name    string
			subID   *int64
			subName *string
		)
		if err := rows.Scan(&id, &name, &subID, &subName); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, core.Category{ID: id, Name: name})
		}
		if subID != nil && subName != nil {
			last := &out[len(out)-1]
			last.Subcategories = append(last.Subcategories, core.Subcategory{ID: *subID, Name: *subName})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) CategoryExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM categories WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check category: %w", err)
	}
	return exists, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getObligation(ctx context.Context, q querier, id int64, userID string, forUpdate bool) (core.Obligation, error) {
	b := psql.Select(obligationColumns...).
		From("recurring_expenses").
		Where(squirrel.Eq{"id": id})
	if userID != "" {
		b = b.Where(squirrel.Eq{"user_id": userID})
	}
	if forUpdate {
		b = b.Suffix("FOR UPDATE")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return core.Obligation{}, fmt.Errorf("build obligation query: %w", err)
	}

	o, err := scanObligation(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Obligation{}, fmt.Errorf("recurring expense %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return core.Obligation{}, fmt.Errorf("get recurring expense %d: %w", id, err)
	}
	return o, nil
}

func (r *PostgresRepository) queryObligations(ctx context.Context, b squirrel.SelectBuilder) ([]core.Obligation, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build obligation query: %w", err)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recurring expenses: %w", err)
	}
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

func scanObligation(row pgx.Row) (core.Obligation, error) {
	var (
		o                  core.Obligation
		startDate, nextDue time.Time
		frequency          string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.Name, &o.Amount.Cents, &o.CategoryID,
		&startDate, &frequency, &nextDue, &o.Version, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return core.Obligation{}, err
	}
	o.StartDate = core.DateOf(startDate)
	o.NextDueDate = core.DateOf(nextDue)
	o.Frequency = core.Frequency(frequency)
	return o, nil
}
