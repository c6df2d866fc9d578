// Package repository содержит реализацию хранилища заявок в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/plrequest-system/internal/allocation"
	"github.com/mmeshcher/plrequest-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrProductExists возвращается при попытке зарегистрировать позицию с уже существующим номером.
var (
	ErrProductExists = errors.New("product already exists")
	// ErrProductNotFound возвращается, если позиция не найдена.
	ErrProductNotFound = errors.New("product not found")
	// ErrInvalidSection возвращается, если секция не входит в перечень секций позиции.
	ErrInvalidSection = errors.New("section is not defined for product")
	// ErrRequestNotFound возвращается, если заявка не найдена.
	ErrRequestNotFound = errors.New("request not found")
	// ErrInvalidStateTransition возвращается при недопустимом переходе статуса заявки.
	ErrInvalidStateTransition = errors.New("invalid request state transition")
	// ErrUserExists возвращается при попытке создать пользователя с уже существующим табельным номером.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при сбоях сериализации, дедлоках
// и сетевых ошибках. Ошибки бизнес-правил не ретраятся.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateProduct сохраняет новую позицию вместе с лимитами секций.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p *model.Product) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO products (code, name, yearly_limit, global_limit, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		p.Code, p.Name, p.YearlyLimit, p.GlobalLimit, p.CreatedAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrProductExists, p.Code)
		}
		return 0, fmt.Errorf("insert product: %w", err)
	}

	for section, limit := range p.SectionLimits {
		_, err = tx.Exec(ctx,
			`INSERT INTO section_limits (product_id, section, limit_qty) VALUES ($1, $2, $3)`,
			id, section, limit,
		)
		if err != nil {
			return 0, fmt.Errorf("insert section limit: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// GetProduct возвращает позицию по номеру вместе с лимитами секций.
func (r *PostgresRepository) GetProduct(ctx context.Context, code string) (*model.Product, error) {
	var p model.Product
	err := r.pool.QueryRow(ctx,
		`SELECT id, code, name, yearly_limit, global_limit, created_at, updated_at
		 FROM products WHERE code = $1`,
		code,
	).Scan(&p.ID, &p.Code, &p.Name, &p.YearlyLimit, &p.GlobalLimit, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, code)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	p.SectionLimits, err = r.sectionLimits(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	return &p, nil
}

func (r *PostgresRepository) sectionLimits(ctx context.Context, productID int64) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT section, limit_qty FROM section_limits WHERE product_id = $1`,
		productID,
	)
	if err != nil {
		return nil, fmt.Errorf("select section limits: %w", err)
	}
	defer rows.Close()

	limits := make(map[string]int64)
	for rows.Next() {
		var section string
		var limit int64
		if err := rows.Scan(&section, &limit); err != nil {
			return nil, fmt.Errorf("scan section limit: %w", err)
		}
		limits[section] = limit
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return limits, nil
}

// ListProducts возвращает все позиции, отсортированные по номеру.
func (r *PostgresRepository) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, code, name, yearly_limit, global_limit, created_at, updated_at
		 FROM products
		 ORDER BY code`,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.YearlyLimit, &p.GlobalLimit, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range products {
		products[i].SectionLimits, err = r.sectionLimits(ctx, products[i].ID)
		if err != nil {
			return nil, err
		}
	}

	return products, nil
}

// UpdateProductLimits заменяет лимиты позиции на новые значения.
// Проверка согласованности новых лимитов выполняется бизнес-слоем;
// сверка с уже зарезервированным количеством не производится.
func (r *PostgresRepository) UpdateProductLimits(ctx context.Context, code string, yearlyLimit, globalLimit int64, sectionLimits map[string]int64, updatedAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`UPDATE products SET yearly_limit = $2, global_limit = $3, updated_at = $4
		 WHERE code = $1
		 RETURNING id`,
		code, yearlyLimit, globalLimit, updatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrProductNotFound, code)
		}
		return fmt.Errorf("update product: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM section_limits WHERE product_id = $1`, id); err != nil {
		return fmt.Errorf("delete section limits: %w", err)
	}

	for section, limit := range sectionLimits {
		_, err = tx.Exec(ctx,
			`INSERT INTO section_limits (product_id, section, limit_qty) VALUES ($1, $2, $3)`,
			id, section, limit,
		)
		if err != nil {
			return fmt.Errorf("insert section limit: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// CreateRequest выполняет проверку допуска и сохранение заявки как единую
// единицу работы. Строка позиции блокируется на время транзакции, поэтому
// две конкурентные заявки по одной позиции не могут пройти проверку по
// одному и тому же снимку остатка.
func (r *PostgresRepository) CreateRequest(ctx context.Context, productCode, section string, qty int64, empID string, requestDate, createdAt time.Time) (*model.Request, *allocation.AdmissionResult, error) {
	var req *model.Request
	var res *allocation.AdmissionResult

	err := r.withRetry(ctx, func() error {
		var txErr error
		req, res, txErr = r.createRequestTx(ctx, productCode, section, qty, empID, requestDate, createdAt)
		return txErr
	})
	if err != nil {
		return nil, nil, err
	}

	return req, res, nil
}

func (r *PostgresRepository) createRequestTx(ctx context.Context, productCode, section string, qty int64, empID string, requestDate, createdAt time.Time) (*model.Request, *allocation.AdmissionResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку позиции: проверка остатка и вставка заявки должны
	// видеть один и тот же снимок зарезервированных количеств.
	var productID, yearlyLimit, globalLimit int64
	err = tx.QueryRow(ctx,
		`SELECT id, yearly_limit, global_limit FROM products WHERE code = $1 FOR UPDATE`,
		productCode,
	).Scan(&productID, &yearlyLimit, &globalLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: %s", ErrProductNotFound, productCode)
		}
		return nil, nil, fmt.Errorf("lock product: %w", err)
	}

	var sectionLimit int64
	err = tx.QueryRow(ctx,
		`SELECT limit_qty FROM section_limits WHERE product_id = $1 AND section = $2`,
		productID, section,
	).Scan(&sectionLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: %s", ErrInvalidSection, section)
		}
		return nil, nil, fmt.Errorf("get section limit: %w", err)
	}

	// Зарезервировано считается по requested_qty всех заявок:
	// ожидающие, согласованные и выданные одинаково удерживают ёмкость.
	var sectionCommitted int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(requested_qty), 0)
		 FROM requests
		 WHERE product_code = $1 AND section = $2`,
		productCode, section,
	).Scan(&sectionCommitted)
	if err != nil {
		return nil, nil, fmt.Errorf("sum section requests: %w", err)
	}

	var totalCommitted int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(requested_qty), 0)
		 FROM requests
		 WHERE product_code = $1`,
		productCode,
	).Scan(&totalCommitted)
	if err != nil {
		return nil, nil, fmt.Errorf("sum product requests: %w", err)
	}

	res, err := allocation.CheckAdmission(allocation.AdmissionInput{
		Section:          section,
		SectionLimit:     sectionLimit,
		SectionCommitted: sectionCommitted,
		YearlyLimit:      yearlyLimit,
		GlobalLimit:      globalLimit,
		TotalCommitted:   totalCommitted,
		Requested:        qty,
	})
	if err != nil {
		return nil, nil, err
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO requests (product_code, section, requested_qty, requested_by, request_date, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		productCode, section, qty, empID, requestDate, string(model.RequestStatusPending), createdAt,
	).Scan(&id)
	if err != nil {
		return nil, nil, fmt.Errorf("insert request: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit tx: %w", err)
	}

	return &model.Request{
		ID:           id,
		ProductCode:  productCode,
		Section:      section,
		RequestedQty: qty,
		RequestedBy:  empID,
		RequestDate:  requestDate,
		Status:       model.RequestStatusPending,
		CreatedAt:    createdAt,
	}, res, nil
}

const requestColumns = `id, product_code, section, requested_qty, COALESCE(requested_by, ''), request_date,
	 status, delivered_qty, delivered_date, approved_by, approved_at, created_at`

func scanRequest(row pgx.Row) (*model.Request, error) {
	var req model.Request
	var status string
	err := row.Scan(
		&req.ID, &req.ProductCode, &req.Section, &req.RequestedQty, &req.RequestedBy, &req.RequestDate,
		&status, &req.DeliveredQty, &req.DeliveredDate, &req.ApprovedBy, &req.ApprovedAt, &req.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Status = model.RequestStatus(status)
	return &req, nil
}

// GetRequestByID возвращает заявку по идентификатору.
func (r *PostgresRepository) GetRequestByID(ctx context.Context, id int64) (*model.Request, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`,
		id,
	)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("get request: %w", err)
	}

	return req, nil
}

// ListRequests возвращает заявки, отсортированные по дате по убыванию.
// Пустой productCode означает выборку по всем позициям.
func (r *PostgresRepository) ListRequests(ctx context.Context, productCode string) ([]model.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests`
	args := []any{}
	if productCode != "" {
		query += ` WHERE product_code = $1`
		args = append(args, productCode)
	}
	query += ` ORDER BY request_date DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select requests: %w", err)
	}
	defer rows.Close()

	var requests []model.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, *req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return requests, nil
}

// ApproveRequest переводит заявку из pending в approved.
// Лимиты повторно не проверяются: количество зарезервировано при создании.
func (r *PostgresRepository) ApproveRequest(ctx context.Context, id int64, approverEmpID string, approvedAt time.Time) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM requests WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrRequestNotFound
			}
			return fmt.Errorf("lock request: %w", err)
		}

		if status != string(model.RequestStatusPending) {
			return fmt.Errorf("%w: request is %s, not pending", ErrInvalidStateTransition, status)
		}

		_, err = tx.Exec(ctx,
			`UPDATE requests SET status = $2, approved_by = $3, approved_at = $4, updated_at = $4 WHERE id = $1`,
			id, string(model.RequestStatusApproved), approverEmpID, approvedAt,
		)
		if err != nil {
			return fmt.Errorf("update request: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// RecordDelivery переводит согласованную заявку в delivered.
// Допускается только полная поставка: количество должно в точности
// совпадать с запрошенным.
func (r *PostgresRepository) RecordDelivery(ctx context.Context, id, deliveredQty int64, deliveredDate time.Time) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var status string
		var requestedQty int64
		err = tx.QueryRow(ctx,
			`SELECT status, requested_qty FROM requests WHERE id = $1 FOR UPDATE`,
			id,
		).Scan(&status, &requestedQty)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrRequestNotFound
			}
			return fmt.Errorf("lock request: %w", err)
		}

		if status != string(model.RequestStatusApproved) {
			return fmt.Errorf("%w: request is %s, not approved", ErrInvalidStateTransition, status)
		}

		if deliveredQty != requestedQty {
			return fmt.Errorf("%w: partial delivery not allowed, must deliver full requested quantity (%d)",
				ErrInvalidStateTransition, requestedQty)
		}

		_, err = tx.Exec(ctx,
			`UPDATE requests SET status = $2, delivered_qty = $3, delivered_date = $4, updated_at = $4 WHERE id = $1`,
			id, string(model.RequestStatusDelivered), deliveredQty, deliveredDate,
		)
		if err != nil {
			return fmt.Errorf("update request: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// SectionTotals содержит согласованное и выданное количество по одной секции.
type SectionTotals struct {
	Approved  int64
	Delivered int64
}

// GetSectionUsage возвращает по каждой секции позиции суммы согласованных
// (approved и delivered по requested_qty) и выданных (delivered_qty)
// количеств. Суммы всегда пересчитываются из хранилища, без кэширования.
func (r *PostgresRepository) GetSectionUsage(ctx context.Context, productCode string) (map[string]SectionTotals, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT section,
		        COALESCE(SUM(requested_qty) FILTER (WHERE status IN ($2, $3)), 0),
		        COALESCE(SUM(delivered_qty) FILTER (WHERE status = $3), 0)
		 FROM requests
		 WHERE product_code = $1
		 GROUP BY section`,
		productCode, string(model.RequestStatusApproved), string(model.RequestStatusDelivered),
	)
	if err != nil {
		return nil, fmt.Errorf("select section usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]SectionTotals)
	for rows.Next() {
		var section string
		var totals SectionTotals
		if err := rows.Scan(&section, &totals.Approved, &totals.Delivered); err != nil {
			return nil, fmt.Errorf("scan section usage: %w", err)
		}
		usage[section] = totals
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return usage, nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, empID string, passwordHash []byte, role string, createdBy *string, createdAt time.Time) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (emp_id, password_hash, role, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		empID, passwordHash, role, createdBy, createdAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, empID)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmpID возвращает пользователя по табельному номеру.
func (r *PostgresRepository) GetUserByEmpID(ctx context.Context, empID string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, emp_id, password_hash, role, created_by, created_at FROM users WHERE emp_id = $1`,
		empID,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.EmpID, &u.PasswordHash, &role, &u.CreatedBy, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.UserRole(role)

	return &u, nil
}

// ListUsers возвращает всех пользователей, отсортированных по табельному номеру.
func (r *PostgresRepository) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, emp_id, password_hash, role, created_by, created_at FROM users ORDER BY emp_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var role string
		if err := rows.Scan(&u.ID, &u.EmpID, &u.PasswordHash, &role, &u.CreatedBy, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = model.UserRole(role)
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

// UpdateUserPassword заменяет хэш пароля пользователя.
func (r *PostgresRepository) UpdateUserPassword(ctx context.Context, empID string, passwordHash []byte) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2 WHERE emp_id = $1`,
		empID, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, empID)
	}

	return nil
}
