// Package repository содержит реализацию доступа к данным в PostgreSQL.
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
	"github.com/sethvargo/go-retry"

	"github.com/kakamart/kakamart-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrMemberExists возвращается при попытке создать участника с занятым логином.
var (
	ErrMemberExists = errors.New("member already exists")
	// ErrReferralCodeTaken возвращается при коллизии реферального кода.
	ErrReferralCodeTaken = errors.New("referral code already taken")
	// ErrMemberNotFound возвращается, если участник не найден или удалён.
	ErrMemberNotFound = errors.New("member not found")
	// ErrRootMember возвращается при попытке удалить корневого участника.
	ErrRootMember = errors.New("root member cannot be deleted")
	// ErrProductNotFound возвращается, если товар не найден или недоступен.
	ErrProductNotFound = errors.New("product not found")
	// ErrVoucherNotFound возвращается, если ваучер с таким кодом не существует.
	ErrVoucherNotFound = errors.New("voucher not found")
	// ErrTransactionNotFound возвращается, если транзакция не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTransactionPaid возвращается при повторном подтверждении оплаты:
	// комиссии по транзакции уже начислены.
	ErrTransactionPaid = errors.New("transaction already paid")
	// ErrTransactionNotPending возвращается, если транзакция уже отменена.
	ErrTransactionNotPending = errors.New("transaction is not pending payment")
	// ErrInsufficientBalance возвращается при списании сверх доступного баланса.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrWithdrawalNotFound возвращается, если заявка на вывод не найдена.
	ErrWithdrawalNotFound = errors.New("withdrawal request not found")
	// ErrWithdrawalDecided возвращается при повторном решении по заявке,
	// уже находящейся в финальном статусе.
	ErrWithdrawalDecided = errors.New("withdrawal request already decided")
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

// withRetry повторяет fn при ошибках сериализации, дедлоках и сетевых сбоях.
// Используется вокруг конкурентных read-modify-write операций.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateMember создаёт нового участника с указанным аплайном.
func (r *PostgresRepository) CreateMember(ctx context.Context, m *model.Member) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO members (login, password_hash, referral_code, upline_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		m.Login, m.PasswordHash, m.ReferralCode, m.UplineID,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "referral_code") {
				return 0, fmt.Errorf("%w: %s", ErrReferralCodeTaken, m.ReferralCode)
			}
			return 0, fmt.Errorf("%w: %s", ErrMemberExists, m.Login)
		}
		return 0, fmt.Errorf("create member: %w", err)
	}
	return id, nil
}

const memberColumns = `id, login, password_hash, referral_code, upline_id, active, is_admin, created_at, deleted_at`

func scanMember(row pgx.Row) (*model.Member, error) {
	var m model.Member
	err := row.Scan(&m.ID, &m.Login, &m.PasswordHash, &m.ReferralCode,
		&m.UplineID, &m.Active, &m.IsAdmin, &m.CreatedAt, &m.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("scan member: %w", err)
	}
	return &m, nil
}

// GetMemberByID возвращает участника по идентификатору, включая удалённых.
func (r *PostgresRepository) GetMemberByID(ctx context.Context, id int64) (*model.Member, error) {
	return scanMember(r.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE id = $1`, id))
}

// GetMemberByLogin возвращает неудалённого участника по логину.
func (r *PostgresRepository) GetMemberByLogin(ctx context.Context, login string) (*model.Member, error) {
	return scanMember(r.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE login = $1 AND deleted_at IS NULL`, login))
}

// GetMemberByReferralCode возвращает неудалённого участника по реферальному коду.
func (r *PostgresRepository) GetMemberByReferralCode(ctx context.Context, code string) (*model.Member, error) {
	return scanMember(r.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE referral_code = $1 AND deleted_at IS NULL`, code))
}

// GetRootMember возвращает корневого участника (единственного без аплайна).
func (r *PostgresRepository) GetRootMember(ctx context.Context) (*model.Member, error) {
	return scanMember(r.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE upline_id IS NULL`))
}

// DeleteMember мягко удаляет участника. История начисленных ему комиссий
// сохраняется; новых комиссий он больше не получает.
func (r *PostgresRepository) DeleteMember(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE members SET deleted_at = now(), active = FALSE
		 WHERE id = $1 AND deleted_at IS NULL AND upline_id IS NOT NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	m, err := r.GetMemberByID(ctx, id)
	if err != nil {
		return err
	}
	if m.UplineID == nil {
		return ErrRootMember
	}
	return ErrMemberNotFound
}

// GetSettings возвращает снимок глобальных настроек и таблицы процентов по уровням.
func (r *PostgresRepository) GetSettings(ctx context.Context) (*model.Settings, error) {
	var s model.Settings
	err := r.pool.QueryRow(ctx,
		`SELECT point_rate, commission_levels, tax_percent, min_withdrawal
		 FROM settings WHERE id = 1`,
	).Scan(&s.PointRate, &s.CommissionLevels, &s.TaxPercent, &s.MinWithdrawal)
	if err != nil {
		return nil, fmt.Errorf("select settings: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT level, percent FROM commission_rates ORDER BY level`)
	if err != nil {
		return nil, fmt.Errorf("select commission rates: %w", err)
	}
	defer rows.Close()

	// Уровни без записи в таблице получают нулевой процент.
	s.LevelPercents = make([]float64, s.CommissionLevels)
	for rows.Next() {
		var level int
		var percent float64
		if err := rows.Scan(&level, &percent); err != nil {
			return nil, fmt.Errorf("scan commission rate: %w", err)
		}
		if level >= 1 && level <= s.CommissionLevels {
			s.LevelPercents[level-1] = percent
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &s, nil
}

// GetProducts возвращает активные товары по списку идентификаторов.
func (r *PostgresRepository) GetProducts(ctx context.Context, ids []int64) (map[int64]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, price, points, active
		 FROM products
		 WHERE id = ANY($1) AND active`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	res := make(map[int64]model.Product, len(ids))
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Points, &p.Active); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetVoucher возвращает ваучер по коду.
func (r *PostgresRepository) GetVoucher(ctx context.Context, code string) (*model.Voucher, error) {
	var v model.Voucher
	err := r.pool.QueryRow(ctx,
		`SELECT code, percent, starts_at, ends_at, active FROM vouchers WHERE code = $1`,
		code,
	).Scan(&v.Code, &v.Percent, &v.StartsAt, &v.EndsAt, &v.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVoucherNotFound
		}
		return nil, fmt.Errorf("select voucher: %w", err)
	}
	return &v, nil
}

// GetAncestors возвращает цепочку аплайна участника по возрастанию уровня,
// не глубже maxDepth. Указатель на аплайн неизменяем после создания, поэтому
// цикл невозможен по построению; ограничение глубины в запросе — защита от
// испорченной записи, а не алгоритм обнаружения циклов.
func (r *PostgresRepository) GetAncestors(ctx context.Context, memberID int64, maxDepth int) ([]model.Ancestor, error) {
	if maxDepth <= 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx,
		`WITH RECURSIVE upline (member_id, level) AS (
		     SELECT upline_id, 1
		     FROM members
		     WHERE id = $1 AND upline_id IS NOT NULL
		   UNION ALL
		     SELECT m.upline_id, u.level + 1
		     FROM upline u
		     JOIN members m ON m.id = u.member_id
		     WHERE m.upline_id IS NOT NULL AND u.level < $2
		 )
		 SELECT u.level, u.member_id, m.active, m.deleted_at IS NOT NULL
		 FROM upline u
		 JOIN members m ON m.id = u.member_id
		 ORDER BY u.level
		 LIMIT $2`,
		memberID, maxDepth,
	)
	if err != nil {
		return nil, fmt.Errorf("select ancestors: %w", err)
	}
	defer rows.Close()

	var res []model.Ancestor
	for rows.Next() {
		var a model.Ancestor
		if err := rows.Scan(&a.Level, &a.MemberID, &a.Active, &a.Deleted); err != nil {
			return nil, fmt.Errorf("scan ancestor: %w", err)
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func balanceInTx(ctx context.Context, tx pgx.Tx, memberID int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE member_id = $1`,
		memberID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return balance, nil
}

// pendingWithdrawalPoints возвращает сумму баллов собственных заявок участника
// в статусе PENDING. Считается под блокировкой строки участника.
func pendingWithdrawalPoints(ctx context.Context, tx pgx.Tx, memberID int64) (int64, error) {
	var points int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0)
		 FROM withdrawal_requests
		 WHERE member_id = $1 AND status = $2`,
		memberID, string(model.WithdrawalStatusPending),
	).Scan(&points)
	if err != nil {
		return 0, fmt.Errorf("sum pending withdrawals: %w", err)
	}
	return points, nil
}

// availablePoints возвращает баллы, доступные участнику для списания:
// баланс журнала за вычетом баллов его ожидающих заявок на вывод. Баллы
// ожидающей заявки зарезервированы до решения администратора и не могут
// быть ни погашены в покупке, ни заявлены к выводу повторно.
func availablePoints(balance, pendingPoints int64) int64 {
	return balance - pendingPoints
}

// lockMember блокирует строку участника для сериализации изменений его журнала.
func lockMember(ctx context.Context, tx pgx.Tx, memberID int64) error {
	var dummy int
	err := tx.QueryRow(ctx,
		`SELECT 1 FROM members WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`,
		memberID,
	).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMemberNotFound
		}
		return fmt.Errorf("lock member: %w", err)
	}
	return nil
}

func insertCommissions(ctx context.Context, tx pgx.Tx, txnID, buyerID int64, credits []model.CommissionCredit) error {
	for _, c := range credits {
		var logID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO commission_logs (beneficiary_id, buyer_id, transaction_id, level, points)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			c.BeneficiaryID, buyerID, txnID, c.Level, c.Points,
		).Scan(&logID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: transaction %d", ErrTransactionPaid, txnID)
			}
			return fmt.Errorf("insert commission log: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (member_id, delta, kind, ref_id)
			 VALUES ($1, $2, $3, $4)`,
			c.BeneficiaryID, c.Points, string(model.LedgerKindCommission), logID,
		)
		if err != nil {
			return fmt.Errorf("insert commission ledger entry: %w", err)
		}
	}
	return nil
}

// CreateTransaction сохраняет транзакцию с позициями и списанием погашенных
// баллов одной атомарной операцией. Если транзакция создаётся сразу оплаченной,
// в той же операции начисляются комиссии credits: читатель журнала никогда не
// увидит списание баллов без соответствующих начислений.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, txn *model.Transaction, credits []model.CommissionCredit) (int64, error) {
	var id int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := lockMember(ctx, tx, txn.MemberID); err != nil {
			return err
		}

		if txn.PointsRedeemed > 0 {
			balance, err := balanceInTx(ctx, tx, txn.MemberID)
			if err != nil {
				return err
			}
			pending, err := pendingWithdrawalPoints(ctx, tx, txn.MemberID)
			if err != nil {
				return err
			}
			if txn.PointsRedeemed > availablePoints(balance, pending) {
				return ErrInsufficientBalance
			}
		}

		var paidAt *time.Time
		if txn.Status == model.TransactionStatusPaid {
			now := time.Now()
			paidAt = &now
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO transactions
			     (member_id, voucher_code, subtotal, discount, tax, total,
			      points_redeemed, payment_method, payment_ref, status, paid_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING id`,
			txn.MemberID, txn.VoucherCode, txn.Subtotal, txn.Discount, txn.Tax,
			txn.Total, txn.PointsRedeemed, txn.PaymentMethod, txn.PaymentRef,
			string(txn.Status), paidAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		for _, item := range txn.Items {
			_, err = tx.Exec(ctx,
				`INSERT INTO transaction_items (transaction_id, product_id, unit_price, quantity)
				 VALUES ($1, $2, $3, $4)`,
				id, item.ProductID, item.UnitPrice, item.Quantity,
			)
			if err != nil {
				return fmt.Errorf("insert transaction item: %w", err)
			}
		}

		if txn.PointsRedeemed > 0 {
			_, err = tx.Exec(ctx,
				`INSERT INTO ledger_entries (member_id, delta, kind, ref_id)
				 VALUES ($1, $2, $3, $4)`,
				txn.MemberID, -txn.PointsRedeemed, string(model.LedgerKindRedeem), id,
			)
			if err != nil {
				return fmt.Errorf("insert redeem ledger entry: %w", err)
			}
		}

		if txn.Status == model.TransactionStatusPaid {
			if err := insertCommissions(ctx, tx, id, txn.MemberID, credits); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// checkTransactionState различает причины неудачного перевода статуса.
func (r *PostgresRepository) checkTransactionState(ctx context.Context, txnID int64) error {
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT status FROM transactions WHERE id = $1`, txnID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTransactionNotFound
		}
		return fmt.Errorf("select transaction status: %w", err)
	}

	if model.TransactionStatus(status) == model.TransactionStatusPaid {
		return fmt.Errorf("%w: transaction %d", ErrTransactionPaid, txnID)
	}
	return fmt.Errorf("%w: transaction %d", ErrTransactionNotPending, txnID)
}

// MarkTransactionPaid переводит транзакцию в статус PAID и начисляет комиссии
// credits одной атомарной операцией. Защита от повторного начисления — перевод
// статуса check-and-set: повторный вызов для уже оплаченной транзакции
// возвращает ErrTransactionPaid, не изменяя журнал.
func (r *PostgresRepository) MarkTransactionPaid(ctx context.Context, txnID int64, credits []model.CommissionCredit) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var buyerID int64
		err = tx.QueryRow(ctx,
			`UPDATE transactions SET status = $2, paid_at = now()
			 WHERE id = $1 AND status = $3
			 RETURNING member_id`,
			txnID, string(model.TransactionStatusPaid), string(model.TransactionStatusPending),
		).Scan(&buyerID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return r.checkTransactionState(ctx, txnID)
			}
			return fmt.Errorf("update transaction status: %w", err)
		}

		if err := insertCommissions(ctx, tx, txnID, buyerID, credits); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// CancelTransaction отменяет неоплаченную транзакцию и возвращает погашенные
// баллы компенсирующей записью журнала. Исходное списание не редактируется.
func (r *PostgresRepository) CancelTransaction(ctx context.Context, txnID int64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var memberID, redeemed int64
		err = tx.QueryRow(ctx,
			`UPDATE transactions SET status = $2
			 WHERE id = $1 AND status = $3
			 RETURNING member_id, points_redeemed`,
			txnID, string(model.TransactionStatusCanceled), string(model.TransactionStatusPending),
		).Scan(&memberID, &redeemed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return r.checkTransactionState(ctx, txnID)
			}
			return fmt.Errorf("update transaction status: %w", err)
		}

		if redeemed > 0 {
			_, err = tx.Exec(ctx,
				`INSERT INTO ledger_entries (member_id, delta, kind, ref_id)
				 VALUES ($1, $2, $3, $4)`,
				memberID, redeemed, string(model.LedgerKindRedeemReversal), txnID,
			)
			if err != nil {
				return fmt.Errorf("insert reversal ledger entry: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

const transactionColumns = `id, member_id, voucher_code, subtotal, discount, tax, total,
	points_redeemed, payment_method, payment_ref, status, created_at, paid_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var status string
	err := row.Scan(&t.ID, &t.MemberID, &t.VoucherCode, &t.Subtotal, &t.Discount,
		&t.Tax, &t.Total, &t.PointsRedeemed, &t.PaymentMethod, &t.PaymentRef,
		&status, &t.CreatedAt, &t.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	t.Status = model.TransactionStatus(status)
	return &t, nil
}

// GetTransaction возвращает транзакцию с позициями.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id int64) (*model.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT product_id, unit_price, quantity
		 FROM transaction_items
		 WHERE transaction_id = $1
		 ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select transaction items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item model.TransactionItem
		if err := rows.Scan(&item.ProductID, &item.UnitPrice, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan transaction item: %w", err)
		}
		t.Items = append(t.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return t, nil
}

// GetTransactionByRef возвращает транзакцию по ссылке платёжного шлюза.
func (r *PostgresRepository) GetTransactionByRef(ctx context.Context, ref string) (*model.Transaction, error) {
	return scanTransaction(r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE payment_ref = $1`, ref))
}

// GetTransactionsByMember возвращает транзакции участника, новые первыми.
func (r *PostgresRepository) GetTransactionsByMember(ctx context.Context, memberID int64) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE member_id = $1
		 ORDER BY created_at DESC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// PendingPayment описывает транзакцию, ожидающую подтверждения шлюзом.
type PendingPayment struct {
	TransactionID int64
	PaymentRef    string
}

// GetPendingPayments возвращает шлюзовые транзакции, ожидающие оплаты.
func (r *PostgresRepository) GetPendingPayments(ctx context.Context, limit int) ([]PendingPayment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, payment_ref
		 FROM transactions
		 WHERE status = $1 AND payment_method = $2
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.TransactionStatusPending), model.PaymentMethodGateway, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending payments: %w", err)
	}
	defer rows.Close()

	var res []PendingPayment
	for rows.Next() {
		var p PendingPayment
		if err := rows.Scan(&p.TransactionID, &p.PaymentRef); err != nil {
			return nil, fmt.Errorf("scan pending payment: %w", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetBalance возвращает баланс участника в баллах: сумму всех записей журнала.
func (r *PostgresRepository) GetBalance(ctx context.Context, memberID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE member_id = $1`,
		memberID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return balance, nil
}

// GetLedgerByMember возвращает журнал баланса участника, новые записи первыми.
func (r *PostgresRepository) GetLedgerByMember(ctx context.Context, memberID int64) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, member_id, delta, kind, ref_id, created_at
		 FROM ledger_entries
		 WHERE member_id = $1
		 ORDER BY created_at DESC, id DESC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.MemberID, &e.Delta, &kind, &e.RefID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = model.LedgerEntryKind(kind)
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetCommissionsByMember возвращает историю комиссий получателя, новые первыми.
func (r *PostgresRepository) GetCommissionsByMember(ctx context.Context, memberID int64) ([]model.CommissionLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, beneficiary_id, buyer_id, transaction_id, level, points, created_at
		 FROM commission_logs
		 WHERE beneficiary_id = $1
		 ORDER BY created_at DESC, id DESC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("select commission logs: %w", err)
	}
	defer rows.Close()

	var res []model.CommissionLog
	for rows.Next() {
		var c model.CommissionLog
		if err := rows.Scan(&c.ID, &c.BeneficiaryID, &c.BuyerID, &c.TransactionID,
			&c.Level, &c.Points, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan commission log: %w", err)
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// LifetimeEarnings возвращает сумму всех когда-либо начисленных участнику
// комиссий. Величина выводится из commission_logs и потому не убывает.
func (r *PostgresRepository) LifetimeEarnings(ctx context.Context, memberID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0) FROM commission_logs WHERE beneficiary_id = $1`,
		memberID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum commissions: %w", err)
	}
	return total, nil
}

// CreateWithdrawal создаёт заявку на вывод средств. Доступный баланс считается
// за вычетом собственных заявок участника в статусе PENDING, поэтому две
// конкурентные заявки не могут суммарно превысить баланс; строка участника
// блокируется на время проверки.
func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, memberID, amount, points int64) (*model.WithdrawalRequest, error) {
	var req model.WithdrawalRequest
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := lockMember(ctx, tx, memberID); err != nil {
			return err
		}

		balance, err := balanceInTx(ctx, tx, memberID)
		if err != nil {
			return err
		}

		pending, err := pendingWithdrawalPoints(ctx, tx, memberID)
		if err != nil {
			return err
		}

		if points > availablePoints(balance, pending) {
			return ErrInsufficientBalance
		}

		req = model.WithdrawalRequest{
			MemberID: memberID,
			Amount:   amount,
			Points:   points,
			Status:   model.WithdrawalStatusPending,
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO withdrawal_requests (member_id, amount, points)
			 VALUES ($1, $2, $3)
			 RETURNING id, requested_at`,
			memberID, amount, points,
		).Scan(&req.ID, &req.RequestedAt)
		if err != nil {
			return fmt.Errorf("insert withdrawal request: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

const withdrawalColumns = `id, member_id, amount, points, status, proof_image,
	proof_link, rejection_reason, requested_at, decided_at`

func scanWithdrawal(row pgx.Row) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	var status string
	err := row.Scan(&w.ID, &w.MemberID, &w.Amount, &w.Points, &status,
		&w.ProofImage, &w.ProofLink, &w.RejectionReason, &w.RequestedAt, &w.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("scan withdrawal: %w", err)
	}
	w.Status = model.WithdrawalStatus(status)
	return &w, nil
}

// DecideWithdrawal выполняет решение администратора по заявке.
// Одобрение записывает отрицательную запись журнала на points заявки атомарно
// со сменой статуса; отклонение журнал не изменяет. Повторное решение по
// финальной заявке возвращает ErrWithdrawalDecided.
func (r *PostgresRepository) DecideWithdrawal(ctx context.Context, requestID int64, approve bool, proofImage, proofLink, reason *string) (*model.WithdrawalRequest, error) {
	var res *model.WithdrawalRequest
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		w, err := scanWithdrawal(tx.QueryRow(ctx,
			`SELECT `+withdrawalColumns+`
			 FROM withdrawal_requests
			 WHERE id = $1
			 FOR UPDATE`,
			requestID,
		))
		if err != nil {
			return err
		}

		if w.Status.Terminal() {
			return fmt.Errorf("%w: request %d is %s", ErrWithdrawalDecided, w.ID, w.Status)
		}

		if approve {
			w, err = scanWithdrawal(tx.QueryRow(ctx,
				`UPDATE withdrawal_requests
				 SET status = $2, proof_image = $3, proof_link = $4, decided_at = now()
				 WHERE id = $1
				 RETURNING `+withdrawalColumns,
				requestID, string(model.WithdrawalStatusApproved), proofImage, proofLink,
			))
			if err != nil {
				return err
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO ledger_entries (member_id, delta, kind, ref_id)
				 VALUES ($1, $2, $3, $4)`,
				w.MemberID, -w.Points, string(model.LedgerKindWithdrawal), w.ID,
			)
			if err != nil {
				return fmt.Errorf("insert withdrawal ledger entry: %w", err)
			}
		} else {
			w, err = scanWithdrawal(tx.QueryRow(ctx,
				`UPDATE withdrawal_requests
				 SET status = $2, rejection_reason = $3, decided_at = now()
				 WHERE id = $1
				 RETURNING `+withdrawalColumns,
				requestID, string(model.WithdrawalStatusRejected), reason,
			))
			if err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		res = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetWithdrawalsByMember возвращает заявки участника, новые первыми.
func (r *PostgresRepository) GetWithdrawalsByMember(ctx context.Context, memberID int64) ([]model.WithdrawalRequest, error) {
	return r.selectWithdrawals(ctx,
		`SELECT `+withdrawalColumns+`
		 FROM withdrawal_requests
		 WHERE member_id = $1
		 ORDER BY requested_at DESC`,
		memberID)
}

// GetPendingWithdrawals возвращает очередь заявок, ожидающих решения, старые первыми.
func (r *PostgresRepository) GetPendingWithdrawals(ctx context.Context) ([]model.WithdrawalRequest, error) {
	return r.selectWithdrawals(ctx,
		`SELECT `+withdrawalColumns+`
		 FROM withdrawal_requests
		 WHERE status = $1
		 ORDER BY requested_at`,
		string(model.WithdrawalStatusPending))
}

func (r *PostgresRepository) selectWithdrawals(ctx context.Context, query string, args ...any) ([]model.WithdrawalRequest, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select withdrawals: %w", err)
	}
	defer rows.Close()

	var res []model.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetNetworkStats возвращает статистику сети участника. Фронтлайн — прямые
// рефералы; группа — все потомки не глубже maxDepth (той же глубины, что и
// выплата комиссий). Удалённые участники не учитываются.
func (r *PostgresRepository) GetNetworkStats(ctx context.Context, memberID int64, maxDepth int) (*model.NetworkStats, error) {
	var stats model.NetworkStats

	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM members WHERE upline_id = $1 AND deleted_at IS NULL`,
		memberID,
	).Scan(&stats.FrontlineCount)
	if err != nil {
		return nil, fmt.Errorf("count frontline: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`WITH RECURSIVE downline (member_id, level) AS (
		     SELECT id, 1
		     FROM members
		     WHERE upline_id = $1 AND deleted_at IS NULL
		   UNION ALL
		     SELECT m.id, d.level + 1
		     FROM members m
		     JOIN downline d ON m.upline_id = d.member_id
		     WHERE m.deleted_at IS NULL AND d.level < $2
		 )
		 SELECT count(*) FROM downline`,
		memberID, maxDepth,
	).Scan(&stats.TotalGroupCount)
	if err != nil {
		return nil, fmt.Errorf("count downline: %w", err)
	}

	earnings, err := r.LifetimeEarnings(ctx, memberID)
	if err != nil {
		return nil, err
	}
	stats.LifetimeEarnings = earnings

	return &stats, nil
}
