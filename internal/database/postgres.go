package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"offer-redemption-engine/internal/models"
)

var _ Store = (*PostgresDB)(nil)

// SQLSTATE codes mapped to sentinel errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresDB is the Postgres implementation of Store. InsertRedemption locks
// the offer row so concurrent redemptions of one offer are serialized.
type PostgresDB struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresDB connects to Postgres and initializes the schema.
func NewPostgresDB(ctx context.Context, connString string) (*PostgresDB, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse database config")
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to ping database")
	}

	db := &PostgresDB{pool: pool, now: time.Now}
	if err := db.initSchema(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return db, nil
}

// Close closes the pool.
func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

func (db *PostgresDB) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS students (
			id TEXT PRIMARY KEY,
			public_id TEXT UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			photo_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			total_savings_cents BIGINT NOT NULL DEFAULT 0,
			total_redemptions BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS merchants (
			id TEXT PRIMARY KEY,
			public_id TEXT UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			total_redemptions BIGINT NOT NULL DEFAULT 0,
			total_revenue_cents BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS offers (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL REFERENCES merchants(id),
			title TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			discount_value TEXT NOT NULL,
			original_price TEXT NOT NULL DEFAULT '0',
			min_purchase TEXT,
			max_discount TEXT,
			valid_until TIMESTAMPTZ,
			status TEXT NOT NULL,
			total_redemptions BIGINT NOT NULL DEFAULT 0,
			max_per_student BIGINT,
			cooldown_hours BIGINT,
			one_time_only BOOLEAN NOT NULL DEFAULT false,
			max_total_redemptions BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL REFERENCES students(id),
			merchant_id TEXT NOT NULL REFERENCES merchants(id),
			offer_id TEXT NOT NULL REFERENCES offers(id),
			original_cents BIGINT NOT NULL,
			discount_cents BIGINT NOT NULL,
			final_cents BIGINT NOT NULL,
			payment_method TEXT NOT NULL,
			redeemed_at TIMESTAMPTZ NOT NULL,
			student_use_seq BIGINT NOT NULL,
			CHECK (discount_cents >= 0 AND discount_cents <= original_cents),
			CHECK (final_cents = original_cents - discount_cents),
			CONSTRAINT transactions_student_use_key UNIQUE (offer_id, student_id, student_use_seq)
		)`,
		`CREATE OR REPLACE FUNCTION forbid_transaction_mutation() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'transactions are append-only';
		END;
		$$ LANGUAGE plpgsql`,
		`CREATE OR REPLACE TRIGGER transactions_append_only
			BEFORE UPDATE OR DELETE ON transactions
			FOR EACH ROW EXECUTE FUNCTION forbid_transaction_mutation()`,
		`CREATE INDEX IF NOT EXISTS idx_txn_student_offer ON transactions(student_id, offer_id, redeemed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_txn_merchant ON transactions(merchant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_txn_offer ON transactions(offer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_merchant ON offers(merchant_id)`,
	}

	for _, query := range queries {
		if _, err := db.pool.Exec(ctx, query); err != nil {
			return errors.Wrap(err, "failed to execute schema query")
		}
	}
	return nil
}

// UpsertStudent implements Store.
func (db *PostgresDB) UpsertStudent(ctx context.Context, student models.Student) error {
	_, err := db.pool.Exec(ctx, `INSERT INTO students (id, public_id, name, photo_url, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			public_id = EXCLUDED.public_id,
			name = EXCLUDED.name,
			photo_url = EXCLUDED.photo_url,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		student.ID, nullIfEmpty(student.PublicID), student.Name, student.PhotoURL, string(student.Status), db.now().UTC(),
	)
	return errors.Wrapf(err, "failed to upsert student %s", student.ID)
}

func scanPgStudent(row pgx.Row) (models.Student, error) {
	var (
		s        models.Student
		publicID *string
		status   string
		savings  int64
	)
	err := row.Scan(&s.ID, &publicID, &s.Name, &s.PhotoURL, &status, &savings, &s.TotalRedemptions)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Student{}, ErrNotFound
	}
	if err != nil {
		return models.Student{}, errors.Wrap(err, "failed to scan student")
	}
	if publicID != nil {
		s.PublicID = *publicID
	}
	s.Status = models.StudentStatus(status)
	s.TotalSavings = models.FromCents(savings)
	return s, nil
}

// GetStudent implements Store.
func (db *PostgresDB) GetStudent(ctx context.Context, id string) (models.Student, error) {
	return scanPgStudent(db.pool.QueryRow(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1`, id))
}

// GetStudentByPublicID implements Store.
func (db *PostgresDB) GetStudentByPublicID(ctx context.Context, publicID string) (models.Student, error) {
	return scanPgStudent(db.pool.QueryRow(ctx, `SELECT `+studentColumns+` FROM students WHERE public_id = $1`, publicID))
}

// UpsertMerchant implements Store.
func (db *PostgresDB) UpsertMerchant(ctx context.Context, merchant models.Merchant) error {
	_, err := db.pool.Exec(ctx, `INSERT INTO merchants (id, public_id, name, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			public_id = EXCLUDED.public_id,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		merchant.ID, nullIfEmpty(merchant.PublicID), merchant.Name, string(merchant.Status), db.now().UTC(),
	)
	return errors.Wrapf(err, "failed to upsert merchant %s", merchant.ID)
}

// GetMerchant implements Store.
func (db *PostgresDB) GetMerchant(ctx context.Context, id string) (models.Merchant, error) {
	var (
		m        models.Merchant
		publicID *string
		status   string
		revenue  int64
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, public_id, name, status, total_redemptions, total_revenue_cents FROM merchants WHERE id = $1`, id,
	).Scan(&m.ID, &publicID, &m.Name, &status, &m.TotalRedemptions, &revenue)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Merchant{}, ErrNotFound
	}
	if err != nil {
		return models.Merchant{}, errors.Wrap(err, "failed to get merchant")
	}
	if publicID != nil {
		m.PublicID = *publicID
	}
	m.Status = models.MerchantStatus(status)
	m.TotalRevenue = models.FromCents(revenue)
	return m, nil
}

// UpsertOffer implements Store.
func (db *PostgresDB) UpsertOffer(ctx context.Context, offer models.Offer) error {
	_, err := db.pool.Exec(ctx, `INSERT INTO offers (
		id, merchant_id, title, type, discount_value, original_price,
		min_purchase, max_discount, valid_until, status,
		max_per_student, cooldown_hours, one_time_only, max_total_redemptions, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO UPDATE SET
		merchant_id = EXCLUDED.merchant_id,
		title = EXCLUDED.title,
		type = EXCLUDED.type,
		discount_value = EXCLUDED.discount_value,
		original_price = EXCLUDED.original_price,
		min_purchase = EXCLUDED.min_purchase,
		max_discount = EXCLUDED.max_discount,
		valid_until = EXCLUDED.valid_until,
		status = EXCLUDED.status,
		max_per_student = EXCLUDED.max_per_student,
		cooldown_hours = EXCLUDED.cooldown_hours,
		one_time_only = EXCLUDED.one_time_only,
		max_total_redemptions = EXCLUDED.max_total_redemptions,
		updated_at = EXCLUDED.updated_at`,
		offer.ID,
		offer.MerchantID,
		offer.Title,
		string(offer.Type),
		offer.DiscountValue.String(),
		offer.OriginalPrice.String(),
		optionalDecimalString(offer.MinPurchase),
		optionalDecimalString(offer.MaxDiscount),
		offer.ValidUntil,
		string(offer.Status),
		nullableFromIntPtr(offer.MaxPerStudent),
		nullableFromIntPtr(offer.CooldownHours),
		offer.OneTimeOnly,
		nullableFromIntPtr(offer.MaxTotalRedemptions),
		db.now().UTC(),
	)
	return errors.Wrapf(err, "failed to upsert offer %s", offer.ID)
}

func scanPgOffer(row pgx.Row) (models.Offer, error) {
	var (
		o                                     models.Offer
		typ, status, discountValue, origPrice string
		minPurchase, maxDiscount              *string
		validUntil                            *time.Time
		maxPer, cooldown, maxTotal            *int64
	)
	err := row.Scan(
		&o.ID, &o.MerchantID, &o.Title, &typ, &discountValue, &origPrice,
		&minPurchase, &maxDiscount, &validUntil, &status, &o.TotalRedemptions,
		&maxPer, &cooldown, &o.OneTimeOnly, &maxTotal,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Offer{}, ErrNotFound
	}
	if err != nil {
		return models.Offer{}, errors.Wrap(err, "failed to scan offer")
	}

	o.Type = models.OfferType(typ)
	o.Status = models.OfferStatus(status)
	if o.DiscountValue, err = decimal.NewFromString(discountValue); err != nil {
		return models.Offer{}, errors.Wrap(err, "failed to parse discount_value")
	}
	if o.OriginalPrice, err = decimal.NewFromString(origPrice); err != nil {
		return models.Offer{}, errors.Wrap(err, "failed to parse original_price")
	}
	if o.MinPurchase, err = parseOptionalDecimal(minPurchase); err != nil {
		return models.Offer{}, errors.Wrap(err, "failed to parse min_purchase")
	}
	if o.MaxDiscount, err = parseOptionalDecimal(maxDiscount); err != nil {
		return models.Offer{}, errors.Wrap(err, "failed to parse max_discount")
	}
	if validUntil != nil {
		t := validUntil.UTC()
		o.ValidUntil = &t
	}
	o.MaxPerStudent = intPtrFromNullable(maxPer)
	o.CooldownHours = intPtrFromNullable(cooldown)
	o.MaxTotalRedemptions = intPtrFromNullable(maxTotal)
	return o, nil
}

// GetOffer implements Store.
func (db *PostgresDB) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	return scanPgOffer(db.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
}

// ListMerchantOffers implements Store.
func (db *PostgresDB) ListMerchantOffers(ctx context.Context, merchantID string) ([]models.Offer, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE merchant_id = $1 ORDER BY created_at, id`, merchantID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query merchant offers")
	}
	defer rows.Close()

	var offers []models.Offer
	for rows.Next() {
		o, err := scanPgOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, errors.Wrap(rows.Err(), "error iterating offers")
}

// GetRedemptionHistory implements Store.
func (db *PostgresDB) GetRedemptionHistory(ctx context.Context, studentID, offerID string) (models.RedemptionHistory, error) {
	var (
		h    models.RedemptionHistory
		last *time.Time
	)
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*), MAX(redeemed_at) FROM transactions WHERE student_id = $1 AND offer_id = $2`,
		studentID, offerID,
	).Scan(&h.Count, &last)
	if err != nil {
		return models.RedemptionHistory{}, errors.Wrap(err, "failed to query redemption history")
	}
	if last != nil {
		t := last.UTC()
		h.LastRedeemedAt = &t
	}
	return h, nil
}

// InsertRedemption implements Store.
func (db *PostgresDB) InsertRedemption(ctx context.Context, txn models.Transaction) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, txn.ID).Scan(&exists); err != nil {
		return errors.Wrap(err, "failed to check transaction id")
	}
	if exists {
		return ErrDuplicateTransaction
	}

	var (
		limits           offerLimits
		maxPer, maxTotal *int64
	)
	err = tx.QueryRow(ctx,
		`SELECT merchant_id, one_time_only, max_per_student, max_total_redemptions
		FROM offers WHERE id = $1 FOR UPDATE`, txn.OfferID,
	).Scan(&limits.merchantID, &limits.oneTimeOnly, &maxPer, &maxTotal)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "failed to lock offer")
	}
	limits.maxPerStudent = intPtrFromNullable(maxPer)
	limits.maxTotalRedemptions = intPtrFromNullable(maxTotal)

	var studentCount, offerCount int
	err = tx.QueryRow(ctx, `SELECT
		COUNT(*) FILTER (WHERE student_id = $2),
		COUNT(*)
		FROM transactions WHERE offer_id = $1`, txn.OfferID, txn.StudentID,
	).Scan(&studentCount, &offerCount)
	if err != nil {
		return errors.Wrap(err, "failed to count redemptions")
	}

	if err := limits.check(txn, studentCount, offerCount); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `INSERT INTO transactions (
		id, student_id, merchant_id, offer_id, original_cents, discount_cents,
		final_cents, payment_method, redeemed_at, student_use_seq
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		txn.ID,
		txn.StudentID,
		txn.MerchantID,
		txn.OfferID,
		models.ToCents(txn.OriginalAmount),
		models.ToCents(txn.DiscountAmount),
		models.ToCents(txn.FinalAmount),
		string(txn.PaymentMethod),
		txn.RedeemedAt.UTC(),
		studentCount+1,
	)
	if err != nil {
		return mapPgError(err)
	}

	return errors.Wrap(tx.Commit(ctx), "failed to commit transaction")
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == "transactions_student_use_key" {
				return ErrRedemptionLimit
			}
			return ErrDuplicateTransaction
		case pgForeignKeyViolation:
			return ErrNotFound
		}
	}
	return errors.Wrap(err, "failed to insert transaction")
}

func scanPgTransaction(row pgx.Row) (models.Transaction, error) {
	var (
		t                         models.Transaction
		original, discount, final int64
		method                    string
	)
	err := row.Scan(&t.ID, &t.StudentID, &t.MerchantID, &t.OfferID,
		&original, &discount, &final, &method, &t.RedeemedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Transaction{}, ErrNotFound
	}
	if err != nil {
		return models.Transaction{}, errors.Wrap(err, "failed to scan transaction")
	}
	t.OriginalAmount = models.FromCents(original)
	t.DiscountAmount = models.FromCents(discount)
	t.FinalAmount = models.FromCents(final)
	t.PaymentMethod = models.PaymentMethod(method)
	t.RedeemedAt = t.RedeemedAt.UTC()
	return t, nil
}

// GetTransaction implements Store.
func (db *PostgresDB) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	return scanPgTransaction(db.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

// ListStudentTransactions implements Store.
func (db *PostgresDB) ListStudentTransactions(ctx context.Context, studentID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE student_id = $1
		ORDER BY redeemed_at DESC, id LIMIT $2`, studentID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query transactions")
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		t, err := scanPgTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, errors.Wrap(rows.Err(), "error iterating transactions")
}

// RefreshStudentAggregates implements Store.
func (db *PostgresDB) RefreshStudentAggregates(ctx context.Context, studentID string) error {
	_, err := db.pool.Exec(ctx, `UPDATE students s SET
		total_savings_cents = agg.savings,
		total_redemptions = agg.cnt,
		updated_at = $2
		FROM (SELECT COALESCE(SUM(discount_cents), 0) AS savings, COUNT(*) AS cnt
			FROM transactions WHERE student_id = $1) agg
		WHERE s.id = $1`, studentID, db.now().UTC())
	return errors.Wrapf(err, "failed to refresh student %s", studentID)
}

// RefreshMerchantAggregates implements Store.
func (db *PostgresDB) RefreshMerchantAggregates(ctx context.Context, merchantID string) error {
	_, err := db.pool.Exec(ctx, `UPDATE merchants m SET
		total_redemptions = agg.cnt,
		total_revenue_cents = agg.revenue,
		updated_at = $2
		FROM (SELECT COUNT(*) AS cnt, COALESCE(SUM(final_cents), 0) AS revenue
			FROM transactions WHERE merchant_id = $1) agg
		WHERE m.id = $1`, merchantID, db.now().UTC())
	return errors.Wrapf(err, "failed to refresh merchant %s", merchantID)
}

// RefreshOfferAggregates implements Store.
func (db *PostgresDB) RefreshOfferAggregates(ctx context.Context, offerID string) error {
	_, err := db.pool.Exec(ctx, `UPDATE offers SET
		total_redemptions = (SELECT COUNT(*) FROM transactions WHERE offer_id = $1),
		updated_at = $2
		WHERE id = $1`, offerID, db.now().UTC())
	return errors.Wrapf(err, "failed to refresh offer %s", offerID)
}

func (db *PostgresDB) listIDs(ctx context.Context, table string) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT id FROM `+table+` ORDER BY id`)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", table)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, errors.Wrapf(err, "failed to collect %s ids", table)
}

// ListStudentIDs implements Store.
func (db *PostgresDB) ListStudentIDs(ctx context.Context) ([]string, error) {
	return db.listIDs(ctx, "students")
}

// ListMerchantIDs implements Store.
func (db *PostgresDB) ListMerchantIDs(ctx context.Context) ([]string, error) {
	return db.listIDs(ctx, "merchants")
}

// ListOfferIDs implements Store.
func (db *PostgresDB) ListOfferIDs(ctx context.Context) ([]string, error) {
	return db.listIDs(ctx, "offers")
}
