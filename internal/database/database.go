package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"offer-redemption-engine/internal/models"
)

var _ Store = (*DB)(nil)

// DB is the SQLite implementation of Store.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// NewDB creates a new database connection and initializes the schema.
//
// Every transaction is opened with BEGIN IMMEDIATE so the limit checks in
// InsertRedemption run under the write lock.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db := &DB{conn: conn, now: time.Now}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS students (
			id TEXT PRIMARY KEY,
			public_id TEXT UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			photo_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			total_savings_cents INTEGER NOT NULL DEFAULT 0,
			total_redemptions INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS merchants (
			id TEXT PRIMARY KEY,
			public_id TEXT UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			total_redemptions INTEGER NOT NULL DEFAULT 0,
			total_revenue_cents INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
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
			valid_until TEXT,
			status TEXT NOT NULL,
			total_redemptions INTEGER NOT NULL DEFAULT 0,
			max_per_student INTEGER,
			cooldown_hours INTEGER,
			one_time_only INTEGER NOT NULL DEFAULT 0,
			max_total_redemptions INTEGER,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL REFERENCES students(id),
			merchant_id TEXT NOT NULL REFERENCES merchants(id),
			offer_id TEXT NOT NULL REFERENCES offers(id),
			original_cents INTEGER NOT NULL,
			discount_cents INTEGER NOT NULL,
			final_cents INTEGER NOT NULL,
			payment_method TEXT NOT NULL,
			redeemed_at TEXT NOT NULL,
			student_use_seq INTEGER NOT NULL,
			CHECK (discount_cents >= 0 AND discount_cents <= original_cents),
			CHECK (final_cents = original_cents - discount_cents),
			UNIQUE (offer_id, student_id, student_use_seq)
		)`,
		`CREATE TRIGGER IF NOT EXISTS transactions_no_update
			BEFORE UPDATE ON transactions
			BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS transactions_no_delete
			BEFORE DELETE ON transactions
			BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END`,
		`CREATE INDEX IF NOT EXISTS idx_txn_student_offer ON transactions(student_id, offer_id, redeemed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_txn_merchant ON transactions(merchant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_txn_offer ON transactions(offer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_merchant ON offers(merchant_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return errors.Wrap(err, "failed to execute schema query")
		}
	}

	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalDecimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseOptionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpsertStudent creates or updates a student. Aggregates are left alone;
// they are owned by the ledger.
func (db *DB) UpsertStudent(ctx context.Context, student models.Student) error {
	query := `INSERT INTO students (id, public_id, name, photo_url, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			public_id = excluded.public_id,
			name = excluded.name,
			photo_url = excluded.photo_url,
			status = excluded.status,
			updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		student.ID,
		nullIfEmpty(student.PublicID),
		student.Name,
		student.PhotoURL,
		string(student.Status),
		formatTime(db.now()),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert student %s", student.ID)
	}
	return nil
}

const studentColumns = `id, public_id, name, photo_url, status, total_savings_cents, total_redemptions`

func (db *DB) scanStudent(row *sql.Row) (models.Student, error) {
	var (
		s        models.Student
		publicID *string
		status   string
		savings  int64
	)
	err := row.Scan(&s.ID, &publicID, &s.Name, &s.PhotoURL, &status, &savings, &s.TotalRedemptions)
	if errors.Is(err, sql.ErrNoRows) {
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

// GetStudent returns a student by internal id.
func (db *DB) GetStudent(ctx context.Context, id string) (models.Student, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE id = ?`, id)
	return db.scanStudent(row)
}

// GetStudentByPublicID resolves the identifier carried by a verification artifact.
func (db *DB) GetStudentByPublicID(ctx context.Context, publicID string) (models.Student, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE public_id = ?`, publicID)
	return db.scanStudent(row)
}

// UpsertMerchant creates or updates a merchant.
func (db *DB) UpsertMerchant(ctx context.Context, merchant models.Merchant) error {
	query := `INSERT INTO merchants (id, public_id, name, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			public_id = excluded.public_id,
			name = excluded.name,
			status = excluded.status,
			updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		merchant.ID,
		nullIfEmpty(merchant.PublicID),
		merchant.Name,
		string(merchant.Status),
		formatTime(db.now()),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert merchant %s", merchant.ID)
	}
	return nil
}

// GetMerchant returns a merchant by id.
func (db *DB) GetMerchant(ctx context.Context, id string) (models.Merchant, error) {
	var (
		m        models.Merchant
		publicID *string
		status   string
		revenue  int64
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, public_id, name, status, total_redemptions, total_revenue_cents FROM merchants WHERE id = ?`, id,
	).Scan(&m.ID, &publicID, &m.Name, &status, &m.TotalRedemptions, &revenue)
	if errors.Is(err, sql.ErrNoRows) {
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

// UpsertOffer creates or updates an offer. TotalRedemptions is derived and
// never written from here.
func (db *DB) UpsertOffer(ctx context.Context, offer models.Offer) error {
	query := `INSERT INTO offers (
		id, merchant_id, title, type, discount_value, original_price,
		min_purchase, max_discount, valid_until, status,
		max_per_student, cooldown_hours, one_time_only, max_total_redemptions, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		merchant_id = excluded.merchant_id,
		title = excluded.title,
		type = excluded.type,
		discount_value = excluded.discount_value,
		original_price = excluded.original_price,
		min_purchase = excluded.min_purchase,
		max_discount = excluded.max_discount,
		valid_until = excluded.valid_until,
		status = excluded.status,
		max_per_student = excluded.max_per_student,
		cooldown_hours = excluded.cooldown_hours,
		one_time_only = excluded.one_time_only,
		max_total_redemptions = excluded.max_total_redemptions,
		updated_at = excluded.updated_at`

	var validUntil *string
	if offer.ValidUntil != nil {
		s := formatTime(*offer.ValidUntil)
		validUntil = &s
	}

	_, err := db.conn.ExecContext(ctx, query,
		offer.ID,
		offer.MerchantID,
		offer.Title,
		string(offer.Type),
		offer.DiscountValue.String(),
		offer.OriginalPrice.String(),
		optionalDecimalString(offer.MinPurchase),
		optionalDecimalString(offer.MaxDiscount),
		validUntil,
		string(offer.Status),
		nullableFromIntPtr(offer.MaxPerStudent),
		nullableFromIntPtr(offer.CooldownHours),
		offer.OneTimeOnly,
		nullableFromIntPtr(offer.MaxTotalRedemptions),
		formatTime(db.now()),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert offer %s", offer.ID)
	}
	return nil
}

const offerColumns = `id, merchant_id, title, type, discount_value, original_price,
	min_purchase, max_discount, valid_until, status, total_redemptions,
	max_per_student, cooldown_hours, one_time_only, max_total_redemptions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (models.Offer, error) {
	var (
		o                                     models.Offer
		typ, status, discountValue, origPrice string
		minPurchase, maxDiscount, validUntil  *string
		maxPer, cooldown, maxTotal            *int64
	)
	err := row.Scan(
		&o.ID, &o.MerchantID, &o.Title, &typ, &discountValue, &origPrice,
		&minPurchase, &maxDiscount, &validUntil, &status, &o.TotalRedemptions,
		&maxPer, &cooldown, &o.OneTimeOnly, &maxTotal,
	)
	if errors.Is(err, sql.ErrNoRows) {
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
		t, err := parseTime(*validUntil)
		if err != nil {
			return models.Offer{}, errors.Wrap(err, "failed to parse valid_until")
		}
		o.ValidUntil = &t
	}
	o.MaxPerStudent = intPtrFromNullable(maxPer)
	o.CooldownHours = intPtrFromNullable(cooldown)
	o.MaxTotalRedemptions = intPtrFromNullable(maxTotal)
	return o, nil
}

// GetOffer returns an offer by id.
func (db *DB) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	return scanOffer(db.conn.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = ?`, id))
}

// ListMerchantOffers returns every offer owned by a merchant.
func (db *DB) ListMerchantOffers(ctx context.Context, merchantID string) ([]models.Offer, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE merchant_id = ? ORDER BY created_at, id`, merchantID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query merchant offers")
	}
	defer rows.Close()

	var offers []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating offers")
	}
	return offers, nil
}

// GetRedemptionHistory counts a student's prior redemptions of an offer.
func (db *DB) GetRedemptionHistory(ctx context.Context, studentID, offerID string) (models.RedemptionHistory, error) {
	var (
		h    models.RedemptionHistory
		last *string
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(redeemed_at) FROM transactions WHERE student_id = ? AND offer_id = ?`,
		studentID, offerID,
	).Scan(&h.Count, &last)
	if err != nil {
		return models.RedemptionHistory{}, errors.Wrap(err, "failed to query redemption history")
	}
	if last != nil {
		t, err := parseTime(*last)
		if err != nil {
			return models.RedemptionHistory{}, errors.Wrap(err, "failed to parse redeemed_at")
		}
		h.LastRedeemedAt = &t
	}
	return h, nil
}

// InsertRedemption appends a ledger row. The offer's caps are re-checked
// against the ledger in the same transaction as the insert.
func (db *DB) InsertRedemption(ctx context.Context, txn models.Transaction) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE id = ?`, txn.ID).Scan(&exists); err != nil {
		return errors.Wrap(err, "failed to check transaction id")
	}
	if exists > 0 {
		return ErrDuplicateTransaction
	}

	var (
		limits           offerLimits
		maxPer, maxTotal *int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT merchant_id, one_time_only, max_per_student, max_total_redemptions FROM offers WHERE id = ?`,
		txn.OfferID,
	).Scan(&limits.merchantID, &limits.oneTimeOnly, &maxPer, &maxTotal)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "failed to load offer limits")
	}
	limits.maxPerStudent = intPtrFromNullable(maxPer)
	limits.maxTotalRedemptions = intPtrFromNullable(maxTotal)

	var studentCount, offerCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE offer_id = ? AND student_id = ?`, txn.OfferID, txn.StudentID,
	).Scan(&studentCount); err != nil {
		return errors.Wrap(err, "failed to count student redemptions")
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE offer_id = ?`, txn.OfferID,
	).Scan(&offerCount); err != nil {
		return errors.Wrap(err, "failed to count offer redemptions")
	}

	if err := limits.check(txn, studentCount, offerCount); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO transactions (
		id, student_id, merchant_id, offer_id, original_cents, discount_cents,
		final_cents, payment_method, redeemed_at, student_use_seq
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.StudentID,
		txn.MerchantID,
		txn.OfferID,
		models.ToCents(txn.OriginalAmount),
		models.ToCents(txn.DiscountAmount),
		models.ToCents(txn.FinalAmount),
		string(txn.PaymentMethod),
		formatTime(txn.RedeemedAt),
		studentCount+1,
	)
	if err != nil {
		return mapSQLiteError(err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func mapSQLiteError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey:
			return ErrDuplicateTransaction
		case sqlite3.ErrConstraintUnique:
			return ErrRedemptionLimit
		case sqlite3.ErrConstraintForeignKey:
			return ErrNotFound
		}
	}
	return errors.Wrap(err, "failed to insert transaction")
}

const transactionColumns = `id, student_id, merchant_id, offer_id, original_cents,
	discount_cents, final_cents, payment_method, redeemed_at`

func scanTransaction(row rowScanner) (models.Transaction, error) {
	var (
		t                         models.Transaction
		original, discount, final int64
		method, redeemedAt        string
	)
	err := row.Scan(&t.ID, &t.StudentID, &t.MerchantID, &t.OfferID,
		&original, &discount, &final, &method, &redeemedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, ErrNotFound
	}
	if err != nil {
		return models.Transaction{}, errors.Wrap(err, "failed to scan transaction")
	}
	t.OriginalAmount = models.FromCents(original)
	t.DiscountAmount = models.FromCents(discount)
	t.FinalAmount = models.FromCents(final)
	t.PaymentMethod = models.PaymentMethod(method)
	if t.RedeemedAt, err = parseTime(redeemedAt); err != nil {
		return models.Transaction{}, errors.Wrap(err, "failed to parse redeemed_at")
	}
	return t, nil
}

// GetTransaction returns a ledger row by id.
func (db *DB) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	return scanTransaction(db.conn.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id))
}

// ListStudentTransactions returns a student's most recent redemptions first.
func (db *DB) ListStudentTransactions(ctx context.Context, studentID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE student_id = ?
		ORDER BY redeemed_at DESC, id LIMIT ?`, studentID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query transactions")
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating transactions")
	}
	return txns, nil
}

// RefreshStudentAggregates recomputes total savings and redemptions.
func (db *DB) RefreshStudentAggregates(ctx context.Context, studentID string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE students SET
		total_savings_cents = (SELECT COALESCE(SUM(discount_cents), 0) FROM transactions WHERE student_id = ?),
		total_redemptions = (SELECT COUNT(*) FROM transactions WHERE student_id = ?),
		updated_at = ?
		WHERE id = ?`,
		studentID, studentID, formatTime(db.now()), studentID)
	if err != nil {
		return errors.Wrapf(err, "failed to refresh student %s", studentID)
	}
	return nil
}

// RefreshMerchantAggregates recomputes redemption count and revenue.
func (db *DB) RefreshMerchantAggregates(ctx context.Context, merchantID string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE merchants SET
		total_redemptions = (SELECT COUNT(*) FROM transactions WHERE merchant_id = ?),
		total_revenue_cents = (SELECT COALESCE(SUM(final_cents), 0) FROM transactions WHERE merchant_id = ?),
		updated_at = ?
		WHERE id = ?`,
		merchantID, merchantID, formatTime(db.now()), merchantID)
	if err != nil {
		return errors.Wrapf(err, "failed to refresh merchant %s", merchantID)
	}
	return nil
}

// RefreshOfferAggregates recomputes an offer's redemption count.
func (db *DB) RefreshOfferAggregates(ctx context.Context, offerID string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE offers SET
		total_redemptions = (SELECT COUNT(*) FROM transactions WHERE offer_id = ?),
		updated_at = ?
		WHERE id = ?`,
		offerID, formatTime(db.now()), offerID)
	if err != nil {
		return errors.Wrapf(err, "failed to refresh offer %s", offerID)
	}
	return nil
}

func (db *DB) listIDs(ctx context.Context, table string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id FROM `+table+` ORDER BY id`)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", table)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s id", table)
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrapf(rows.Err(), "error iterating %s", table)
}

// ListStudentIDs returns every student id.
func (db *DB) ListStudentIDs(ctx context.Context) ([]string, error) {
	return db.listIDs(ctx, "students")
}

// ListMerchantIDs returns every merchant id.
func (db *DB) ListMerchantIDs(ctx context.Context) ([]string, error) {
	return db.listIDs(ctx, "merchants")
}

// ListOfferIDs returns every offer id.
func (db *DB) ListOfferIDs(ctx context.Context) ([]string, error) {
	return db.listIDs(ctx, "offers")
}
