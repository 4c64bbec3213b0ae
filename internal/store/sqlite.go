package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gymflow/internal/domain"
)

var ErrNotFound = errors.New("entity not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS leads (
  lead_id TEXT PRIMARY KEY,
  first_name TEXT NOT NULL,
  last_name TEXT NOT NULL,
  email TEXT NOT NULL,
  phone TEXT,
  interested_in TEXT,
  nurturing_state TEXT NOT NULL DEFAULT 'NEW' CHECK(nurturing_state IN ('NEW','RESPONDED','NURTURING_2','NURTURING_5','NURTURING_7','CONVERTED','OPTED_OUT')),
  response_sent_at DATETIME,
  response_message_id TEXT,
  nurturing_2_sent_at DATETIME,
  nurturing_2_message_id TEXT,
  nurturing_5_sent_at DATETIME,
  nurturing_5_message_id TEXT,
  nurturing_7_sent_at DATETIME,
  nurturing_7_message_id TEXT,
  opted_out_at DATETIME,
  converted_at DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leads_email ON leads(email);
CREATE INDEX IF NOT EXISTS idx_leads_state ON leads(nurturing_state);
CREATE TABLE IF NOT EXISTS members (
  client_id TEXT PRIMARY KEY,
  first_name TEXT NOT NULL,
  last_name TEXT NOT NULL,
  email TEXT NOT NULL,
  phone TEXT,
  membership_type TEXT NOT NULL,
  monthly_price REAL NOT NULL DEFAULT 0,
  start_date DATETIME NOT NULL,
  end_date DATETIME,
  welcome_sent_at DATETIME,
  welcome_message_id TEXT,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_members_email ON members(email);
CREATE TABLE IF NOT EXISTS email_log (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  recipient TEXT NOT NULL,
  recipient_name TEXT,
  message_id TEXT,
  lead_id TEXT,
  client_id TEXT,
  sent_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_email_log_kind ON email_log(kind, sent_at);
CREATE TABLE IF NOT EXISTS webhook_log (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  event_id TEXT NOT NULL UNIQUE,
  payload BLOB NOT NULL,
  received_at DATETIME NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	// UpsertLead creates the lead or, when it already exists, refreshes its
	// contact fields only. Nurturing state and receipts are never touched.
	UpsertLead(ctx context.Context, l domain.Lead) (created bool, err error)
	GetLead(ctx context.Context, leadID string) (domain.Lead, error)
	GetLeadByEmail(ctx context.Context, email string) (domain.Lead, error)
	// MarkLeadSent advances state and records the receipt for kind in one
	// conditional update. Returns false when the lead is terminal or the
	// receipt was already recorded.
	MarkLeadSent(ctx context.Context, leadID string, kind domain.JobKind, r domain.SendReceipt) (bool, error)
	OptOutLead(ctx context.Context, leadID string, at time.Time) (bool, error)
	ConvertLead(ctx context.Context, leadID string, at time.Time) (bool, error)

	UpsertMember(ctx context.Context, m domain.Member) (created bool, err error)
	GetMember(ctx context.Context, clientID string) (domain.Member, error)
	MarkWelcomeSent(ctx context.Context, clientID string, r domain.SendReceipt) (bool, error)

	LogEmail(ctx context.Context, e domain.EmailLogEntry) error
	// LogWebhook inserts the event once; returns false when event_id was
	// already recorded (webhook replay).
	LogWebhook(ctx context.Context, e domain.WebhookLogEntry) (bool, error)
	// WebhookSeen reports whether event_id was already recorded.
	WebhookSeen(ctx context.Context, eventID string) (bool, error)
	PurgeLogs(ctx context.Context, before time.Time) (int64, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) UpsertLead(ctx context.Context, l domain.Lead) (bool, error) {
	now := time.Now().UTC()
	createdAt := l.CreatedAt.UTC()
	if l.CreatedAt.IsZero() {
		createdAt = now
	}
	// Insert-first so two concurrent first deliveries cannot both take an
	// INSERT path; the loser falls through to the contact-field refresh.
	res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO leads (lead_id, first_name, last_name, email, phone, interested_in, nurturing_state, created_at, updated_at)
VALUES (?,?,?,?,?,?, 'NEW', ?, ?)`,
		l.LeadID, l.FirstName, l.LastName, l.Email, l.Phone, l.InterestedIn, createdAt, now)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	_, err = r.db.ExecContext(ctx, `
UPDATE leads
SET first_name=?, last_name=?, email=?, phone=?, interested_in=?, updated_at=?
WHERE lead_id=?`,
		l.FirstName, l.LastName, l.Email, l.Phone, l.InterestedIn, now, l.LeadID)
	return false, err
}

const leadColumns = `lead_id, first_name, last_name, email, phone, interested_in, nurturing_state,
response_sent_at, response_message_id,
nurturing_2_sent_at, nurturing_2_message_id,
nurturing_5_sent_at, nurturing_5_message_id,
nurturing_7_sent_at, nurturing_7_message_id,
opted_out_at, converted_at, created_at, updated_at`

func (r *sqliteRepo) GetLead(ctx context.Context, leadID string) (domain.Lead, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE lead_id=?`, leadID)
	return scanLead(row)
}

func (r *sqliteRepo) GetLeadByEmail(ctx context.Context, email string) (domain.Lead, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE email=? ORDER BY created_at DESC LIMIT 1`, email)
	return scanLead(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanLead(row rowScanner) (domain.Lead, error) {
	var l domain.Lead
	var phone, interested sql.NullString
	var respAt, n2At, n5At, n7At, optedAt, convAt sql.NullTime
	var respID, n2ID, n5ID, n7ID sql.NullString
	err := row.Scan(&l.LeadID, &l.FirstName, &l.LastName, &l.Email, &phone, &interested, &l.State,
		&respAt, &respID, &n2At, &n2ID, &n5At, &n5ID, &n7At, &n7ID,
		&optedAt, &convAt, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Lead{}, ErrNotFound
	}
	if err != nil {
		return domain.Lead{}, err
	}
	l.Phone = phone.String
	l.InterestedIn = interested.String
	l.Response = receipt(respAt, respID)
	l.Nurturing2 = receipt(n2At, n2ID)
	l.Nurturing5 = receipt(n5At, n5ID)
	l.Nurturing7 = receipt(n7At, n7ID)
	if optedAt.Valid {
		t := optedAt.Time
		l.OptedOutAt = &t
	}
	if convAt.Valid {
		t := convAt.Time
		l.ConvertedAt = &t
	}
	return l, nil
}

func receipt(at sql.NullTime, id sql.NullString) *domain.SendReceipt {
	if !at.Valid {
		return nil
	}
	return &domain.SendReceipt{At: at.Time, MessageID: id.String}
}

func (r *sqliteRepo) MarkLeadSent(ctx context.Context, leadID string, kind domain.JobKind, rec domain.SendReceipt) (bool, error) {
	var col string
	var state domain.NurturingState
	switch kind {
	case domain.KindLeadResponse:
		col, state = "response", domain.StateResponded
	case domain.KindLeadNurturing2:
		col, state = "nurturing_2", domain.StateNurturing2
	case domain.KindLeadNurturing5:
		col, state = "nurturing_5", domain.StateNurturing5
	case domain.KindLeadNurturing7:
		col, state = "nurturing_7", domain.StateNurturing7
	default:
		return false, fmt.Errorf("not a lead email kind: %s", kind)
	}
	// Single conditional update so a racing opt-out or conversion can never
	// be overwritten, and the receipt stays write-once.
	res, err := r.db.ExecContext(ctx, `
UPDATE leads
SET nurturing_state=?, `+col+`_sent_at=?, `+col+`_message_id=?, updated_at=?
WHERE lead_id=?
  AND nurturing_state NOT IN ('OPTED_OUT','CONVERTED')
  AND `+col+`_sent_at IS NULL`,
		state, rec.At.UTC(), rec.MessageID, time.Now().UTC(), leadID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) OptOutLead(ctx context.Context, leadID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE leads
SET nurturing_state='OPTED_OUT', opted_out_at=?, updated_at=?
WHERE lead_id=? AND nurturing_state NOT IN ('OPTED_OUT','CONVERTED')`,
		at.UTC(), time.Now().UTC(), leadID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) ConvertLead(ctx context.Context, leadID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE leads
SET nurturing_state='CONVERTED', converted_at=?, updated_at=?
WHERE lead_id=? AND nurturing_state != 'CONVERTED'`,
		at.UTC(), time.Now().UTC(), leadID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) UpsertMember(ctx context.Context, m domain.Member) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO members (client_id, first_name, last_name, email, phone, membership_type, monthly_price, start_date, end_date, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ClientID, m.FirstName, m.LastName, m.Email, m.Phone, m.MembershipType, m.MonthlyPrice, m.StartDate, m.EndDate, now, now)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	_, err = r.db.ExecContext(ctx, `
UPDATE members
SET first_name=?, last_name=?, email=?, phone=?, membership_type=?, monthly_price=?, start_date=?, end_date=?, updated_at=?
WHERE client_id=?`,
		m.FirstName, m.LastName, m.Email, m.Phone, m.MembershipType, m.MonthlyPrice, m.StartDate, m.EndDate, now, m.ClientID)
	return false, err
}

func (r *sqliteRepo) GetMember(ctx context.Context, clientID string) (domain.Member, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT client_id, first_name, last_name, email, phone, membership_type, monthly_price, start_date, end_date,
welcome_sent_at, welcome_message_id, created_at, updated_at
FROM members WHERE client_id=?`, clientID)
	var m domain.Member
	var phone, welcomeID sql.NullString
	var endDate, welcomeAt sql.NullTime
	err := row.Scan(&m.ClientID, &m.FirstName, &m.LastName, &m.Email, &phone, &m.MembershipType,
		&m.MonthlyPrice, &m.StartDate, &endDate, &welcomeAt, &welcomeID, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Member{}, ErrNotFound
	}
	if err != nil {
		return domain.Member{}, err
	}
	m.Phone = phone.String
	if endDate.Valid {
		t := endDate.Time
		m.EndDate = &t
	}
	m.Welcome = receipt(welcomeAt, welcomeID)
	return m, nil
}

func (r *sqliteRepo) MarkWelcomeSent(ctx context.Context, clientID string, rec domain.SendReceipt) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE members SET welcome_sent_at=?, welcome_message_id=?, updated_at=?
WHERE client_id=? AND welcome_sent_at IS NULL`,
		rec.At.UTC(), rec.MessageID, time.Now().UTC(), clientID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) LogEmail(ctx context.Context, e domain.EmailLogEntry) error {
	id := e.ID
	if id == "" {
		id = "eml_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO email_log (id, kind, recipient, recipient_name, message_id, lead_id, client_id, sent_at)
VALUES (?,?,?,?,?,?,?,?)`,
		id, e.Kind, e.Recipient, e.RecipientName, e.MessageID, e.LeadID, e.ClientID, e.SentAt.UTC())
	return err
}

func (r *sqliteRepo) LogWebhook(ctx context.Context, e domain.WebhookLogEntry) (bool, error) {
	id := e.ID
	if id == "" {
		id = "whk_" + uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO webhook_log (id, event_type, event_id, payload, received_at)
VALUES (?,?,?,?,?)`,
		id, e.EventType, e.EventID, e.Payload, e.ReceivedAt.UTC())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) WebhookSeen(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM webhook_log WHERE event_id=?`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *sqliteRepo) PurgeLogs(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	before = before.UTC()
	res, err := r.db.ExecContext(ctx, `DELETE FROM email_log WHERE sent_at < ?`, before)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	total += n
	res, err = r.db.ExecContext(ctx, `DELETE FROM webhook_log WHERE received_at < ?`, before)
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	return total + n, nil
}
