package domain

import "time"

// NurturingState tracks where a lead sits in the follow-up email sequence.
type NurturingState string

const (
	StateNew        NurturingState = "NEW"
	StateResponded  NurturingState = "RESPONDED"
	StateNurturing2 NurturingState = "NURTURING_2"
	StateNurturing5 NurturingState = "NURTURING_5"
	StateNurturing7 NurturingState = "NURTURING_7"
	StateConverted  NurturingState = "CONVERTED"
	StateOptedOut   NurturingState = "OPTED_OUT"
)

// Terminal reports whether no further nurturing action may happen from s.
func (s NurturingState) Terminal() bool {
	return s == StateConverted || s == StateOptedOut
}

// SendReceipt records one successful email delivery. A nil *SendReceipt means
// the email has not been sent, so "sent flag true but timestamp missing" is
// unrepresentable.
type SendReceipt struct {
	At        time.Time
	MessageID string
}

type Lead struct {
	LeadID       string
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	InterestedIn string

	State      NurturingState
	Response   *SendReceipt
	Nurturing2 *SendReceipt
	Nurturing5 *SendReceipt
	Nurturing7 *SendReceipt

	OptedOutAt  *time.Time
	ConvertedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (l Lead) FullName() string { return l.FirstName + " " + l.LastName }

func (l Lead) OptedOut() bool { return l.State == StateOptedOut }

func (l Lead) Converted() bool { return l.State == StateConverted }

// Receipt returns the delivery receipt matching a job kind, or nil.
func (l Lead) Receipt(kind JobKind) *SendReceipt {
	switch kind {
	case KindLeadResponse:
		return l.Response
	case KindLeadNurturing2:
		return l.Nurturing2
	case KindLeadNurturing5:
		return l.Nurturing5
	case KindLeadNurturing7:
		return l.Nurturing7
	}
	return nil
}

type Member struct {
	ClientID       string
	FirstName      string
	LastName       string
	Email          string
	Phone          string
	MembershipType string
	MonthlyPrice   float64
	StartDate      time.Time
	EndDate        *time.Time

	Welcome *SendReceipt

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (m Member) FullName() string { return m.FirstName + " " + m.LastName }

// JobKind names a scheduled action. It doubles as the email template kind for
// the actions that send mail.
type JobKind string

const (
	KindLeadResponse     JobKind = "lead_response"
	KindLeadNurturing2   JobKind = "lead_nurturing_2"
	KindLeadNurturing5   JobKind = "lead_nurturing_5"
	KindLeadNurturing7   JobKind = "lead_nurturing_7"
	KindMemberWelcome    JobKind = "member_welcome"
	KindTeamNotification JobKind = "team_notification"
)

// JobID derives the scheduler id for an (entity, kind) pair. Deterministic on
// purpose: rescheduling the same pair overwrites the previous job instead of
// leaving two live ones behind after a webhook replay.
func JobID(kind JobKind, entityID string) string {
	return string(kind) + ":" + entityID
}

type JobState string

const (
	JobPending  JobState = "pending"
	JobRunning  JobState = "running"
	JobExecuted JobState = "executed"
	JobFailed   JobState = "failed"
	JobMissed   JobState = "missed"
	JobCanceled JobState = "canceled"
)

type Job struct {
	ID       string
	Kind     JobKind
	EntityID string
	Payload  []byte
	RunAt    time.Time
	// MisfireGrace bounds how late an overdue job may still run. Past it the
	// job is dropped as missed, never executed.
	MisfireGrace time.Duration
	State        JobState
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type EmailLogEntry struct {
	ID            string
	Kind          JobKind
	Recipient     string
	RecipientName string
	MessageID     string
	LeadID        string
	ClientID      string
	SentAt        time.Time
}

type WebhookLogEntry struct {
	ID         string
	EventType  string
	EventID    string
	Payload    []byte
	ReceivedAt time.Time
}
