package nurture

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"gymflow/internal/domain"
	"gymflow/internal/jobs"
	"gymflow/internal/mailer"
	"gymflow/internal/store"
)

type mockSender struct{ mock.Mock }

func (m *mockSender) Send(ctx context.Context, msg mailer.Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

type fixture struct {
	orc    *Orchestrator
	repo   store.Repository
	sched  *jobs.Scheduler
	store  jobs.Store
	sender *mockSender
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, jobs.EnsureSchema(db))

	repo := store.NewSQLiteRepo(db)
	jobStore := jobs.NewSQLiteStore(db)
	sched := jobs.NewScheduler(jobStore, zerolog.Nop(), time.Second, 1)
	sender := &mockSender{}

	orc := New(repo, sched, sender, DefaultDelays(), "team@gym.example", zerolog.Nop())
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	orc.now = func() time.Time { return now }

	return &fixture{orc: orc, repo: repo, sched: sched, store: jobStore, sender: sender, now: now}
}

var leadT = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func leadEvent() LeadCreatedEvent {
	return LeadCreatedEvent{
		LeadID:    "L1",
		FirstName: "Anna",
		LastName:  "Berg",
		Email:     "a@x.com",
		Phone:     "+491700000000",
		CreatedAt: leadT,
	}
}

func payloadFor(leadID string) json.RawMessage {
	b, _ := json.Marshal(jobPayload{LeadID: leadID})
	return b
}

func TestLeadCreatedSchedulesSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.orc.OnLeadCreated(ctx, leadEvent()))

	list, err := f.sched.ListForEntity(ctx, "L1")
	require.NoError(t, err)
	require.Len(t, list, 4)

	// Run times are relative to the lead's creation time, ascending.
	assert.True(t, list[0].RunAt.Equal(leadT.Add(5*time.Minute)))
	assert.Equal(t, domain.KindLeadResponse, list[0].Kind)
	assert.True(t, list[1].RunAt.Equal(leadT.Add(2*24*time.Hour)))
	assert.Equal(t, domain.KindLeadNurturing2, list[1].Kind)
	assert.True(t, list[2].RunAt.Equal(leadT.Add(5*24*time.Hour)))
	assert.Equal(t, domain.KindLeadNurturing5, list[2].Kind)
	assert.True(t, list[3].RunAt.Equal(leadT.Add(7*24*time.Hour)))
	assert.Equal(t, domain.KindLeadNurturing7, list[3].Kind)

	lead, err := f.repo.GetLead(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateNew, lead.State)
}

func TestLeadCreatedReplayDoesNotDuplicateJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.orc.OnLeadCreated(ctx, leadEvent()))
	require.NoError(t, f.orc.OnLeadCreated(ctx, leadEvent()))

	list, err := f.sched.ListForEntity(ctx, "L1")
	require.NoError(t, err)
	assert.Len(t, list, 4, "deterministic job ids make replays overwrite, not duplicate")
}

func TestLeadCreatedReplayAfterProgressKeepsHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.orc.OnLeadCreated(ctx, leadEvent()))

	// Response already went out and its job finished.
	respID := domain.JobID(domain.KindLeadResponse, "L1")
	require.NoError(t, f.store.MarkDone(ctx, respID, domain.JobExecuted, ""))
	ok, err := f.repo.MarkLeadSent(ctx, "L1", domain.KindLeadResponse, domain.SendReceipt{At: f.now, MessageID: "m1"})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.orc.OnLeadCreated(ctx, leadEvent()))

	j, err := f.sched.Get(ctx, respID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobExecuted, j.State, "a lead past NEW must not be rescheduled")
}

func TestResponseJobAdvancesState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.orc.OnLeadCreated(ctx, leadEvent()))

	f.sender.On("Send", mock.Anything, mock.MatchedBy(func(m mailer.Message) bool {
		return m.Kind == domain.KindLeadResponse && m.To == "a@x.com"
	})).Return("msg-1", nil).Once()

	err := f.orc.leadEmailHandler(domain.KindLeadResponse)(ctx, payloadFor("L1"))
	require.NoError(t, err)

	lead, err := f.repo.GetLead(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateResponded, lead.State)
	require.NotNil(t, lead.Response)
	assert.Equal(t, "msg-1", lead.Response.MessageID)
	f.sender.AssertExpectations(t)
}

func TestSendFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.orc.OnLeadCreated(ctx, leadEvent()))

	f.sender.On("Send", mock.Anything, mock.Anything).Return("", errors.New("provider down")).Once()

	err := f.orc.leadEmailHandler(domain.KindLeadResponse)(ctx, payloadFor("L1"))
	require.Error(t, err)

	lead, err := f.repo.GetLead(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateNew, lead.State)
	assert.Nil(t, lead.Response, "no receipt on a failed send")
}

func TestOptOutCancelsAllJobsIncludingResponse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.orc.OnLeadCreated(ctx, leadEvent()))

	require.NoError(t, f.orc.OnOptOut(ctx, "L1", ""))

	lead, err := f.repo.GetLead(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateOptedOut, lead.State)
	assert.NotNil(t, lead.OptedOutAt)

	list, err := f.sched.ListForEntity(ctx, "L1")
	require.NoError(t, err)
	require.Len(t, list, 4)
	for _, j := range list {
		assert.Equal(t, domain.JobCanceled, j.State, "opt-out suppresses the response email too")
	}
}

func TestNurturingJobSkipsOptedOutLead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.orc.OnLeadCreated(ctx, leadEvent()))
	require.NoError(t, f.orc.OnOptOut(ctx, "", "a@x.com"))

	// Simulate the race: the job fires anyway after the opt-out landed.
	err := f.orc.leadEmailHandler(domain.KindLeadNurturing2)(ctx, payloadFor("L1"))
	require.NoError(t, err)

	f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	lead, err := f.repo.GetLead(ctx, "L1")
	require.NoError(t, err)
	assert.Nil(t, lead.Nurturing2)
	assert.Equal(t, domain.StateOptedOut, lead.State)
}

func TestJobForMissingLeadIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.orc.leadEmailHandler(domain.KindLeadNurturing5)(ctx, payloadFor("ghost"))
	assert.NoError(t, err)
	f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestJobSkipsAlreadySentStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.orc.OnLeadCreated(ctx, leadEvent()))
	ok, err := f.repo.MarkLeadSent(ctx, "L1", domain.KindLeadNurturing2, domain.SendReceipt{At: f.now, MessageID: "m1"})
	require.NoError(t, err)
	require.True(t, ok)

	// At-least-once execution can replay the job after a crash.
	err = f.orc.leadEmailHandler(domain.KindLeadNurturing2)(ctx, payloadFor("L1"))
	require.NoError(t, err)
	f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func membershipEvent() MembershipCreatedEvent {
	return MembershipCreatedEvent{
		ClientID:       "C1",
		FirstName:      "Anna",
		LastName:       "Berg",
		Email:          "a@x.com",
		Phone:          "+491700000000",
		MembershipType: "Unlimited",
		MonthlyPrice:   89,
		StartDate:      time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMembershipConvertsMatchingLead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.orc.OnLeadCreated(ctx, leadEvent()))
	ok, err := f.repo.MarkLeadSent(ctx, "L1", domain.KindLeadNurturing2, domain.SendReceipt{At: f.now, MessageID: "m1"})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.orc.OnMembershipCreated(ctx, membershipEvent()))

	lead, err := f.repo.GetLead(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateConverted, lead.State)
	assert.True(t, lead.Converted())
	assert.NotNil(t, lead.ConvertedAt)

	leadJobs, err := f.sched.ListForEntity(ctx, "L1")
	require.NoError(t, err)
	for _, j := range leadJobs {
		assert.Equal(t, domain.JobCanceled, j.State)
	}

	memberJobs, err := f.sched.ListForEntity(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, memberJobs, 2)
	assert.Equal(t, domain.KindTeamNotification, memberJobs[0].Kind)
	assert.True(t, memberJobs[0].RunAt.Equal(f.now.Add(5*time.Second)))
	assert.Equal(t, domain.KindMemberWelcome, memberJobs[1].Kind)
	assert.True(t, memberJobs[1].RunAt.Equal(f.now.Add(5*time.Minute)))
}

func TestMembershipWithoutLeadJustSchedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ev := membershipEvent()
	ev.Email = "new@x.com"
	require.NoError(t, f.orc.OnMembershipCreated(ctx, ev))

	memberJobs, err := f.sched.ListForEntity(ctx, "C1")
	require.NoError(t, err)
	assert.Len(t, memberJobs, 2)
}

func TestMembershipReplayAfterWelcomeSent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ev := membershipEvent()
	ev.Email = "new@x.com"
	require.NoError(t, f.orc.OnMembershipCreated(ctx, ev))

	welcomeID := domain.JobID(domain.KindMemberWelcome, "C1")
	require.NoError(t, f.store.MarkDone(ctx, welcomeID, domain.JobExecuted, ""))
	ok, err := f.repo.MarkWelcomeSent(ctx, "C1", domain.SendReceipt{At: f.now, MessageID: "m1"})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.orc.OnMembershipCreated(ctx, ev))

	j, err := f.sched.Get(ctx, welcomeID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobExecuted, j.State, "welcome must not be rescheduled after delivery")
}

func TestWelcomeHandlerWriteOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := membershipEvent()
	ev.Email = "new@x.com"
	require.NoError(t, f.orc.OnMembershipCreated(ctx, ev))

	f.sender.On("Send", mock.Anything, mock.MatchedBy(func(m mailer.Message) bool {
		return m.Kind == domain.KindMemberWelcome && m.To == "new@x.com"
	})).Return("msg-w", nil).Once()

	b, _ := json.Marshal(jobPayload{ClientID: "C1"})
	require.NoError(t, f.orc.handleMemberWelcome(ctx, b))
	require.NoError(t, f.orc.handleMemberWelcome(ctx, b))

	f.sender.AssertNumberOfCalls(t, "Send", 1)
	member, err := f.repo.GetMember(ctx, "C1")
	require.NoError(t, err)
	require.NotNil(t, member.Welcome)
	assert.Equal(t, "msg-w", member.Welcome.MessageID)
}

func TestTeamNotificationGoesToTeamAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := membershipEvent()
	ev.Email = "new@x.com"
	require.NoError(t, f.orc.OnMembershipCreated(ctx, ev))

	f.sender.On("Send", mock.Anything, mock.MatchedBy(func(m mailer.Message) bool {
		return m.Kind == domain.KindTeamNotification && m.To == "team@gym.example"
	})).Return("msg-t", nil).Once()

	b, _ := json.Marshal(jobPayload{ClientID: "C1"})
	require.NoError(t, f.orc.handleTeamNotification(ctx, b))
	f.sender.AssertExpectations(t)
}

func TestOptOutUnknownEmailIsSilent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.NoError(t, f.orc.OnOptOut(ctx, "", "nobody@x.com"))
}
