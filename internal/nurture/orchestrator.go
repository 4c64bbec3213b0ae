package nurture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gymflow/internal/domain"
	"gymflow/internal/mailer"
	"gymflow/internal/store"
)

// LeadCreatedEvent is the inbound "lead created" business event from the
// webhook layer. CreatedAt is the lead's creation time at the CRM, so a
// late-processed event still lands nurturing emails on calendar days relative
// to creation.
type LeadCreatedEvent struct {
	LeadID       string
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	InterestedIn string
	CreatedAt    time.Time
}

// MembershipCreatedEvent is the inbound "membership created" business event.
type MembershipCreatedEvent struct {
	ClientID       string
	FirstName      string
	LastName       string
	Email          string
	Phone          string
	MembershipType string
	MonthlyPrice   float64
	StartDate      time.Time
}

// Delays holds the cadence of the automation sequences.
type Delays struct {
	Response         time.Duration
	Nurturing2       time.Duration
	Nurturing5       time.Duration
	Nurturing7       time.Duration
	Welcome          time.Duration
	TeamNotification time.Duration
	MisfireGrace     time.Duration
}

func DefaultDelays() Delays {
	return Delays{
		Response:         5 * time.Minute,
		Nurturing2:       2 * 24 * time.Hour,
		Nurturing5:       5 * 24 * time.Hour,
		Nurturing7:       7 * 24 * time.Hour,
		Welcome:          5 * time.Minute,
		TeamNotification: 5 * time.Second,
		MisfireGrace:     time.Hour,
	}
}

// JobScheduler is the slice of the scheduler the orchestrator needs.
type JobScheduler interface {
	Schedule(ctx context.Context, j domain.Job) (string, error)
	CancelForEntity(ctx context.Context, entityID string) (int, error)
}

// Orchestrator owns the lead nurturing state machine: it decides on each
// business event which jobs to schedule and which to cancel, and moves leads
// through their states. Cancellation is a best-effort optimization; the
// correctness mechanism is the state re-check each job handler does at fire
// time.
type Orchestrator struct {
	repo      store.Repository
	sched     JobScheduler
	sender    mailer.Sender
	delays    Delays
	teamEmail string
	log       zerolog.Logger
	now       func() time.Time
}

func New(repo store.Repository, sched JobScheduler, sender mailer.Sender, delays Delays, teamEmail string, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		sched:     sched,
		sender:    sender,
		delays:    delays,
		teamEmail: teamEmail,
		log:       log,
		now:       time.Now,
	}
}

type jobPayload struct {
	LeadID   string `json:"lead_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// OnLeadCreated persists the lead and schedules its email sequence: response
// at T+5m and nurturing at T+2d/5d/7d, T being the lead's creation time. Safe
// to call again for the same event: the upsert refreshes contact fields, and
// a lead already past NEW keeps its history instead of being rescheduled.
func (o *Orchestrator) OnLeadCreated(ctx context.Context, ev LeadCreatedEvent) error {
	created, err := o.repo.UpsertLead(ctx, domain.Lead{
		LeadID:       ev.LeadID,
		FirstName:    ev.FirstName,
		LastName:     ev.LastName,
		Email:        ev.Email,
		Phone:        ev.Phone,
		InterestedIn: ev.InterestedIn,
		CreatedAt:    ev.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("upsert lead %s: %w", ev.LeadID, err)
	}

	if !created {
		lead, err := o.repo.GetLead(ctx, ev.LeadID)
		if err != nil {
			return fmt.Errorf("reload lead %s: %w", ev.LeadID, err)
		}
		if lead.State != domain.StateNew {
			o.log.Info().Str("lead_id", ev.LeadID).Str("state", string(lead.State)).
				Msg("lead already in sequence, not rescheduling")
			return nil
		}
	}

	payload, err := json.Marshal(jobPayload{LeadID: ev.LeadID})
	if err != nil {
		return err
	}

	steps := []struct {
		kind  domain.JobKind
		delay time.Duration
	}{
		{domain.KindLeadResponse, o.delays.Response},
		{domain.KindLeadNurturing2, o.delays.Nurturing2},
		{domain.KindLeadNurturing5, o.delays.Nurturing5},
		{domain.KindLeadNurturing7, o.delays.Nurturing7},
	}
	for _, step := range steps {
		_, err := o.sched.Schedule(ctx, domain.Job{
			Kind:         step.kind,
			EntityID:     ev.LeadID,
			Payload:      payload,
			RunAt:        ev.CreatedAt.Add(step.delay),
			MisfireGrace: o.delays.MisfireGrace,
		})
		if err != nil {
			return fmt.Errorf("schedule %s for lead %s: %w", step.kind, ev.LeadID, err)
		}
	}

	o.log.Info().Str("lead_id", ev.LeadID).Time("created_at", ev.CreatedAt).Msg("lead sequence scheduled")
	return nil
}

// OnMembershipCreated persists the member and schedules the welcome email and
// team notification. When a non-converted lead exists with the same email,
// the lead converts and all its pending nurturing jobs are canceled.
func (o *Orchestrator) OnMembershipCreated(ctx context.Context, ev MembershipCreatedEvent) error {
	created, err := o.repo.UpsertMember(ctx, domain.Member{
		ClientID:       ev.ClientID,
		FirstName:      ev.FirstName,
		LastName:       ev.LastName,
		Email:          ev.Email,
		Phone:          ev.Phone,
		MembershipType: ev.MembershipType,
		MonthlyPrice:   ev.MonthlyPrice,
		StartDate:      ev.StartDate,
	})
	if err != nil {
		return fmt.Errorf("upsert member %s: %w", ev.ClientID, err)
	}

	welcomeDone := false
	if !created {
		member, err := o.repo.GetMember(ctx, ev.ClientID)
		if err != nil {
			return fmt.Errorf("reload member %s: %w", ev.ClientID, err)
		}
		welcomeDone = member.Welcome != nil
	}

	if !welcomeDone {
		payload, err := json.Marshal(jobPayload{ClientID: ev.ClientID})
		if err != nil {
			return err
		}
		now := o.now()
		if _, err := o.sched.Schedule(ctx, domain.Job{
			Kind:         domain.KindMemberWelcome,
			EntityID:     ev.ClientID,
			Payload:      payload,
			RunAt:        now.Add(o.delays.Welcome),
			MisfireGrace: o.delays.MisfireGrace,
		}); err != nil {
			return fmt.Errorf("schedule welcome for %s: %w", ev.ClientID, err)
		}
		if _, err := o.sched.Schedule(ctx, domain.Job{
			Kind:         domain.KindTeamNotification,
			EntityID:     ev.ClientID,
			Payload:      payload,
			RunAt:        now.Add(o.delays.TeamNotification),
			MisfireGrace: o.delays.MisfireGrace,
		}); err != nil {
			return fmt.Errorf("schedule team notification for %s: %w", ev.ClientID, err)
		}
	}

	lead, err := o.repo.GetLeadByEmail(ctx, ev.Email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("lookup lead by email: %w", err)
	}

	if lead.Converted() {
		return nil
	}
	ok, err := o.repo.ConvertLead(ctx, lead.LeadID, o.now())
	if err != nil {
		return fmt.Errorf("convert lead %s: %w", lead.LeadID, err)
	}
	if ok {
		n, err := o.sched.CancelForEntity(ctx, lead.LeadID)
		if err != nil {
			o.log.Error().Err(err).Str("lead_id", lead.LeadID).Msg("failed to cancel jobs after conversion")
		}
		o.log.Info().Str("lead_id", lead.LeadID).Str("client_id", ev.ClientID).Int("canceled", n).
			Msg("lead converted to member")
	}
	return nil
}

// OnOptOut marks the lead opted out and cancels every pending job for it,
// including the response email. An unknown email is a silent no-op so the
// endpoint cannot be used for address enumeration.
func (o *Orchestrator) OnOptOut(ctx context.Context, leadID, email string) error {
	if leadID == "" {
		lead, err := o.repo.GetLeadByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			o.log.Info().Str("email", email).Msg("opt-out for unknown email ignored")
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup lead by email: %w", err)
		}
		leadID = lead.LeadID
	}

	ok, err := o.repo.OptOutLead(ctx, leadID, o.now())
	if err != nil {
		return fmt.Errorf("opt out lead %s: %w", leadID, err)
	}
	if !ok {
		o.log.Info().Str("lead_id", leadID).Msg("lead already terminal, opt-out ignored")
		return nil
	}

	n, err := o.sched.CancelForEntity(ctx, leadID)
	if err != nil {
		o.log.Error().Err(err).Str("lead_id", leadID).Msg("failed to cancel jobs after opt-out")
		return nil
	}
	o.log.Info().Str("lead_id", leadID).Int("canceled", n).Msg("lead opted out")
	return nil
}
