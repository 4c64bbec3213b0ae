package nurture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gymflow/internal/domain"
	"gymflow/internal/jobs"
	"gymflow/internal/mailer"
	"gymflow/internal/metrics"
	"gymflow/internal/store"
)

// RegisterHandlers binds the orchestrator's job handlers to the scheduler.
func (o *Orchestrator) RegisterHandlers(s *jobs.Scheduler) {
	for _, kind := range []domain.JobKind{
		domain.KindLeadResponse,
		domain.KindLeadNurturing2,
		domain.KindLeadNurturing5,
		domain.KindLeadNurturing7,
	} {
		s.Register(kind, o.leadEmailHandler(kind))
	}
	s.Register(domain.KindMemberWelcome, jobs.HandlerFunc(o.handleMemberWelcome))
	s.Register(domain.KindTeamNotification, jobs.HandlerFunc(o.handleTeamNotification))
}

// leadEmailHandler runs one step of the nurturing sequence. The lead's state
// is re-read at fire time, not at schedule time: a job scheduled days earlier
// still respects an opt-out or conversion that happened in between. Execution
// is at-least-once, so the already-sent receipt check keeps replays from
// double-sending.
func (o *Orchestrator) leadEmailHandler(kind domain.JobKind) jobs.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p jobPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}

		lead, err := o.repo.GetLead(ctx, p.LeadID)
		if errors.Is(err, store.ErrNotFound) {
			o.log.Warn().Str("lead_id", p.LeadID).Str("kind", string(kind)).Msg("lead gone, skipping email")
			return nil
		}
		if err != nil {
			return err
		}
		if lead.State.Terminal() {
			o.log.Info().Str("lead_id", lead.LeadID).Str("state", string(lead.State)).
				Str("kind", string(kind)).Msg("lead terminal, skipping email")
			return nil
		}
		if lead.Receipt(kind) != nil {
			o.log.Info().Str("lead_id", lead.LeadID).Str("kind", string(kind)).Msg("email already sent, skipping")
			return nil
		}

		messageID, err := o.sender.Send(ctx, mailer.Message{
			Kind:   kind,
			To:     lead.Email,
			ToName: lead.FullName(),
			Context: map[string]any{
				"FirstName":    lead.FirstName,
				"LastName":     lead.LastName,
				"InterestedIn": lead.InterestedIn,
			},
		})
		if err != nil {
			metrics.EmailFailed(string(kind))
			return fmt.Errorf("send %s to %s: %w", kind, lead.Email, err)
		}
		metrics.EmailSent(string(kind))

		rec := domain.SendReceipt{At: o.now(), MessageID: messageID}
		ok, err := o.repo.MarkLeadSent(ctx, lead.LeadID, kind, rec)
		if err != nil {
			return fmt.Errorf("mark %s sent: %w", kind, err)
		}
		if !ok {
			// A terminal transition won the race after the send went out.
			o.log.Warn().Str("lead_id", lead.LeadID).Str("kind", string(kind)).
				Msg("email sent but state not advanced")
			return nil
		}

		o.logEmail(ctx, domain.EmailLogEntry{
			Kind:          kind,
			Recipient:     lead.Email,
			RecipientName: lead.FullName(),
			MessageID:     messageID,
			LeadID:        lead.LeadID,
			SentAt:        rec.At,
		})
		return nil
	}
}

func (o *Orchestrator) handleMemberWelcome(ctx context.Context, payload json.RawMessage) error {
	var p jobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	member, err := o.repo.GetMember(ctx, p.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		o.log.Warn().Str("client_id", p.ClientID).Msg("member gone, skipping welcome email")
		return nil
	}
	if err != nil {
		return err
	}
	if member.Welcome != nil {
		o.log.Info().Str("client_id", member.ClientID).Msg("welcome email already sent, skipping")
		return nil
	}

	messageID, err := o.sender.Send(ctx, mailer.Message{
		Kind:   domain.KindMemberWelcome,
		To:     member.Email,
		ToName: member.FullName(),
		Context: map[string]any{
			"FirstName":      member.FirstName,
			"MembershipType": member.MembershipType,
			"StartDate":      member.StartDate.Format("02.01.2006"),
			"MonthlyPrice":   member.MonthlyPrice,
		},
	})
	if err != nil {
		metrics.EmailFailed(string(domain.KindMemberWelcome))
		return fmt.Errorf("send welcome to %s: %w", member.Email, err)
	}
	metrics.EmailSent(string(domain.KindMemberWelcome))

	rec := domain.SendReceipt{At: o.now(), MessageID: messageID}
	if _, err := o.repo.MarkWelcomeSent(ctx, member.ClientID, rec); err != nil {
		return fmt.Errorf("mark welcome sent: %w", err)
	}

	o.logEmail(ctx, domain.EmailLogEntry{
		Kind:          domain.KindMemberWelcome,
		Recipient:     member.Email,
		RecipientName: member.FullName(),
		MessageID:     messageID,
		ClientID:      member.ClientID,
		SentAt:        rec.At,
	})
	return nil
}

func (o *Orchestrator) handleTeamNotification(ctx context.Context, payload json.RawMessage) error {
	var p jobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	member, err := o.repo.GetMember(ctx, p.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		o.log.Warn().Str("client_id", p.ClientID).Msg("member gone, skipping team notification")
		return nil
	}
	if err != nil {
		return err
	}

	messageID, err := o.sender.Send(ctx, mailer.Message{
		Kind:   domain.KindTeamNotification,
		To:     o.teamEmail,
		ToName: "Team",
		Context: map[string]any{
			"FirstName":      member.FirstName,
			"LastName":       member.LastName,
			"Email":          member.Email,
			"Phone":          member.Phone,
			"MembershipType": member.MembershipType,
			"StartDate":      member.StartDate.Format("02.01.2006"),
			"MonthlyPrice":   member.MonthlyPrice,
			"ClientID":       member.ClientID,
		},
	})
	if err != nil {
		metrics.EmailFailed(string(domain.KindTeamNotification))
		return fmt.Errorf("send team notification for %s: %w", member.ClientID, err)
	}
	metrics.EmailSent(string(domain.KindTeamNotification))

	o.logEmail(ctx, domain.EmailLogEntry{
		Kind:          domain.KindTeamNotification,
		Recipient:     o.teamEmail,
		RecipientName: "Team",
		MessageID:     messageID,
		ClientID:      member.ClientID,
		SentAt:        o.now(),
	})
	return nil
}

func (o *Orchestrator) logEmail(ctx context.Context, e domain.EmailLogEntry) {
	if err := o.repo.LogEmail(ctx, e); err != nil {
		o.log.Error().Err(err).Str("kind", string(e.Kind)).Msg("failed to write email log")
	}
}
