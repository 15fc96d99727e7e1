package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/threadpulse-io/threadpulse/internal/agent"
	"github.com/threadpulse-io/threadpulse/internal/db"
	"github.com/threadpulse-io/threadpulse/internal/fault"
	"github.com/threadpulse-io/threadpulse/internal/metrics"
	"github.com/threadpulse-io/threadpulse/internal/protocol"
	"github.com/threadpulse-io/threadpulse/internal/repositories"
	"github.com/threadpulse-io/threadpulse/internal/retry"
)

// SlackChannel delivers a rendered digest to Slack.
type SlackChannel interface {
	Send(ctx context.Context, text string) error
}

// EmailChannel delivers an HTML digest to a recipient list.
type EmailChannel interface {
	Send(ctx context.Context, to []string, subject, htmlBody string) error
}

// WebhookChannel mirrors the digest to a generic webhook.
type WebhookChannel interface {
	Send(ctx context.Context, payload any) error
}

// Agent holds the Alert role's collaborators.
type Agent struct {
	base     *agent.Base
	slack    SlackChannel
	email    EmailChannel
	webhook  WebhookChannel
	alerts   repositories.AlertRepository
	filters  repositories.FilterRepository
	retryCfg retry.Config
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New wires the Alert agent and registers send_slack and send_email.
func New(base *agent.Base, slack SlackChannel, email EmailChannel, webhook WebhookChannel, alerts repositories.AlertRepository, filters repositories.FilterRepository, retryCfg retry.Config, clock clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *Agent {
	a := &Agent{
		base:     base,
		slack:    slack,
		email:    email,
		webhook:  webhook,
		alerts:   alerts,
		filters:  filters,
		retryCfg: retryCfg,
		clock:    clock,
		metrics:  m,
		logger:   logger,
	}

	base.Register(agent.Skill{
		Descriptor: protocol.SkillDescriptor{
			ID:          "send_slack",
			Name:        "Send Slack alert",
			Description: "Deliver a summary batch to the Slack webhook.",
			Tags:        []string{"alert", "slack"},
			InputModes:  []string{"application/json"},
			OutputModes: []string{"application/json"},
		},
		Handler: a.sendSlack,
	})
	base.Register(agent.Skill{
		Descriptor: protocol.SkillDescriptor{
			ID:          "send_email",
			Name:        "Send email alert",
			Description: "Deliver a summary batch digest by email.",
			Tags:        []string{"alert", "email"},
			InputModes:  []string{"application/json"},
			OutputModes: []string{"application/json"},
		},
		Handler: a.sendEmail,
	})
	return a
}

// SlackParams are the send_slack parameters.
type SlackParams struct {
	BatchRef uuid.UUID `json:"batchRef" validate:"required"`
}

// EmailParams are the send_email parameters.
type EmailParams struct {
	BatchRef   uuid.UUID `json:"batchRef" validate:"required"`
	Recipients []string  `json:"recipients" validate:"required,min=1"`
}

// DeliveryResult is the result of both alert skills.
type DeliveryResult struct {
	Delivered bool   `json:"delivered"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (a *Agent) sendSlack(ctx context.Context, raw json.RawMessage) (any, error) {
	var p SlackParams
	if err := a.base.DecodeParams(raw, &p); err != nil {
		return nil, err
	}

	text, summaries, err := a.renderBatch(ctx, p.BatchRef, renderSlack)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return DeliveryResult{Delivered: true}, nil
	}

	attempts := 0
	sendErr := retry.Do(ctx, a.retryCfg, a.clock, func(ctx context.Context) error {
		attempts++
		return a.slack.Send(ctx, text)
	})
	// The generic webhook mirrors Slack content; best-effort, never affects
	// the channel outcome.
	if whErr := a.webhook.Send(ctx, map[string]any{
		"batch_id": p.BatchRef,
		"text":     text,
	}); whErr != nil {
		a.logger.Warn("generic webhook delivery failed", zap.Error(whErr))
	}

	return a.recordDelivery(ctx, p.BatchRef, ChannelSlack, attempts, sendErr)
}

func (a *Agent) sendEmail(ctx context.Context, raw json.RawMessage) (any, error) {
	var p EmailParams
	if err := a.base.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	for _, r := range p.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			return nil, fault.Newf(fault.KindInvalidParams, "invalid recipient address %q", r)
		}
	}

	html, summaries, err := a.renderBatch(ctx, p.BatchRef, func(title string, s []db.SummaryRecord, topics map[int64]string) string {
		out, rerr := renderEmail(title, s, topics)
		if rerr != nil {
			a.logger.Error("email render failed", zap.Error(rerr))
			return ""
		}
		return out
	})
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return DeliveryResult{Delivered: true}, nil
	}
	if html == "" {
		return nil, fault.New(fault.KindFatal, "email digest rendering failed")
	}

	subject := fmt.Sprintf("Monitoring digest: %d new summaries", len(summaries))
	attempts := 0
	sendErr := retry.Do(ctx, a.retryCfg, a.clock, func(ctx context.Context) error {
		attempts++
		return a.email.Send(ctx, p.Recipients, subject, html)
	})

	return a.recordDelivery(ctx, p.BatchRef, ChannelEmail, attempts, sendErr)
}

// renderBatch loads a batch's summaries and their topics and renders the
// digest with the given renderer.
func (a *Agent) renderBatch(ctx context.Context, batchID uuid.UUID, render func(string, []db.SummaryRecord, map[int64]string) string) (string, []db.SummaryRecord, error) {
	batch, err := a.alerts.GetBatchWithItems(ctx, batchID)
	if err != nil {
		return "", nil, err
	}
	summaries, err := a.alerts.SummariesForBatch(ctx, batch.ID)
	if err != nil {
		return "", nil, err
	}

	topics := make(map[int64]string, len(summaries))
	for _, s := range summaries {
		record, err := a.filters.Get(ctx, s.FilterID)
		if err != nil {
			// Topic is decoration; a missing filter row does not block delivery.
			a.logger.Warn("filter lookup for digest failed", zap.Int64("filter_id", s.FilterID), zap.Error(err))
			continue
		}
		topics[s.FilterID] = record.Topic
	}

	title := fmt.Sprintf("ThreadPulse digest (%s)", batch.CreatedAt.UTC().Format("2006-01-02 15:04"))
	return render(title, summaries, topics), summaries, nil
}

// recordDelivery upserts the per-channel delivery row and translates the
// send outcome into the skill result. Delivery failure is a result, not an
// error: the other channel proceeds regardless.
func (a *Agent) recordDelivery(ctx context.Context, batchID uuid.UUID, channel string, attempts int, sendErr error) (any, error) {
	delivery := &db.AlertDelivery{
		BatchID:    batchID,
		Channel:    channel,
		Status:     db.DeliverySent,
		RetryCount: attempts - 1,
	}
	result := DeliveryResult{Delivered: true}
	if sendErr != nil {
		delivery.Status = db.DeliveryFailed
		delivery.LastError = sendErr.Error()
		result = DeliveryResult{Delivered: false, Error: sendErr.Error()}
	}

	if err := a.alerts.UpsertDelivery(ctx, delivery); err != nil {
		return nil, err
	}
	a.metrics.DeliveryObserved(channel, sendErr == nil)

	if sendErr != nil {
		a.logger.Warn("channel delivery failed",
			zap.String("channel", channel),
			zap.String("batch_id", batchID.String()),
			zap.Int("attempts", attempts),
			zap.Error(sendErr))
	} else {
		a.logger.Info("channel delivered",
			zap.String("channel", channel),
			zap.String("batch_id", batchID.String()))
	}
	return result, nil
}
