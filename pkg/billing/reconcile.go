package billing

import (
	"context"
	"errors"
	"time"

	"billing-sync-backend/pkg/metrics"
	"billing-sync-backend/pkg/models"
	"billing-sync-backend/pkg/paddle"

	"github.com/rs/zerolog"
)

// Reconciler applies validated Paddle events to the subscription store.
// Every handler is safe to replay and tolerates events arriving out of order.
type Reconciler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewReconciler creates a reconciler backed by svc.
func NewReconciler(svc *Service, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		svc:    svc,
		logger: logger.With().Str("component", "reconciler").Logger(),
	}
}

// Register installs a route for every event type the reconciler handles.
func (r *Reconciler) Register(d *paddle.Dispatcher) {
	paddle.On(d, paddle.EventSubscriptionCreated, paddle.ValidateSubscriptionCreated, r.SubscriptionCreated)
	paddle.On(d, paddle.EventSubscriptionUpdated, paddle.ValidateSubscriptionUpdated, r.SubscriptionUpdated)
	paddle.On(d, paddle.EventSubscriptionCancelled, paddle.StatusChangeValidator(models.StatusCanceled), r.StatusChanged)
	paddle.On(d, paddle.EventSubscriptionCanceled, paddle.StatusChangeValidator(models.StatusCanceled), r.StatusChanged)
	paddle.On(d, paddle.EventSubscriptionPaused, paddle.StatusChangeValidator(models.StatusPaused), r.StatusChanged)
	paddle.On(d, paddle.EventSubscriptionResumed, paddle.StatusChangeValidator(models.StatusActive), r.StatusChanged)
	paddle.On(d, paddle.EventTransactionCompleted, paddle.ValidateTransactionCompleted, r.TransactionCompleted)
}

// SubscriptionCreated inserts the subscription if it is new and projects
// the owner's entitlement.
func (r *Reconciler) SubscriptionCreated(ctx context.Context, req paddle.SubscriptionCreated) error {
	f := SubscriptionFields{
		SubscriptionID:    req.SubscriptionID,
		UserID:            req.UserID,
		CustomerID:        req.CustomerID,
		Status:            req.Status,
		PriceID:           req.PriceID,
		PlanName:          r.planName(req.PriceID, req.PriceName),
		CancelAtPeriodEnd: req.CancelAtEnd,
		TrialEnd:          req.TrialEnd,
	}
	if req.Period != nil {
		f.CurrentPeriodStart = req.Period.Start
		f.CurrentPeriodEnd = req.Period.End
	} else {
		f.CurrentPeriodStart = occurredOr(req.OccurredAt, r.svc.now())
	}

	sub, inserted, err := r.svc.CreateSubscription(ctx, f)
	if err != nil {
		r.observe(paddle.EventSubscriptionCreated, metrics.OutcomeFailed)
		return err
	}

	outcome := metrics.OutcomeInserted
	if !inserted {
		outcome = metrics.OutcomeNoop
	}
	r.observe(paddle.EventSubscriptionCreated, outcome)
	r.logger.Info().
		Str("subscription_id", sub.SubscriptionID).
		Str("user_id", sub.UserID).
		Str("price_id", sub.PriceID).
		Bool("inserted", inserted).
		Msg("Subscription created")
	return nil
}

// SubscriptionUpdated patches an existing record. When the record does not
// exist yet and the payload is complete, the record is created from it;
// otherwise the event is skipped with a warning.
func (r *Reconciler) SubscriptionUpdated(ctx context.Context, req paddle.SubscriptionUpdated) error {
	status := req.Status
	patch := SubscriptionPatch{
		Status:            &status,
		PriceID:           req.PriceID,
		TrialEnd:          req.TrialEnd,
		CancelAtPeriodEnd: req.CancelAtEnd,
	}
	if req.PriceID != "" {
		patch.PlanName = r.planName(req.PriceID, req.PriceName)
	}
	if req.Period != nil {
		patch.PeriodStart = &req.Period.Start
		patch.PeriodEnd = &req.Period.End
	}

	_, err := r.svc.PatchSubscription(ctx, req.SubscriptionID, patch)
	switch {
	case err == nil:
		r.observe(paddle.EventSubscriptionUpdated, metrics.OutcomeApplied)
		r.logger.Info().
			Str("subscription_id", req.SubscriptionID).
			Str("status", string(req.Status)).
			Msg("Subscription updated")
		return nil
	case !errors.Is(err, ErrNotFound):
		r.observe(paddle.EventSubscriptionUpdated, metrics.OutcomeFailed)
		return err
	}

	if !req.Complete() {
		r.observe(paddle.EventSubscriptionUpdated, metrics.OutcomeSkipped)
		r.logger.Warn().
			Str("subscription_id", req.SubscriptionID).
			Str("status", string(req.Status)).
			Msg("Subscription update for unknown subscription skipped")
		return nil
	}

	f := SubscriptionFields{
		SubscriptionID: req.SubscriptionID,
		UserID:         req.UserID,
		CustomerID:     req.CustomerID,
		Status:         req.Status,
		PriceID:        req.PriceID,
		PlanName:       patch.PlanName,
		TrialEnd:       req.TrialEnd,
	}
	if req.CancelAtEnd != nil {
		f.CancelAtPeriodEnd = *req.CancelAtEnd
	}
	if req.Period != nil {
		f.CurrentPeriodStart = req.Period.Start
		f.CurrentPeriodEnd = req.Period.End
	} else {
		f.CurrentPeriodStart = occurredOr(req.OccurredAt, r.svc.now())
	}

	if _, _, err := r.svc.UpsertSubscription(ctx, f); err != nil {
		r.observe(paddle.EventSubscriptionUpdated, metrics.OutcomeFailed)
		return err
	}
	r.observe(paddle.EventSubscriptionUpdated, metrics.OutcomeInserted)
	r.logger.Info().
		Str("subscription_id", req.SubscriptionID).
		Str("user_id", req.UserID).
		Msg("Subscription synthesized from update")
	return nil
}

// StatusChanged moves a subscription to the status implied by the event
// type (cancelled, paused or resumed).
func (r *Reconciler) StatusChanged(ctx context.Context, req paddle.SubscriptionStatusChange) error {
	status := req.Status
	patch := SubscriptionPatch{Status: &status}
	if status == models.StatusCanceled {
		cleared := false
		patch.CancelAtPeriodEnd = &cleared
	}

	_, err := r.svc.PatchSubscription(ctx, req.SubscriptionID, patch)
	if errors.Is(err, ErrNotFound) {
		r.observe(req.EventType, metrics.OutcomeSkipped)
		r.logger.Warn().
			Str("event_type", string(req.EventType)).
			Str("subscription_id", req.SubscriptionID).
			Msg("Status change for unknown subscription skipped")
		return nil
	}
	if err != nil {
		r.observe(req.EventType, metrics.OutcomeFailed)
		return err
	}

	r.observe(req.EventType, metrics.OutcomeApplied)
	r.logger.Info().
		Str("subscription_id", req.SubscriptionID).
		Str("status", string(status)).
		Msg("Subscription status changed")
	return nil
}

// TransactionCompleted records the billing period a payment covers.
func (r *Reconciler) TransactionCompleted(ctx context.Context, req paddle.TransactionCompleted) error {
	if req.Period == nil {
		r.observe(paddle.EventTransactionCompleted, metrics.OutcomeSkipped)
		r.logger.Warn().
			Str("transaction_id", req.TransactionID).
			Str("subscription_id", req.SubscriptionID).
			Msg("Transaction without billing period skipped")
		return nil
	}

	advanced, err := r.svc.RecordBillingPeriod(ctx, req.SubscriptionID, req.Period.Start, req.Period.End)
	if errors.Is(err, ErrNotFound) {
		r.observe(paddle.EventTransactionCompleted, metrics.OutcomeSkipped)
		r.logger.Warn().
			Str("transaction_id", req.TransactionID).
			Str("subscription_id", req.SubscriptionID).
			Msg("Transaction for unknown subscription skipped")
		return nil
	}
	if err != nil {
		r.observe(paddle.EventTransactionCompleted, metrics.OutcomeFailed)
		return err
	}

	r.observe(paddle.EventTransactionCompleted, metrics.OutcomeApplied)
	r.logger.Info().
		Str("transaction_id", req.TransactionID).
		Str("subscription_id", req.SubscriptionID).
		Bool("period_advanced", advanced).
		Msg("Transaction recorded")
	return nil
}

// planName prefers the catalog name and falls back to Paddle's price name
// for prices the catalog does not know.
func (r *Reconciler) planName(priceID, paddleName string) string {
	if plan, ok := r.svc.plans.Lookup(priceID); ok {
		return plan.Name
	}
	if paddleName != "" {
		return paddleName
	}
	return r.svc.plans.Resolve(priceID).Name
}

func (r *Reconciler) observe(eventType paddle.EventType, outcome string) {
	metrics.ReconciliationsTotal.WithLabelValues(string(eventType), outcome).Inc()
}

func occurredOr(occurred, fallback time.Time) time.Time {
	if occurred.IsZero() {
		return fallback.UTC()
	}
	return occurred
}
