package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billing-sync-backend/pkg/config"
	"billing-sync-backend/pkg/database"
	"billing-sync-backend/pkg/metrics"
	"billing-sync-backend/pkg/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Service owns subscription and entitlement state transitions. The webhook
// reconciler and the HTTP API both go through it.
type Service struct {
	store  database.DatabaseInterface
	plans  *config.PlanCatalog
	logger zerolog.Logger
	now    func() time.Time
}

// NewService creates a billing service.
func NewService(store database.DatabaseInterface, plans *config.PlanCatalog, logger zerolog.Logger) *Service {
	if plans == nil {
		plans = config.NewPlanCatalog(config.PlanCatalogOptions{})
	}
	return &Service{
		store:  store,
		plans:  plans,
		logger: logger.With().Str("component", "billing").Logger(),
		now:    time.Now,
	}
}

// SubscriptionFields is a complete subscription as reported by Paddle.
type SubscriptionFields struct {
	SubscriptionID     string
	UserID             string
	CustomerID         string
	Status             models.SubscriptionStatus
	PriceID            string
	PlanName           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	TrialEnd           *time.Time
}

func (f *SubscriptionFields) validate() error {
	var absent []string
	if f.SubscriptionID == "" {
		absent = append(absent, "subscription_id")
	}
	if f.UserID == "" {
		absent = append(absent, "user_id")
	}
	if f.CustomerID == "" {
		absent = append(absent, "customer_id")
	}
	if f.PriceID == "" {
		absent = append(absent, "price_id")
	}
	if len(absent) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidInput, absent)
	}
	if f.Status == "" {
		f.Status = models.StatusActive
	}
	if !f.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	return nil
}

func (s *Service) record(f SubscriptionFields) *models.Subscription {
	now := s.now().UTC()
	planName := f.PlanName
	if planName == "" {
		planName = s.plans.Resolve(f.PriceID).Name
	}
	return &models.Subscription{
		SubscriptionID:     f.SubscriptionID,
		UserID:             f.UserID,
		CustomerID:         f.CustomerID,
		Status:             f.Status,
		PriceID:            f.PriceID,
		PlanName:           planName,
		CurrentPeriodStart: f.CurrentPeriodStart,
		CurrentPeriodEnd:   f.CurrentPeriodEnd,
		CancelAtPeriodEnd:  f.CancelAtPeriodEnd,
		TrialEnd:           f.TrialEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// CreateSubscription inserts the record if its subscription ID is new. An
// existing record keeps its fields and only has updated_at stamped, so a
// redelivered or late creation event cannot roll back newer state.
func (s *Service) CreateSubscription(ctx context.Context, f SubscriptionFields) (*models.Subscription, bool, error) {
	if err := f.validate(); err != nil {
		return nil, false, err
	}

	sub := s.record(f)
	inserted, err := s.store.InsertSubscription(ctx, sub)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		sub, err = s.store.UpdateSubscription(ctx, f.SubscriptionID, func(*models.Subscription) error { return nil })
		if err != nil {
			return nil, false, fmt.Errorf("touch subscription %s: %w", f.SubscriptionID, err)
		}
	}

	if err := s.reproject(ctx, sub); err != nil {
		return nil, inserted, err
	}
	return sub, inserted, nil
}

// UpsertSubscription creates the record or overwrites every Paddle-owned
// field of an existing one. It is reserved for the webhook pipeline.
func (s *Service) UpsertSubscription(ctx context.Context, f SubscriptionFields) (*models.Subscription, bool, error) {
	if err := f.validate(); err != nil {
		return nil, false, err
	}

	sub := s.record(f)
	inserted, err := s.store.InsertSubscription(ctx, sub)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		sub, err = s.store.UpdateSubscription(ctx, f.SubscriptionID, func(cur *models.Subscription) error {
			cur.UserID = sub.UserID
			cur.CustomerID = sub.CustomerID
			cur.Status = sub.Status
			cur.PriceID = sub.PriceID
			cur.PlanName = sub.PlanName
			cur.CurrentPeriodStart = sub.CurrentPeriodStart
			cur.CurrentPeriodEnd = sub.CurrentPeriodEnd
			cur.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
			cur.TrialEnd = sub.TrialEnd
			return nil
		})
		if err != nil {
			return nil, false, fmt.Errorf("patch subscription %s: %w", f.SubscriptionID, err)
		}
	}

	if err := s.reproject(ctx, sub); err != nil {
		return nil, inserted, err
	}
	return sub, inserted, nil
}

// SubscriptionPatch lists the fields an event changes. Nil or empty fields
// are left untouched.
type SubscriptionPatch struct {
	Status            *models.SubscriptionStatus
	PriceID           string
	PlanName          string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd *bool
}

// PatchSubscription applies patch to an existing record and re-projects the
// owner's entitlement when the status is part of the patch. It returns
// ErrNotFound when the record does not exist.
func (s *Service) PatchSubscription(ctx context.Context, subscriptionID string, patch SubscriptionPatch) (*models.Subscription, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *patch.Status)
	}
	if patch.PriceID != "" && patch.PlanName == "" {
		patch.PlanName = s.plans.Resolve(patch.PriceID).Name
	}

	sub, err := s.store.UpdateSubscription(ctx, subscriptionID, func(cur *models.Subscription) error {
		if patch.Status != nil {
			cur.Status = *patch.Status
		}
		if patch.PriceID != "" {
			cur.PriceID = patch.PriceID
			cur.PlanName = patch.PlanName
		}
		if patch.PeriodStart != nil {
			cur.CurrentPeriodStart = *patch.PeriodStart
		}
		if patch.PeriodEnd != nil {
			cur.CurrentPeriodEnd = *patch.PeriodEnd
		}
		if patch.TrialEnd != nil {
			cur.TrialEnd = patch.TrialEnd
		}
		if patch.CancelAtPeriodEnd != nil {
			cur.CancelAtPeriodEnd = *patch.CancelAtPeriodEnd
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if patch.Status != nil {
		if err := s.reproject(ctx, sub); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// RecordBillingPeriod moves the subscription to a newer billing period.
// Periods that start before the stored one are ignored. When the period
// advances, the owner's token usage is reset.
func (s *Service) RecordBillingPeriod(ctx context.Context, subscriptionID string, start, end time.Time) (bool, error) {
	advanced := false
	sub, err := s.store.UpdateSubscription(ctx, subscriptionID, func(cur *models.Subscription) error {
		if start.Before(cur.CurrentPeriodStart) {
			return nil
		}
		advanced = start.After(cur.CurrentPeriodStart)
		cur.CurrentPeriodStart = start
		if !end.IsZero() {
			cur.CurrentPeriodEnd = end
		}
		return nil
	})
	if err != nil {
		return false, mapStoreErr(err)
	}
	if !advanced {
		return false, nil
	}

	_, err = s.store.UpdateUser(ctx, sub.UserID, func(u *models.User) error {
		u.TokensUsed = 0
		u.LastResetAt = s.now().UTC()
		return nil
	})
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return true, fmt.Errorf("reset usage for %s: %w", sub.UserID, err)
	}
	return true, nil
}

// CancelSubscription cancels a subscription on behalf of its owner. With
// atPeriodEnd the record is set to active with the cancel flag, so access
// runs until the period ends; otherwise the subscription is canceled now and
// the owner's entitlement is dropped. Either way the entitlement is
// re-projected.
func (s *Service) CancelSubscription(ctx context.Context, callerID, subscriptionID string, atPeriodEnd bool) (*models.Subscription, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}
	if subscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription_id is required", ErrInvalidInput)
	}

	sub, err := s.store.UpdateSubscription(ctx, subscriptionID, func(cur *models.Subscription) error {
		if cur.UserID != callerID {
			return ErrForbidden
		}
		if atPeriodEnd {
			cur.Status = models.StatusActive
			cur.CancelAtPeriodEnd = true
			return nil
		}
		cur.Status = models.StatusCanceled
		cur.CancelAtPeriodEnd = false
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	s.logger.Info().
		Str("subscription_id", subscriptionID).
		Str("user_id", callerID).
		Bool("at_period_end", atPeriodEnd).
		Msg("Subscription canceled by user")

	if err := s.reproject(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// CurrentSubscription returns the user's newest active or trialing
// subscription, or nil when there is none.
func (s *Service) CurrentSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	sub, err := s.store.GetCurrentSubscription(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// SubscriptionHistory returns every subscription of the user, newest first.
func (s *Service) SubscriptionHistory(ctx context.Context, userID string) ([]models.Subscription, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	return s.store.ListSubscriptionsByUser(ctx, userID)
}

// UserProfile returns the user's entitlement record and current
// subscription. Either may be nil.
func (s *Service) UserProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	profile := &models.UserProfile{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := s.store.GetUser(gctx, userID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		profile.User = u
		return nil
	})
	g.Go(func() error {
		sub, err := s.CurrentSubscription(gctx, userID)
		if err != nil {
			return err
		}
		profile.Subscription = sub
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return profile, nil
}

// ConsumeTokens debits amount from the user's quota. Usage restarts at the
// first debit of each calendar month (UTC).
func (s *Service) ConsumeTokens(ctx context.Context, userID string, amount int64) (*models.User, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: tokens must be positive", ErrInvalidInput)
	}

	now := s.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	u, err := s.store.UpdateUser(ctx, userID, func(u *models.User) error {
		if u.LastResetAt.Before(monthStart) {
			u.TokensUsed = 0
			u.LastResetAt = now
		}
		if u.SubscriptionStatus != models.UserStatusActive {
			return ErrQuotaExceeded
		}
		if u.TokensLimit != models.UnlimitedTokens && u.TokensUsed+amount > u.TokensLimit {
			return ErrQuotaExceeded
		}
		u.TokensUsed += amount
		return nil
	})
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: no entitlement for user", ErrQuotaExceeded)
	}
	if err != nil {
		return nil, err
	}
	metrics.TokensConsumedTotal.Add(float64(amount))
	return u, nil
}

// reproject recomputes the owner's entitlement from their current
// subscription, falling back to the record just written when the user has
// no active or trialing subscription. The user row is locked before the
// current subscription is read, so concurrent projections for one user
// serialize and the last one sees every committed subscription write.
func (s *Service) reproject(ctx context.Context, touched *models.Subscription) error {
	var (
		ent    Entitlement
		source *models.Subscription
	)
	_, err := s.store.ProjectUser(ctx, touched.UserID, func(u *models.User, current *models.Subscription, created bool) error {
		source = touched
		if current != nil {
			source = current
		}
		if created {
			u.LastResetAt = s.now().UTC()
		}
		ent = Project(source.Status, s.plans.Resolve(source.PriceID))
		ent.Apply(u)
		return nil
	})
	if err != nil {
		return fmt.Errorf("project entitlement for %s: %w", touched.UserID, err)
	}

	metrics.EntitlementProjectionsTotal.WithLabelValues(string(ent.Status)).Inc()
	s.logger.Debug().
		Str("user_id", touched.UserID).
		Str("subscription_id", source.SubscriptionID).
		Str("status", string(ent.Status)).
		Int64("tokens_limit", ent.TokensLimit).
		Msg("Entitlement projected")
	return nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
