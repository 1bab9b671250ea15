package paddle

import (
	"time"

	"billing-sync-backend/pkg/models"
)

// SubscriptionCreated is a validated subscription.created event.
type SubscriptionCreated struct {
	EventID        string
	SubscriptionID string
	UserID         string
	CustomerID     string
	PriceID        string
	PriceName      string
	Status         models.SubscriptionStatus
	Period         *Period
	TrialEnd       *time.Time
	CancelAtEnd    bool
	OccurredAt     time.Time
}

// SubscriptionUpdated is a validated subscription.updated event. Optional
// fields are zero when the payload omits them.
type SubscriptionUpdated struct {
	EventID        string
	SubscriptionID string
	Status         models.SubscriptionStatus
	UserID         string
	CustomerID     string
	PriceID        string
	PriceName      string
	Period         *Period
	TrialEnd       *time.Time
	CancelAtEnd    *bool
	OccurredAt     time.Time
}

// Complete reports whether the update carries every field needed to create
// the record from scratch.
func (u SubscriptionUpdated) Complete() bool {
	return u.UserID != "" && u.CustomerID != "" && u.PriceID != ""
}

// SubscriptionStatusChange is a validated cancelled, paused or resumed event.
type SubscriptionStatusChange struct {
	EventID        string
	EventType      EventType
	SubscriptionID string
	Status         models.SubscriptionStatus
	OccurredAt     time.Time
}

// TransactionCompleted is a validated transaction.completed event that
// belongs to a subscription.
type TransactionCompleted struct {
	EventID        string
	TransactionID  string
	SubscriptionID string
	Period         *Period
	OccurredAt     time.Time
}

// ValidateSubscriptionCreated requires custom_data.userId, id, customer_id and
// items[0].price.id. Status defaults to active.
func ValidateSubscriptionCreated(ev *Event) (SubscriptionCreated, error) {
	d := &ev.Data
	var absent []string
	if d.CustomData.User() == "" {
		absent = append(absent, "custom_data.userId")
	}
	if d.ID == "" {
		absent = append(absent, "id")
	}
	if d.CustomerID == "" {
		absent = append(absent, "customer_id")
	}
	item, _ := d.firstItem()
	if item.ID() == "" {
		absent = append(absent, "items[0].price.id")
	}
	if len(absent) > 0 {
		return SubscriptionCreated{}, missing(absent...)
	}

	status := models.StatusActive
	if d.Status != "" {
		parsed, err := ParseStatus(d.Status)
		if err != nil {
			return SubscriptionCreated{}, err
		}
		status = parsed
	}

	req := SubscriptionCreated{
		EventID:        ev.EventID,
		SubscriptionID: d.ID,
		UserID:         d.CustomData.User(),
		CustomerID:     d.CustomerID,
		PriceID:        item.ID(),
		Status:         status,
		Period:         d.period(),
		TrialEnd:       d.trialEnd(),
		OccurredAt:     ev.OccurredAt.Time,
	}
	if item.Price != nil {
		req.PriceName = item.Price.Name
	}
	if cancel := d.cancelAtPeriodEnd(); cancel != nil {
		req.CancelAtEnd = *cancel
	}
	return req, nil
}

// ValidateSubscriptionUpdated requires id and status.
func ValidateSubscriptionUpdated(ev *Event) (SubscriptionUpdated, error) {
	d := &ev.Data
	var absent []string
	if d.ID == "" {
		absent = append(absent, "id")
	}
	if d.Status == "" {
		absent = append(absent, "status")
	}
	if len(absent) > 0 {
		return SubscriptionUpdated{}, missing(absent...)
	}
	status, err := ParseStatus(d.Status)
	if err != nil {
		return SubscriptionUpdated{}, err
	}

	req := SubscriptionUpdated{
		EventID:        ev.EventID,
		SubscriptionID: d.ID,
		Status:         status,
		UserID:         d.CustomData.User(),
		CustomerID:     d.CustomerID,
		Period:         d.period(),
		TrialEnd:       d.trialEnd(),
		CancelAtEnd:    d.cancelAtPeriodEnd(),
		OccurredAt:     ev.OccurredAt.Time,
	}
	if item, ok := d.firstItem(); ok {
		req.PriceID = item.ID()
		if item.Price != nil {
			req.PriceName = item.Price.Name
		}
	}
	return req, nil
}

// StatusChangeValidator returns a validator for events that move a
// subscription to a fixed status. Only id is required.
func StatusChangeValidator(status models.SubscriptionStatus) func(*Event) (SubscriptionStatusChange, error) {
	return func(ev *Event) (SubscriptionStatusChange, error) {
		if ev.Data.ID == "" {
			return SubscriptionStatusChange{}, missing("id")
		}
		return SubscriptionStatusChange{
			EventID:        ev.EventID,
			EventType:      ev.EventType,
			SubscriptionID: ev.Data.ID,
			Status:         status,
			OccurredAt:     ev.OccurredAt.Time,
		}, nil
	}
}

// ValidateTransactionCompleted requires subscription_id. One-off purchases
// carry none and are skipped.
func ValidateTransactionCompleted(ev *Event) (TransactionCompleted, error) {
	d := &ev.Data
	if d.SubscriptionID == "" {
		return TransactionCompleted{}, missing("subscription_id")
	}
	return TransactionCompleted{
		EventID:        ev.EventID,
		TransactionID:  d.ID,
		SubscriptionID: d.SubscriptionID,
		Period:         d.period(),
		OccurredAt:     ev.OccurredAt.Time,
	}, nil
}
