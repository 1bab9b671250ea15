package paddle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"billing-sync-backend/pkg/models"

	"github.com/rs/zerolog/log"
)

// EventType is the Paddle notification type, e.g. "subscription.created".
type EventType string

const (
	EventSubscriptionCreated   EventType = "subscription.created"
	EventSubscriptionUpdated   EventType = "subscription.updated"
	EventSubscriptionCancelled EventType = "subscription.cancelled"
	EventSubscriptionCanceled  EventType = "subscription.canceled"
	EventSubscriptionPaused    EventType = "subscription.paused"
	EventSubscriptionResumed   EventType = "subscription.resumed"
	EventTransactionCompleted  EventType = "transaction.completed"
)

// Event is the webhook envelope.
type Event struct {
	EventID    string    `json:"event_id"`
	EventType  EventType `json:"event_type"`
	OccurredAt Timestamp `json:"occurred_at"`
	Data       EventData `json:"data"`
}

// EventData carries the entity the event describes. Subscription events
// describe a subscription; transaction events describe a transaction that
// may reference one through SubscriptionID.
type EventData struct {
	ID                   string            `json:"id"`
	Status               string            `json:"status"`
	CustomerID           string            `json:"customer_id"`
	SubscriptionID       string            `json:"subscription_id"`
	CustomData           CustomData        `json:"custom_data"`
	Items                []Item            `json:"items"`
	BilledAt             Timestamp         `json:"billed_at"`
	NextBilledAt         Timestamp         `json:"next_billed_at"`
	CurrentBillingPeriod *BillingPeriod    `json:"current_billing_period"`
	BillingPeriod        *BillingPeriod    `json:"billing_period"`
	ScheduledChange      OptionalScheduled `json:"scheduled_change"`
}

// CustomData is the checkout passthrough data. The app sends userId; user_id
// is accepted for older checkouts.
type CustomData struct {
	UserID      string `json:"userId"`
	UserIDSnake string `json:"user_id"`
}

// User returns the application user the checkout was started for.
func (c CustomData) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.UserIDSnake
}

// Item is one line item. Subscription items nest the price object while
// transaction items may carry only price_id.
type Item struct {
	PriceID    string         `json:"price_id"`
	Price      *Price         `json:"price"`
	TrialDates *BillingPeriod `json:"trial_dates"`
}

// Price is the catalog price attached to an item.
type Price struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ID returns the item's price ID in either shape.
func (i Item) ID() string {
	if i.Price != nil && i.Price.ID != "" {
		return i.Price.ID
	}
	return i.PriceID
}

// BillingPeriod is a [StartsAt, EndsAt) interval.
type BillingPeriod struct {
	StartsAt Timestamp `json:"starts_at"`
	EndsAt   Timestamp `json:"ends_at"`
}

func (p *BillingPeriod) valid() bool {
	return p != nil && !p.StartsAt.IsZero()
}

// ScheduledChange is a pending change Paddle will apply at EffectiveAt.
type ScheduledChange struct {
	Action      string    `json:"action"`
	EffectiveAt Timestamp `json:"effective_at"`
}

// OptionalScheduled distinguishes an explicit null scheduled_change (no
// pending change) from a payload that does not carry the key at all.
type OptionalScheduled struct {
	Present bool
	Change  *ScheduledChange
}

func (o *OptionalScheduled) UnmarshalJSON(b []byte) error {
	o.Present = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Change = nil
		return nil
	}
	var sc ScheduledChange
	if err := json.Unmarshal(b, &sc); err != nil {
		return err
	}
	o.Change = &sc
	return nil
}

// Timestamp decodes RFC 3339 strings and treats null or "" as the zero time.
// Any other value also decodes to the zero time with a warning; the fields
// that depend on it are then treated as absent by validation.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	t.Time = time.Time{}
	s := string(bytes.TrimSpace(b))
	if s == "null" || s == `""` {
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		log.Warn().Str("value", s).Msg("Paddle timestamp is not a string, ignoring")
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		log.Warn().Err(err).Str("value", raw).Msg("Paddle timestamp is not RFC 3339, ignoring")
		return nil
	}
	t.Time = parsed.UTC()
	return nil
}

// Ptr returns nil for the zero time.
func (t Timestamp) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// Period is a resolved billing period.
type Period struct {
	Start time.Time
	End   time.Time
}

// ParseEvent decodes a verified webhook body.
func ParseEvent(raw []byte) (*Event, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	ev.EventType = EventType(strings.TrimSpace(string(ev.EventType)))
	return &ev, nil
}

// period resolves the billing period from whichever shape the payload uses.
func (d *EventData) period() *Period {
	switch {
	case d.CurrentBillingPeriod.valid():
		return &Period{Start: d.CurrentBillingPeriod.StartsAt.Time, End: d.CurrentBillingPeriod.EndsAt.Time}
	case d.BillingPeriod.valid():
		return &Period{Start: d.BillingPeriod.StartsAt.Time, End: d.BillingPeriod.EndsAt.Time}
	case !d.BilledAt.IsZero() && !d.NextBilledAt.IsZero():
		return &Period{Start: d.BilledAt.Time, End: d.NextBilledAt.Time}
	}
	return nil
}

func (d *EventData) firstItem() (Item, bool) {
	if len(d.Items) == 0 {
		return Item{}, false
	}
	return d.Items[0], true
}

func (d *EventData) trialEnd() *time.Time {
	if item, ok := d.firstItem(); ok && item.TrialDates != nil {
		return item.TrialDates.EndsAt.Ptr()
	}
	return nil
}

// cancelAtPeriodEnd returns nil when the payload says nothing about a
// scheduled change.
func (d *EventData) cancelAtPeriodEnd() *bool {
	if !d.ScheduledChange.Present {
		return nil
	}
	v := d.ScheduledChange.Change != nil && d.ScheduledChange.Change.Action == "cancel"
	return &v
}

// ParseStatus normalizes a Paddle subscription status.
func ParseStatus(s string) (models.SubscriptionStatus, error) {
	status := models.SubscriptionStatus(strings.ToLower(strings.TrimSpace(s)))
	if status == "cancelled" {
		status = models.StatusCanceled
	}
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidField, s)
	}
	return status, nil
}

func missing(fields ...string) error {
	return fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(fields, ", "))
}
