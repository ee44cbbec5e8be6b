package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/stripe/stripe-go/v79"
)

// =============================================================================
// Event Kinds
// =============================================================================

// EventKind is the closed set of provider events the reconciler acts on.
// Every kind in AllEventKinds must have a handler; unknown provider types
// decode to EventKindUnhandled.
type EventKind int

const (
	EventKindUnhandled EventKind = iota
	EventKindSubscriptionCreated
	EventKindSubscriptionUpdated
	EventKindSubscriptionDeleted
	EventKindPaymentSucceeded
	EventKindPaymentFailed
)

// AllEventKinds lists every kind, including EventKindUnhandled.
func AllEventKinds() []EventKind {
	return []EventKind{
		EventKindUnhandled,
		EventKindSubscriptionCreated,
		EventKindSubscriptionUpdated,
		EventKindSubscriptionDeleted,
		EventKindPaymentSucceeded,
		EventKindPaymentFailed,
	}
}

func (k EventKind) String() string {
	switch k {
	case EventKindSubscriptionCreated:
		return "subscription.created"
	case EventKindSubscriptionUpdated:
		return "subscription.updated"
	case EventKindSubscriptionDeleted:
		return "subscription.deleted"
	case EventKindPaymentSucceeded:
		return "invoice.payment_succeeded"
	case EventKindPaymentFailed:
		return "invoice.payment_failed"
	}
	return "unhandled"
}

// IsSubscriptionEvent reports whether the payload is a subscription object.
func (k EventKind) IsSubscriptionEvent() bool {
	return k == EventKindSubscriptionCreated || k == EventKindSubscriptionUpdated || k == EventKindSubscriptionDeleted
}

var stripeEventKinds = map[stripe.EventType]EventKind{
	"customer.subscription.created": EventKindSubscriptionCreated,
	"customer.subscription.updated": EventKindSubscriptionUpdated,
	"customer.subscription.deleted": EventKindSubscriptionDeleted,
	"invoice.payment_succeeded":     EventKindPaymentSucceeded,
	"invoice.paid":                  EventKindPaymentSucceeded,
	"invoice.payment_failed":        EventKindPaymentFailed,
}

// =============================================================================
// Payloads
// =============================================================================

// Only the fields the reconciler reads are decoded. Current-period bounds
// moved from the subscription to its items in newer API versions, so both
// locations are read.

// SubscriptionPayload is the subscription object of customer.subscription.* events.
type SubscriptionPayload struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []SubscriptionItemPayload `json:"data"`
	} `json:"items"`
}

// SubscriptionItemPayload is one priced item of a subscription.
type SubscriptionItemPayload struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Price              struct {
		ID string `json:"id"`
	} `json:"price"`
}

// PriceID returns the price of the first subscription item.
func (s *SubscriptionPayload) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

// Period returns the current billing period bounds.
func (s *SubscriptionPayload) Period() (start, end time.Time) {
	startUnix, endUnix := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if (startUnix == 0 || endUnix == 0) && len(s.Items.Data) > 0 {
		startUnix, endUnix = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return unixUTC(startUnix), unixUTC(endUnix)
}

// Incomplete reports whether the payload lacks the price or the period the
// reconciler needs.
func (s *SubscriptionPayload) Incomplete() bool {
	start, end := s.Period()
	return s.PriceID() == "" || start.IsZero() || end.IsZero()
}

// Complete fills missing price and period fields from the subscription as
// the provider currently reports it. Fields present in the event win.
func (s *SubscriptionPayload) Complete(current *stripe.Subscription) {
	if current == nil {
		return
	}
	if start, end := s.Period(); start.IsZero() || end.IsZero() {
		s.CurrentPeriodStart, s.CurrentPeriodEnd = current.CurrentPeriodStart, current.CurrentPeriodEnd
	}
	if s.PriceID() != "" || current.Items == nil {
		return
	}
	for _, item := range current.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		var it SubscriptionItemPayload
		it.Price.ID = item.Price.ID
		s.Items.Data = append([]SubscriptionItemPayload{it}, s.Items.Data...)
		return
	}
}

// SubscriptionPeriod returns a provider subscription's current period bounds.
func SubscriptionPeriod(sub *stripe.Subscription) (start, end time.Time) {
	if sub == nil {
		return time.Time{}, time.Time{}
	}
	return unixUTC(sub.CurrentPeriodStart), unixUTC(sub.CurrentPeriodEnd)
}

// InvoicePayload is the invoice object of invoice.* events.
type InvoicePayload struct {
	ID                  string `json:"id"`
	Customer            string `json:"customer"`
	Subscription        string `json:"subscription"`
	BillingReason       string `json:"billing_reason"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// BillingReasonSubscriptionCycle marks a renewal invoice.
const BillingReasonSubscriptionCycle = "subscription_cycle"

// IsRenewal reports whether the invoice was raised by a billing-cycle renewal.
func (i *InvoicePayload) IsRenewal() bool {
	return i.BillingReason == BillingReasonSubscriptionCycle
}

// Period returns the service period billed by the first invoice line.
func (i *InvoicePayload) Period() (start, end time.Time, ok bool) {
	if len(i.Lines.Data) == 0 || i.Lines.Data[0].Period.Start == 0 {
		return time.Time{}, time.Time{}, false
	}
	p := i.Lines.Data[0].Period
	return unixUTC(p.Start), unixUTC(p.End), true
}

// =============================================================================
// Event
// =============================================================================

// Event is a verified provider event decoded into its closed kind.
type Event struct {
	ID           string
	Type         string
	Kind         EventKind
	Created      time.Time
	Raw          []byte
	Subscription *SubscriptionPayload
	Invoice      *InvoicePayload
}

// MetadataUserIDKey is the metadata key linking provider objects to users.
const MetadataUserIDKey = "user_id"

// CustomerID returns the provider customer the event belongs to.
func (e *Event) CustomerID() string {
	switch {
	case e.Subscription != nil:
		return e.Subscription.Customer
	case e.Invoice != nil:
		return e.Invoice.Customer
	}
	return ""
}

// SubscriptionID returns the provider subscription the event belongs to.
func (e *Event) SubscriptionID() string {
	switch {
	case e.Subscription != nil:
		return e.Subscription.ID
	case e.Invoice != nil:
		return e.Invoice.Subscription
	}
	return ""
}

// MetadataUserID returns the user id stamped on the provider object, if any.
func (e *Event) MetadataUserID() string {
	switch {
	case e.Subscription != nil:
		return e.Subscription.Metadata[MetadataUserIDKey]
	case e.Invoice != nil:
		return e.Invoice.SubscriptionDetails.Metadata[MetadataUserIDKey]
	}
	return ""
}

// DecodeEvent classifies a verified provider event and decodes its payload.
// Unknown event types decode without a payload.
func DecodeEvent(ev stripe.Event) (*Event, error) {
	out := &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Kind:    stripeEventKinds[ev.Type],
		Created: unixUTC(ev.Created),
	}
	if ev.Data != nil {
		out.Raw = ev.Data.Raw
	}

	switch {
	case out.Kind == EventKindUnhandled:
		return out, nil
	case len(out.Raw) == 0:
		return nil, domain.Invalid("billing.decode_event", fmt.Sprintf("event %s has no data object", ev.ID))
	case out.Kind.IsSubscriptionEvent():
		var sub SubscriptionPayload
		if err := json.Unmarshal(out.Raw, &sub); err != nil {
			return nil, domain.Wrap(err, domain.EINVALID, "billing.decode_event", "malformed subscription payload")
		}
		out.Subscription = &sub
	default:
		var inv InvoicePayload
		if err := json.Unmarshal(out.Raw, &inv); err != nil {
			return nil, domain.Wrap(err, domain.EINVALID, "billing.decode_event", "malformed invoice payload")
		}
		out.Invoice = &inv
	}
	return out, nil
}

// MapProviderStatus converts a provider subscription status to a local status.
// Incomplete and paused subscriptions grant nothing until they become active.
func MapProviderStatus(status string) domain.SubscriptionStatus {
	switch stripe.SubscriptionStatus(status) {
	case stripe.SubscriptionStatusActive:
		return domain.SubscriptionStatusActive
	case stripe.SubscriptionStatusTrialing:
		return domain.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return domain.SubscriptionStatusPastDue
	}
	return domain.SubscriptionStatusCanceled
}

func unixUTC(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
