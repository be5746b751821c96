package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v78"
)

// decodeEvent maps a verified Stripe event onto the normalised Event shape,
// decoding the payload once according to the event family. Unknown event
// types pass through with no payload; the synchronizer acknowledges and
// ignores them.
func decodeEvent(raw stripe.Event) (Event, error) {
	event := Event{ID: raw.ID, Type: EventType(raw.Type)}

	switch event.Type {
	case EventInvoicePaid, EventInvoiceFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(raw.Data.Raw, &invoice); err != nil {
			return Event{}, fmt.Errorf("billing: decode invoice event %s: %w", raw.ID, err)
		}
		payload := InvoiceEvent{}
		if invoice.Customer != nil {
			payload.CustomerID = invoice.Customer.ID
		}
		if invoice.Subscription != nil {
			payload.SubscriptionID = invoice.Subscription.ID
		}
		event.invoice = &payload

	case EventSubscriptionUpdated, EventSubscriptionDeleted, EventSubscriptionPaused,
		EventSubscriptionResumed, EventSubscriptionCreated:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return Event{}, fmt.Errorf("billing: decode subscription event %s: %w", raw.ID, err)
		}
		payload := SubscriptionEvent{
			ID:       sub.ID,
			Status:   string(sub.Status),
			Metadata: sub.Metadata,
		}
		if sub.Customer != nil {
			payload.CustomerID = sub.Customer.ID
		}
		if sub.CurrentPeriodEnd > 0 {
			payload.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
			payload.FirstItemID = sub.Items.Data[0].ID
		}
		event.subscription = &payload

	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &session); err != nil {
			return Event{}, fmt.Errorf("billing: decode checkout event %s: %w", raw.ID, err)
		}
		payload := CheckoutEvent{Metadata: session.Metadata}
		if session.Customer != nil {
			payload.CustomerID = session.Customer.ID
		}
		if session.Subscription != nil {
			payload.SubscriptionID = session.Subscription.ID
		}
		event.checkout = &payload
	}

	return event, nil
}
