// Package events turns loosely typed provider payloads into a closed set of
// inbound event kinds, and defines the business events sent to merchants.
package events

import (
	"encoding/json"
	"strings"

	"github.com/stripe/stripe-go/v74"
)

// Kind tags the decoded variant of an inbound event.
type Kind string

const (
	KindCheckoutCompleted Kind = "checkout_completed"
	KindChargeRefunded    Kind = "charge_refunded"
	KindDisputeCreated    Kind = "dispute_created"
	// KindIncomplete is a recognised type whose payload lacks required fields.
	KindIncomplete Kind = "incomplete"
	KindUnknown    Kind = "unknown"
)

// Provider event types this service acts on.
const (
	TypeCheckoutSessionCompleted      = "checkout.session.completed"
	TypeCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	TypeChargeRefunded                = "charge.refunded"
	TypeChargeDisputeCreated          = "charge.dispute.created"
)

// Metadata keys set on checkout sessions by the storefront.
const (
	MetadataProductID = "product_id"
	MetadataUserID    = "user_id"
)

// Inbound is a decoded provider event. Exactly one of the payload pointers is
// set for the matching Kind; Incomplete and Unknown carry none.
type Inbound struct {
	ID       string
	Type     string
	Kind     Kind
	Problem  string
	Checkout *CheckoutCompleted
	Refund   *ChargeRefunded
	Dispute  *DisputeCreated
}

// CheckoutCompleted is a finished checkout session.
type CheckoutCompleted struct {
	SessionID       string
	PaymentIntentID string
	PaymentStatus   string
	AmountTotal     int64
	Currency        string
	ProductID       string
	UserID          string
	Email           string
}

// Paid reports whether the provider settled the payment.
func (c *CheckoutCompleted) Paid() bool {
	return c.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusPaid)
}

// ChargeRefunded carries the provider's cumulative refunded amount for a charge.
type ChargeRefunded struct {
	ChargeID        string
	PaymentIntentID string
	AmountRefunded  int64
	RefundID        string
}

// DisputeCreated references the disputed charge.
type DisputeCreated struct {
	DisputeID       string
	ChargeID        string
	PaymentIntentID string
	Reason          string
	Amount          int64
}

// Decode classifies ev. It never fails: malformed payloads for known types
// become KindIncomplete with a reason.
func Decode(ev *stripe.Event) Inbound {
	in := Inbound{ID: ev.ID, Type: string(ev.Type), Kind: KindUnknown}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		if isKnown(in.Type) {
			return incomplete(in, "event has no data object")
		}
		return in
	}

	switch in.Type {
	case TypeCheckoutSessionCompleted, TypeCheckoutAsyncPaymentSucceeded:
		return decodeCheckout(in, ev.Data.Raw)
	case TypeChargeRefunded:
		return decodeRefund(in, ev.Data.Raw)
	case TypeChargeDisputeCreated:
		return decodeDispute(in, ev.Data.Raw)
	default:
		return in
	}
}

func isKnown(t string) bool {
	switch t {
	case TypeCheckoutSessionCompleted, TypeCheckoutAsyncPaymentSucceeded, TypeChargeRefunded, TypeChargeDisputeCreated:
		return true
	}
	return false
}

func incomplete(in Inbound, problem string) Inbound {
	in.Kind = KindIncomplete
	in.Problem = problem
	return in
}

func decodeCheckout(in Inbound, raw json.RawMessage) Inbound {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(raw, &cs); err != nil {
		return incomplete(in, "checkout session could not be decoded")
	}
	if cs.ID == "" {
		return incomplete(in, "checkout session has no id")
	}

	c := &CheckoutCompleted{
		SessionID:     cs.ID,
		PaymentStatus: string(cs.PaymentStatus),
		AmountTotal:   cs.AmountTotal,
		Currency:      strings.ToUpper(string(cs.Currency)),
		ProductID:     strings.TrimSpace(cs.Metadata[MetadataProductID]),
		UserID:        strings.TrimSpace(cs.Metadata[MetadataUserID]),
		Email:         cs.CustomerEmail,
	}
	if cs.PaymentIntent != nil {
		c.PaymentIntentID = cs.PaymentIntent.ID
	}
	if cs.CustomerDetails != nil && cs.CustomerDetails.Email != "" {
		c.Email = cs.CustomerDetails.Email
	}

	in.Kind = KindCheckoutCompleted
	in.Checkout = c
	return in
}

func decodeRefund(in Inbound, raw json.RawMessage) Inbound {
	var ch stripe.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return incomplete(in, "charge could not be decoded")
	}
	if ch.ID == "" {
		return incomplete(in, "charge has no id")
	}

	r := &ChargeRefunded{ChargeID: ch.ID, AmountRefunded: ch.AmountRefunded}
	if ch.PaymentIntent != nil {
		r.PaymentIntentID = ch.PaymentIntent.ID
	}
	if ch.Refunds != nil && len(ch.Refunds.Data) > 0 && ch.Refunds.Data[0] != nil {
		r.RefundID = ch.Refunds.Data[0].ID
	}

	in.Kind = KindChargeRefunded
	in.Refund = r
	return in
}

func decodeDispute(in Inbound, raw json.RawMessage) Inbound {
	var dp stripe.Dispute
	if err := json.Unmarshal(raw, &dp); err != nil {
		return incomplete(in, "dispute could not be decoded")
	}

	d := &DisputeCreated{
		DisputeID: dp.ID,
		Reason:    string(dp.Reason),
		Amount:    dp.Amount,
	}
	if dp.Charge != nil {
		d.ChargeID = dp.Charge.ID
	}
	if dp.PaymentIntent != nil {
		d.PaymentIntentID = dp.PaymentIntent.ID
	}
	if d.ChargeID == "" && d.PaymentIntentID == "" {
		return incomplete(in, "dispute references no charge")
	}

	in.Kind = KindDisputeCreated
	in.Dispute = d
	return in
}
