package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chefcloud/posync/internal/errors"
)

// Payload is the typed body of a queued action. Each ActionKind has exactly
// one implementation.
type Payload interface {
	// Kind returns the discriminator for this payload.
	Kind() ActionKind
	// EntityKey returns the logical entity the action mutates.
	EntityKey() string
	// Validate reports a VALIDATION_ERROR for malformed payloads.
	Validate() error
}

// OrderLine is one menu item on an order.
type OrderLine struct {
	MenuItemID string   `json:"menuItemId"`
	Quantity   int      `json:"quantity"`
	Modifiers  []string `json:"modifiers,omitempty"`
	Note       string   `json:"note,omitempty"`
}

func (l OrderLine) validate(i int) error {
	if strings.TrimSpace(l.MenuItemID) == "" {
		return errors.Newf(errors.ErrValidation, "items[%d]: menuItemId is required", i)
	}
	if l.Quantity <= 0 {
		return errors.Newf(errors.ErrValidation, "items[%d]: quantity must be positive", i)
	}
	return nil
}

// CreateOrder opens a new order, optionally with initial items.
type CreateOrder struct {
	OrderID string      `json:"orderId"`
	TableID string      `json:"tableId,omitempty"`
	Covers  int         `json:"covers,omitempty"`
	Items   []OrderLine `json:"items,omitempty"`
}

func (p CreateOrder) Kind() ActionKind  { return KindCreateOrder }
func (p CreateOrder) EntityKey() string { return p.OrderID }

func (p CreateOrder) Validate() error {
	if err := requireOrderID(p.OrderID); err != nil {
		return err
	}
	if p.Covers < 0 {
		return errors.New(errors.ErrValidation, "covers must not be negative")
	}
	for i, l := range p.Items {
		if err := l.validate(i); err != nil {
			return err
		}
	}
	return nil
}

// AddItems appends items to an existing order.
type AddItems struct {
	OrderID string      `json:"orderId"`
	Items   []OrderLine `json:"items"`
}

func (p AddItems) Kind() ActionKind  { return KindAddItems }
func (p AddItems) EntityKey() string { return p.OrderID }

func (p AddItems) Validate() error {
	if err := requireOrderID(p.OrderID); err != nil {
		return err
	}
	if len(p.Items) == 0 {
		return errors.New(errors.ErrValidation, "at least one item is required")
	}
	for i, l := range p.Items {
		if err := l.validate(i); err != nil {
			return err
		}
	}
	return nil
}

// PaymentMethod is the tender used for a payment.
type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "CASH"
	PaymentCard   PaymentMethod = "CARD"
	PaymentMobile PaymentMethod = "MOBILE"
)

// TakePayment records a payment against an order. Amounts are minor units.
type TakePayment struct {
	OrderID     string        `json:"orderId"`
	AmountCents int64         `json:"amountCents"`
	TipCents    int64         `json:"tipCents,omitempty"`
	Method      PaymentMethod `json:"method"`
	Reference   string        `json:"reference,omitempty"`
}

func (p TakePayment) Kind() ActionKind  { return KindTakePayment }
func (p TakePayment) EntityKey() string { return p.OrderID }

func (p TakePayment) Validate() error {
	if err := requireOrderID(p.OrderID); err != nil {
		return err
	}
	if p.AmountCents <= 0 {
		return errors.New(errors.ErrValidation, "amountCents must be positive")
	}
	if p.TipCents < 0 {
		return errors.New(errors.ErrValidation, "tipCents must not be negative")
	}
	switch p.Method {
	case PaymentCash, PaymentCard, PaymentMobile:
		return nil
	default:
		return errors.Newf(errors.ErrValidation, "unsupported payment method %q", p.Method)
	}
}

// VoidOrder cancels an order.
type VoidOrder struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

func (p VoidOrder) Kind() ActionKind  { return KindVoidOrder }
func (p VoidOrder) EntityKey() string { return p.OrderID }

func (p VoidOrder) Validate() error {
	if err := requireOrderID(p.OrderID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Reason) == "" {
		return errors.New(errors.ErrValidation, "reason is required to void an order")
	}
	return nil
}

// SendToKitchen fires order items to a kitchen station. An empty ItemIDs
// list sends every unsent item.
type SendToKitchen struct {
	OrderID string   `json:"orderId"`
	Station string   `json:"station,omitempty"`
	ItemIDs []string `json:"itemIds,omitempty"`
}

func (p SendToKitchen) Kind() ActionKind  { return KindSendToKitchen }
func (p SendToKitchen) EntityKey() string { return p.OrderID }

func (p SendToKitchen) Validate() error {
	if err := requireOrderID(p.OrderID); err != nil {
		return err
	}
	for i, id := range p.ItemIDs {
		if strings.TrimSpace(id) == "" {
			return errors.Newf(errors.ErrValidation, "itemIds[%d] is empty", i)
		}
	}
	return nil
}

func requireOrderID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New(errors.ErrValidation, "orderId is required")
	}
	return nil
}

// IsNilPayload reports whether p is nil or a nil pointer to one of the
// variants. Pointer variants satisfy Payload through their value methods,
// so a nil one would panic on first use.
func IsNilPayload(p Payload) bool {
	switch v := p.(type) {
	case nil:
		return true
	case *CreateOrder:
		return v == nil
	case *AddItems:
		return v == nil
	case *TakePayment:
		return v == nil
	case *VoidOrder:
		return v == nil
	case *SendToKitchen:
		return v == nil
	default:
		return false
	}
}

// DecodePayload strictly decodes raw into the variant for kind and validates it.
func DecodePayload(kind ActionKind, raw json.RawMessage) (Payload, error) {
	var p Payload
	var err error
	switch kind {
	case KindCreateOrder:
		var v CreateOrder
		err = decodeStrict(raw, &v)
		p = v
	case KindAddItems:
		var v AddItems
		err = decodeStrict(raw, &v)
		p = v
	case KindTakePayment:
		var v TakePayment
		err = decodeStrict(raw, &v)
		p = v
	case KindVoidOrder:
		var v VoidOrder
		err = decodeStrict(raw, &v)
		p = v
	case KindSendToKitchen:
		var v SendToKitchen
		err = decodeStrict(raw, &v)
		p = v
	default:
		return nil, errors.Newf(errors.ErrValidation, "unknown action kind %q", kind)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, fmt.Sprintf("malformed %s payload", kind), err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeStrict(raw json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
