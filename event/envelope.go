package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/tally/id"
)

// ErrUnknownType is returned by Decode for a tag this build does not know.
var ErrUnknownType = errors.New("event: unknown event type")

// Envelope is the wire form relayed between instances.
type Envelope struct {
	SourceID id.InstanceID   `json:"sourceId"`
	Type     Type            `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

var (
	variants = map[Type]func() Event{
		TypeInventoryUpdated:     func() Event { return &InventoryUpdated{} },
		TypeLowStockTriggered:    func() Event { return &LowStockTriggered{} },
		TypeSaleCompleted:        func() Event { return &SaleCompleted{} },
		TypeSaleRefunded:         func() Event { return &SaleRefunded{} },
		TypeShiftOpened:          func() Event { return &ShiftOpened{} },
		TypeShiftClosed:          func() Event { return &ShiftClosed{} },
		TypePurchaseOrderUpdated: func() Event { return &PurchaseOrderUpdated{} },
		TypeFiscalReceiptUpdated: func() Event { return &FiscalReceiptUpdated{} },
	}

	validate = validator.New()
)

// Encode wraps e in a JSON envelope stamped with source.
func Encode(source id.InstanceID, e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", e.Type(), err)
	}
	return json.Marshal(Envelope{SourceID: source, Type: e.Type(), Payload: payload})
}

// Decode parses an envelope written by any Codec, and its payload. The
// returned event is the value form of the variant (SaleCompleted, not
// *SaleCompleted). Unknown payload fields are ignored so older instances
// accept newer events.
func Decode(data []byte) (id.InstanceID, Event, error) {
	if packed(data) {
		return decodePacked(data)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return id.Nil, nil, fmt.Errorf("event: decode envelope: %w", err)
	}
	return build(env.SourceID, env.Type, func(v any) error {
		return json.Unmarshal(env.Payload, v)
	})
}

// build decodes the payload of a typ event with unmarshal and validates it.
func build(source id.InstanceID, typ Type, unmarshal func(any) error) (id.InstanceID, Event, error) {
	newEvent, ok := variants[typ]
	if !ok {
		return source, nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	ptr := newEvent()
	if err := unmarshal(ptr); err != nil {
		return source, nil, fmt.Errorf("event: decode %s: %w", typ, err)
	}
	if err := validate.Struct(ptr); err != nil {
		return source, nil, fmt.Errorf("event: validate %s: %w", typ, err)
	}
	return source, deref(ptr), nil
}

func deref(e Event) Event {
	switch v := e.(type) {
	case *InventoryUpdated:
		return *v
	case *LowStockTriggered:
		return *v
	case *SaleCompleted:
		return *v
	case *SaleRefunded:
		return *v
	case *ShiftOpened:
		return *v
	case *ShiftClosed:
		return *v
	case *PurchaseOrderUpdated:
		return *v
	case *FiscalReceiptUpdated:
		return *v
	default:
		return e
	}
}
