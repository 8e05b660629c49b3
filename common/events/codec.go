package events

import (
	"encoding/json"
	"fmt"
)

// The codec serializes events as a flat JSON object: envelope fields, the
// type-specific payload, and an "@type" discriminator. Unknown tags are
// rejected rather than guessed at.

type factory func() Event

var registry = map[string]factory{}

func register(f factory) {
	tag := f().TypeTag()
	if _, dup := registry[tag]; dup {
		panic(fmt.Sprintf("events: duplicate @type registration %q", tag))
	}
	registry[tag] = f
}

func init() {
	register(func() Event { return &StockReserved{} })
	register(func() Event { return &StockReleased{} })
	register(func() Event { return &StockDeducted{} })
	register(func() Event { return &StockAdjusted{} })
	register(func() Event { return &InsufficientStock{} })
	register(func() Event { return &LowStockAlert{} })
	register(func() Event { return &OrderCreated{} })
	register(func() Event { return &OrderConfirmed{} })
	register(func() Event { return &OrderPaid{} })
	register(func() Event { return &OrderCancelled{} })
	register(func() Event { return &OrderCompleted{} })
	register(func() Event { return &PaymentCompleted{} })
	register(func() Event { return &PaymentFailed{} })
}

// Marshal encodes an event with its @type tag.
func Marshal(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.TypeTag(), err)
	}

	// Re-open the object to splice in the discriminator.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(e.TypeTag())
	obj["@type"] = tag
	return json.Marshal(obj)
}

// Unmarshal decodes an event by its @type tag. Unknown tags fail.
func Unmarshal(data []byte) (Event, error) {
	var head struct {
		Type string `json:"@type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event head: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("event is missing @type discriminator")
	}

	f, ok := registry[head.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event @type %q", head.Type)
	}

	e := f()
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return e, nil
}
