/*
Copyright © 2020 Evhub Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package core

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// OrderSchemaVersion is written into every encoded order.
const OrderSchemaVersion int = 1

type DiscountCategory string

const (
	DiscountTier1 DiscountCategory = "Tier 1"
	DiscountTier2 DiscountCategory = "Tier 2"
	DiscountTier3 DiscountCategory = "Tier 3"
)

func (c DiscountCategory) Valid() bool {
	switch c {
	case DiscountTier1, DiscountTier2, DiscountTier3:
		return true
	}
	return false
}

// Order is the record published by the producer.
type Order struct {
	OrderID          string
	Quantity         int
	UnitPrice        decimal.Decimal
	DiscountCategory DiscountCategory
}

type wireOrder struct {
	SchemaVersion    int              `json:"SchemaVersion"`
	OrderID          string           `json:"OrderID"`
	Quantity         int              `json:"Quantity"`
	UnitPrice        json.Number      `json:"UnitPrice"`
	DiscountCategory DiscountCategory `json:"DiscountCategory"`
}

func NewOrder(id string, quantity int, unitPrice string, category DiscountCategory) (Order, error) {
	price, err := decimal.NewFromString(unitPrice)
	if err != nil {
		return Order{}, errors.Wrapf(err, "order %s: unit price", id)
	}
	o := Order{OrderID: id, Quantity: quantity, UnitPrice: price, DiscountCategory: category}
	return o, o.Validate()
}

func (o Order) Validate() error {
	if o.OrderID == "" {
		return errors.New("order id is required")
	}
	if o.Quantity <= 0 {
		return errors.Errorf("order %s: quantity must be positive, got %d", o.OrderID, o.Quantity)
	}
	if !o.UnitPrice.IsPositive() {
		return errors.Errorf("order %s: unit price must be positive, got %s", o.OrderID, o.UnitPrice)
	}
	if !o.DiscountCategory.Valid() {
		return errors.Errorf("order %s: unknown discount category %q", o.OrderID, o.DiscountCategory)
	}
	return nil
}

// MarshalJSON writes the unit price as a JSON number.
func (o Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireOrder{
		SchemaVersion:    OrderSchemaVersion,
		OrderID:          o.OrderID,
		Quantity:         o.Quantity,
		UnitPrice:        json.Number(o.UnitPrice.String()),
		DiscountCategory: o.DiscountCategory,
	})
}

// UnmarshalJSON accepts payloads without a schema version, those
// were written before versioning was introduced.
func (o *Order) UnmarshalJSON(data []byte) error {
	var w wireOrder
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.WithStack(err)
	}
	if w.SchemaVersion > OrderSchemaVersion {
		return errors.Wrapf(ErrUnsupportedSchema, "order schema version %d", w.SchemaVersion)
	}
	price, err := decimal.NewFromString(w.UnitPrice.String())
	if err != nil {
		return errors.Wrap(err, "unit price")
	}
	*o = Order{
		OrderID:          w.OrderID,
		Quantity:         w.Quantity,
		UnitPrice:        price,
		DiscountCategory: w.DiscountCategory,
	}
	return nil
}

// EncodeOrder validates the order and turns it into an event
// tagged with a fresh message id.
func EncodeOrder(o Order, partitionKey string) (*EventData, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(o)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &EventData{
		Body:         body,
		PartitionKey: partitionKey,
		Properties:   map[string]string{PropertyMessageID: uuid.New().String()},
	}, nil
}

func DecodeOrder(body []byte) (Order, error) {
	var o Order
	if err := json.Unmarshal(body, &o); err != nil {
		return Order{}, err
	}
	return o, o.Validate()
}

// SampleOrders are the orders sent by the produce command when
// no orders file is given.
func SampleOrders() []Order {
	return []Order{
		{"O1", 10, decimal.RequireFromString("9.99"), DiscountTier1},
		{"O2", 15, decimal.RequireFromString("10.99"), DiscountTier2},
		{"O3", 20, decimal.RequireFromString("11.99"), DiscountTier3},
		{"O4", 25, decimal.RequireFromString("12.99"), DiscountTier1},
		{"O5", 30, decimal.RequireFromString("13.99"), DiscountTier2},
	}
}
