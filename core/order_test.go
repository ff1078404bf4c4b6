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
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOrder(t *testing.T) {
	o := SampleOrders()[0]
	e, err := EncodeOrder(o, "customer-1")
	require.NoError(t, err)

	assert.JSONEq(t, `{"SchemaVersion":1,"OrderID":"O1","Quantity":10,"UnitPrice":9.99,"DiscountCategory":"Tier 1"}`, string(e.Body))
	assert.Equal(t, "customer-1", e.PartitionKey)
	assert.Len(t, e.Properties[PropertyMessageID], 36)
}

func TestMessageIDsAreUnique(t *testing.T) {
	a, err := EncodeOrder(SampleOrders()[0], "")
	require.NoError(t, err)
	b, err := EncodeOrder(SampleOrders()[0], "")
	require.NoError(t, err)

	assert.NotEqual(t, a.Properties[PropertyMessageID], b.Properties[PropertyMessageID])
}

func TestDecodeLegacyPayload(t *testing.T) {
	o, err := DecodeOrder([]byte(`{"OrderID": "O2", "Quantity": 15, "UnitPrice": 10.99, "DiscountCategory": "Tier 2"}`))
	require.NoError(t, err)

	assert.Equal(t, "O2", o.OrderID)
	assert.Equal(t, 15, o.Quantity)
	assert.True(t, decimal.RequireFromString("10.99").Equal(o.UnitPrice))
	assert.Equal(t, DiscountTier2, o.DiscountCategory)
}

func TestDecodeFutureSchema(t *testing.T) {
	_, err := DecodeOrder([]byte(`{"SchemaVersion": 2, "OrderID": "O2", "Quantity": 15, "UnitPrice": 10.99, "DiscountCategory": "Tier 2"}`))
	assert.True(t, errors.Is(err, ErrUnsupportedSchema))
}

func TestOrderRoundTripKeepsPrecision(t *testing.T) {
	o, err := NewOrder("O9", 3, "0.10", DiscountTier3)
	require.NoError(t, err)
	body, err := json.Marshal(o)
	require.NoError(t, err)

	decoded, err := DecodeOrder(body)
	require.NoError(t, err)
	assert.True(t, o.UnitPrice.Equal(decoded.UnitPrice))
}

func TestOrderValidation(t *testing.T) {
	price := decimal.RequireFromString("1.00")
	invalid := []Order{
		{"", 1, price, DiscountTier1},
		{"O1", 0, price, DiscountTier1},
		{"O1", 1, decimal.Zero, DiscountTier1},
		{"O1", 1, price, "Tier 9"},
	}
	for _, o := range invalid {
		assert.Error(t, o.Validate())
		_, err := EncodeOrder(o, "")
		assert.Error(t, err)
	}
}
