package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionTo(t *testing.T) {
	all := []FulfillmentStatus{
		FulfillmentPending, FulfillmentAccepted, FulfillmentProcessing,
		FulfillmentShipped, FulfillmentDelivered, FulfillmentCancelled,
	}

	tests := []struct {
		from, to FulfillmentStatus
		wantErr  error
	}{
		{FulfillmentPending, FulfillmentAccepted, nil},
		{FulfillmentAccepted, FulfillmentProcessing, nil},
		{FulfillmentProcessing, FulfillmentShipped, nil},
		{FulfillmentShipped, FulfillmentDelivered, nil},
		{FulfillmentPending, FulfillmentShipped, nil},
		{FulfillmentPending, FulfillmentCancelled, nil},
		{FulfillmentShipped, FulfillmentCancelled, nil},
		{FulfillmentAccepted, FulfillmentPending, ErrInvalidTransition},
		{FulfillmentShipped, FulfillmentProcessing, ErrInvalidTransition},
		{FulfillmentAccepted, FulfillmentAccepted, ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := tt.from.CanTransitionTo(tt.to)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	for _, terminal := range []FulfillmentStatus{FulfillmentDelivered, FulfillmentCancelled} {
		for _, next := range all {
			assert.ErrorIs(t, terminal.CanTransitionTo(next), ErrFulfillmentTerminal, "%s -> %s", terminal, next)
		}
	}
}

func TestParseFulfillmentStatus(t *testing.T) {
	s, err := ParseFulfillmentStatus("  Shipped ")
	require.NoError(t, err)
	assert.Equal(t, FulfillmentShipped, s)

	s, err = ParseFulfillmentStatus("cancelled")
	require.NoError(t, err)
	assert.Equal(t, FulfillmentCancelled, s)

	_, err = ParseFulfillmentStatus("returned")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestNewFulfillmentTotals(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	order := Order{ID: "o1", OrderNumber: "SW-1", CustomerID: "c1", DeliveryAddress: "Plot 4, Kampala Rd", Phone: "+256700000000"}

	for _, tc := range []struct {
		price string
		qty   int
		want  string
	}{
		{"1000", 3, "3000"},
		{"12.50", 4, "50"},
		{"0", 7, "0"},
		{"99.99", 1, "99.99"},
	} {
		a := Assignment{CatalogProductID: "P1", VendorProductID: "vp1", VendorID: "v1", Quantity: tc.qty, VendorPrice: decimal.RequireFromString(tc.price)}
		ff := NewFulfillment("f1", order, a, now)
		assert.True(t, ff.TotalVendorAmount.Equal(decimal.RequireFromString(tc.want)), "price %s qty %d got %s", tc.price, tc.qty, ff.TotalVendorAmount)
		assert.Equal(t, FulfillmentPending, ff.Status)
		assert.Equal(t, order.DeliveryAddress, ff.DeliveryAddress)
		assert.Equal(t, order.Phone, ff.Phone)
		assert.Equal(t, now, ff.AssignedAt)
	}
}

func TestApplyStampsTransitions(t *testing.T) {
	now := time.Now().UTC()
	ff := OrderFulfillment{ID: "f1", Status: FulfillmentPending}

	notes := "picked from shelf B"
	require.NoError(t, ff.Apply(Transition{Status: FulfillmentAccepted, VendorNotes: &notes}, now))
	require.NotNil(t, ff.AcceptedAt)
	assert.Equal(t, notes, ff.VendorNotes)

	err := ff.Apply(Transition{Status: FulfillmentShipped}, now)
	assert.ErrorIs(t, err, ErrTrackingRequired)
	err = ff.Apply(Transition{Status: FulfillmentShipped, Tracking: &TrackingInfo{TrackingNumber: " ", Carrier: ""}}, now)
	assert.ErrorIs(t, err, ErrTrackingRequired)
	assert.Equal(t, FulfillmentAccepted, ff.Status)

	require.NoError(t, ff.Apply(Transition{Status: FulfillmentShipped, Tracking: &TrackingInfo{TrackingNumber: "TRK-1", Carrier: "DHL"}}, now))
	require.NotNil(t, ff.ShippedAt)
	assert.Equal(t, "TRK-1", ff.TrackingNumber)
	assert.Equal(t, "DHL", ff.Carrier)
	assert.Equal(t, notes, ff.VendorNotes, "notes without a new value are kept")

	overwrite := "left at reception"
	require.NoError(t, ff.Apply(Transition{Status: FulfillmentDelivered, VendorNotes: &overwrite}, now))
	require.NotNil(t, ff.DeliveredAt)
	assert.Equal(t, overwrite, ff.VendorNotes)

	err = ff.Apply(Transition{Status: FulfillmentCancelled}, now)
	assert.True(t, errors.Is(err, ErrFulfillmentTerminal))
	assert.Nil(t, ff.CancelledAt)
}

func TestAssignmentValidate(t *testing.T) {
	ok := Assignment{CatalogProductID: "P1", VendorProductID: "vp1", VendorID: "v1", Quantity: 1, VendorPrice: decimal.NewFromInt(10)}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Quantity = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidAssignment)

	bad = ok
	bad.VendorPrice = decimal.NewFromInt(-1)
	assert.ErrorIs(t, bad.Validate(), ErrInvalidAssignment)

	bad = ok
	bad.VendorID = " "
	assert.ErrorIs(t, bad.Validate(), ErrInvalidAssignment)
}
