package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapHeader_Aliases(t *testing.T) {
	cm, err := MapHeader([]string{"Organisation Name", "Post Code", "Vendor", "Net Amount", "Payment Date", "Purpose"})
	require.NoError(t, err)
	assert.Equal(t, 0, cm.Buyer)
	assert.Equal(t, 1, cm.BuyerPostcode)
	assert.Equal(t, 2, cm.Supplier)
	assert.Equal(t, 3, cm.Amount)
	assert.Equal(t, 4, cm.Date)
	assert.Equal(t, 5, cm.Description)
}

func TestMapHeader_OptionalColumnsAbsent(t *testing.T) {
	cm, err := MapHeader([]string{"Buyer", "Supplier", "Amount", "Date"})
	require.NoError(t, err)
	assert.Equal(t, -1, cm.BuyerPostcode)
	assert.Equal(t, -1, cm.Description)
}

func TestMapHeader_MissingMandatoryColumns(t *testing.T) {
	_, err := MapHeader([]string{"Buyer", "Amount"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "supplier")
	assert.Contains(t, err.Error(), "date")
	assert.NotContains(t, err.Error(), "buyer")
}

func TestParseRecord(t *testing.T) {
	cm, err := MapHeader([]string{"Buyer", "Postcode", "Supplier", "Amount", "Date", "Description"})
	require.NoError(t, err)

	rec, err := cm.ParseRecord([]string{"Leeds City Council", "LS1 1UR", "Acme Limited", "£1,234.56", "2024-03-01", "road repairs"})
	require.NoError(t, err)
	assert.Equal(t, "Leeds City Council", rec.BuyerName)
	assert.Equal(t, "LS1 1UR", rec.BuyerPostcode)
	assert.Equal(t, "Acme Limited", rec.SupplierName)
	assert.Equal(t, int64(123456), rec.AmountPence)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), rec.TxDate)
	assert.Equal(t, "road repairs", rec.Description)
}

func TestParseRecord_SkipReasons(t *testing.T) {
	cm, err := MapHeader([]string{"Buyer", "Supplier", "Amount", "Date"})
	require.NoError(t, err)

	tests := []struct {
		cells  []string
		reason string
	}{
		{[]string{"", "Acme Ltd", "10.00", "2024-03-01"}, "missing_field"},
		{[]string{"Leeds City Council", "", "10.00", "2024-03-01"}, "missing_field"},
		{[]string{"Leeds City Council", "Acme Ltd", "not a number", "2024-03-01"}, "bad_amount"},
		{[]string{"Leeds City Council", "Acme Ltd", "10.00", "sometime"}, "bad_date"},
		// Short row: missing cells read as empty.
		{[]string{"Leeds City Council"}, "missing_field"},
	}
	for _, tt := range tests {
		_, err := cm.ParseRecord(tt.cells)
		var skip *SkipError
		require.ErrorAs(t, err, &skip, "cells %v", tt.cells)
		assert.Equal(t, tt.reason, skip.Reason, "cells %v", tt.cells)
	}
}

func TestParseAmountPence(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"10", 1000},
		{"10.5", 1050},
		{"£1,234.56", 123456},
		{"1234.56", 123456},
		{"(99.99)", -9999},
		{"-42", -4200},
		{"£ 0.01", 1},
		{"(£15.00)", -1500},
		{"0", 0},
	}
	for _, tt := range tests {
		got, err := ParseAmountPence(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}

	for _, bad := range []string{"", "abc", "12.3.4", "£"} {
		_, err := ParseAmountPence(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseDate_Layouts(t *testing.T) {
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2024-03-01",
		"01/03/2024",
		"01-03-2024",
		"1 Mar 2024",
		"01 Mar 2024",
		"Mar 1, 2024",
		"2024-03-01T09:30:00Z",
	} {
		got, err := ParseDate(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}

	_, err := ParseDate("31/31/2024")
	assert.Error(t, err)
	_, err = ParseDate("")
	assert.Error(t, err)
}

func TestRowHash(t *testing.T) {
	a := RowHash([]string{"Leeds City Council", "Acme Ltd", "10.00", "2024-03-01"})
	b := RowHash([]string{" Leeds City Council ", "Acme Ltd", "10.00", "2024-03-01"})
	c := RowHash([]string{"Leeds City Council", "Acme Ltd", "10.00", "2024-03-02"})

	// Stable under whitespace, sensitive to content.
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	// Cell boundaries matter: joining cannot be fooled by concatenation.
	assert.NotEqual(t, RowHash([]string{"ab", "c"}), RowHash([]string{"a", "bc"}))
}
