package peppollib_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/peppol-exchange/pkg/peppollib"
)

var company = peppollib.Party{
	Name:             "Acme Consulting BV",
	VATNumber:        "BE0987654321",
	Street:           "Kerkstraat 1",
	City:             "Gent",
	PostalCode:       "9000",
	CountryCode:      "BE",
	PeppolScheme:     "0208",
	PeppolIdentifier: "0987654321",
}

func sampleInvoice() *peppollib.Invoice {
	return &peppollib.Invoice{
		ID:       "17",
		Number:   "INV-17",
		Type:     peppollib.DocumentTypeInvoice,
		Date:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Subtotal: decimal.RequireFromString("100.00"),
		Total:    decimal.RequireFromString("121.00"),
		Currency: "EUR",
		Items: []peppollib.LineItem{
			{Description: "Consulting hours", Quantity: decimal.NewFromInt(2), Rate: decimal.RequireFromString("50.00")},
		},
		Client: peppollib.Party{
			Name:             "Globex NV",
			CountryCode:      "BE",
			PeppolScheme:     "0208",
			PeppolIdentifier: "0123456789",
		},
	}
}

func TestCodec_EncodeThenRead(t *testing.T) {
	codec := peppollib.NewCodec(company)

	out, err := codec.Encode(sampleInvoice())
	require.NoError(t, err)

	result, err := codec.Read(context.Background(), bytes.NewReader(out))
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Errors)
	assert.Equal(t, "Invoice", result.Root)
	require.NotNil(t, result.Document)
	assert.Equal(t, "INV-17", result.Document.Number)
	assert.Equal(t, "Acme Consulting BV", result.Document.Seller.Name)
	assert.Equal(t, "21.00", result.Document.TaxPercent.StringFixed(2))
}

func TestCodec_ReadInvalid(t *testing.T) {
	codec := peppollib.NewCodec(company)

	tests := []struct {
		name  string
		input string
	}{
		{name: "not xml", input: "hello"},
		{name: "foreign root", input: `<?xml version="1.0"?><Order/>`},
		{name: "bare invoice", input: `<Invoice xmlns="urn:oasis:names:specification:ubl:schema:xsd:Invoice-2"/>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := codec.Read(context.Background(), strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.False(t, result.Valid)
			assert.NotEmpty(t, result.Errors)
			assert.Nil(t, result.Document)
		})
	}
}

func TestCodec_ReadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := peppollib.NewCodec(company).Read(ctx, strings.NewReader("<Invoice/>"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCodec_EncodeRejectsMissingParticipant(t *testing.T) {
	inv := sampleInvoice()
	inv.Client.PeppolIdentifier = ""

	_, err := peppollib.NewCodec(company).Encode(inv)
	var vErr *peppollib.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestComputeTax(t *testing.T) {
	tax, err := peppollib.ComputeTax(decimal.RequireFromString("200"), decimal.RequireFromString("212"))
	require.NoError(t, err)
	assert.Equal(t, "12.00", tax.Amount.StringFixed(2))
	assert.Equal(t, "6.00", tax.Percent.StringFixed(2))

	_, err = peppollib.ComputeTax(decimal.Zero, decimal.RequireFromString("10"))
	var taxErr *peppollib.TaxComputationError
	assert.ErrorAs(t, err, &taxErr)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to peppollib.Status
		want     bool
	}{
		{peppollib.StatusPending, peppollib.StatusQueued, true},
		{peppollib.StatusSending, peppollib.StatusQueued, true},
		{peppollib.StatusSent, peppollib.StatusDelivered, true},
		{peppollib.StatusFailed, peppollib.StatusQueued, true},
		{peppollib.StatusError, peppollib.StatusReceived, true},
		{peppollib.StatusSent, peppollib.StatusQueued, false},
		{peppollib.StatusDelivered, peppollib.StatusSent, false},
		{peppollib.StatusProcessed, peppollib.StatusReceived, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, peppollib.CanTransition(tt.from, tt.to))
		})
	}
}
