package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/xero"
)

func testItem(code, name string) xero.Item {
	return xero.Item{
		ItemID:               uuid.New().String(),
		Code:                 code,
		Name:                 name,
		IsTrackedAsInventory: true,
		QuantityOnHand:       decimal.NewNullDecimal(decimal.RequireFromString("42")),
		PurchaseDetails: xero.ItemDetails{
			UnitPrice:       decimal.RequireFromString("7.50"),
			AccountCode:     "300",
			COGSAccountCode: "310",
		},
		SalesDetails: xero.ItemDetails{
			UnitPrice:   decimal.RequireFromString("19.99"),
			AccountCode: "200",
		},
		UpdatedDateUTC: xero.XeroTime{Time: time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func TestApplyItemsUpdatesMatchedProduct(t *testing.T) {
	repo := newFakeWarehouseRepo()
	repo.seedProduct("prod-1", "WID-1", "Blue Widget")

	item := testItem("WID-1", "Widget (Blue)")

	applier := NewApplier(repo, testLogger())
	result, err := applier.ApplyItems(context.Background(), []xero.Item{item})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 0, result.Created)

	require.Len(t, repo.upserts, 1)
	updated := repo.upserts[0]

	// Matching keeps the warehouse identity and only refreshes inventory columns
	assert.Equal(t, "prod-1", updated.ProductID)
	assert.Equal(t, "Blue Widget", updated.ProductName)
	assert.Equal(t, "19.99", updated.UnitPrice.String())
	assert.True(t, updated.IsTracked)
	require.True(t, updated.QuantityOnHand.Valid)
	assert.Equal(t, "42", updated.QuantityOnHand.Decimal.String())
	require.NotNil(t, updated.COGSAccountCode)
	assert.Equal(t, "310", *updated.COGSAccountCode)
	assert.False(t, updated.UpdatedAt.IsZero())
}

func TestApplyItemsCreatesUnmatchedProduct(t *testing.T) {
	repo := newFakeWarehouseRepo()

	item := testItem("NEW-7", "Fresh Gadget")
	item.IsTrackedAsInventory = false
	item.PurchaseDetails.COGSAccountCode = ""

	applier := NewApplier(repo, testLogger())
	result, err := applier.ApplyItems(context.Background(), []xero.Item{item})
	require.NoError(t, err)

	assert.Equal(t, 0, result.Matched)
	assert.Equal(t, 1, result.Created)

	require.Len(t, repo.upserts, 1)
	created := repo.upserts[0]
	assert.Equal(t, item.ItemID, created.ProductID)
	assert.Equal(t, "NEW-7", created.ProductCode)
	assert.Equal(t, "Fresh Gadget", created.ProductName)
	assert.Equal(t, models.ProductGroupItems, created.ProductGroup)
	assert.False(t, created.IsTracked)
	require.NotNil(t, created.COGSAccountCode)
	assert.Equal(t, "300", *created.COGSAccountCode)
}

func TestApplyItemsSkipsInvalidItems(t *testing.T) {
	repo := newFakeWarehouseRepo()

	invalid := testItem("", "No Code")
	valid := testItem("OK-1", "Fine")

	applier := NewApplier(repo, testLogger())
	result, err := applier.ApplyItems(context.Background(), []xero.Item{invalid, valid})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Created)
	require.Len(t, repo.upserts, 1)
	assert.Equal(t, "OK-1", repo.upserts[0].ProductCode)
}

func TestApplyItemsSeedsInvoiceCache(t *testing.T) {
	repo := newFakeWarehouseRepo()

	item := testItem("WID-1", "Blue Widget")

	applier := NewApplier(repo, testLogger())
	_, err := applier.ApplyItems(context.Background(), []xero.Item{item})
	require.NoError(t, err)

	lookupsAfterItems := repo.codeLookups

	inv := testInvoice(xero.TypeAccountsReceivable,
		xero.LineItem{ItemCode: "WID-1", Description: "Blue Widget", Quantity: qty("1")},
	)
	_, err = applier.ApplyBatch(context.Background(), []xero.Invoice{*inv})
	require.NoError(t, err)

	assert.Equal(t, lookupsAfterItems, repo.codeLookups)
	require.NotNil(t, repo.applied[0].lines[0].ProductID)
	assert.Equal(t, item.ItemID, *repo.applied[0].lines[0].ProductID)
}
