package repositories_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func TestWarehouseRepository_Products(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	repo := repositories.NewWarehouseRepository(db, logger)

	ctx := context.Background()
	productID := uuid.New().String()
	code := "TST-" + uuid.New().String()[:8]

	_, err := repo.GetProductByCode(ctx, code)
	assertNotFound(t, err)

	product := &models.Product{
		ProductID:    productID,
		ProductCode:  code,
		ProductName:  "Blue Widget " + productID[:8],
		ProductGroup: models.ProductGroupItems,
		UnitPrice:    decimal.NewFromFloat(12.50),
		IsTracked:    true,
		QuantityOnHand: decimal.NullDecimal{
			Decimal: decimal.NewFromInt(30),
			Valid:   true,
		},
		COGSAccountCode: strPtr("310"),
	}
	err = repo.UpsertProduct(ctx, product)
	require.NoError(t, err)

	loaded, err := repo.GetProductByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, productID, loaded.ProductID)
	assert.True(t, loaded.UnitPrice.Equal(decimal.NewFromFloat(12.50)))
	assert.True(t, loaded.IsTracked)
	require.NotNil(t, loaded.COGSAccountCode)
	assert.Equal(t, "310", *loaded.COGSAccountCode)

	// Name lookup ignores case and surrounding whitespace
	byName, err := repo.GetProductByName(ctx, "  blue widget "+productID[:8]+"  ")
	require.NoError(t, err)
	assert.Equal(t, productID, byName.ProductID)

	// Upsert fully overwrites the existing row
	product.UnitPrice = decimal.NewFromFloat(14.00)
	product.IsTracked = false
	product.QuantityOnHand = decimal.NullDecimal{}
	err = repo.UpsertProduct(ctx, product)
	require.NoError(t, err)

	loaded, err = repo.GetProductByCode(ctx, code)
	require.NoError(t, err)
	assert.True(t, loaded.UnitPrice.Equal(decimal.NewFromFloat(14.00)))
	assert.False(t, loaded.IsTracked)
	assert.False(t, loaded.QuantityOnHand.Valid)
}

func TestWarehouseRepository_ApplyInvoice(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	repo := repositories.NewWarehouseRepository(db, logger)

	ctx := context.Background()
	invoiceID := uuid.New().String()
	customerID := uuid.New().String()
	productID := uuid.New().String()

	customer := &models.Customer{
		CustomerID: customerID,
		Name:       "Acme Pty Ltd",
		IsCustomer: true,
	}
	newProducts := []models.Product{
		{
			ProductID:    productID,
			ProductCode:  "AUTO-" + productID,
			ProductName:  "Consulting Hours",
			ProductGroup: models.ProductGroupImported,
			UnitPrice:    decimal.NewFromFloat(150.00),
		},
	}
	invoice := &models.InvoiceFact{
		InvoiceID:      invoiceID,
		InvoiceNumber:  "INV-1001",
		CustomerID:     customerID,
		InvoiceDate:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:         "AUTHORISED",
		InvoiceType:    "ACCREC",
		Subtotal:       decimal.NewFromFloat(300.00),
		TotalTax:       decimal.NewFromFloat(30.00),
		Total:          decimal.NewFromFloat(330.00),
		Currency:       "AUD",
		UpdatedDateUTC: time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC),
		LoadSource:     models.LoadSourceXeroSync,
		LoadedAt:       time.Now().UTC(),
	}
	lines := []models.InvoiceLineFact{
		{InvoiceID: invoiceID, LineSeq: 1, ProductID: strPtr(productID), Description: "March consulting", Quantity: 2, UnitPrice: decimal.NewFromFloat(150.00), LineTotal: decimal.NewFromFloat(300.00)},
		{InvoiceID: invoiceID, LineSeq: 2, Description: "Travel", Quantity: 1, UnitPrice: decimal.NewFromFloat(0), LineTotal: decimal.NewFromFloat(0)},
	}

	err := repo.ApplyInvoice(ctx, customer, newProducts, invoice, lines)
	require.NoError(t, err)

	loadedCustomer, err := repo.GetCustomer(ctx, customerID)
	require.NoError(t, err)
	assert.True(t, loadedCustomer.IsCustomer)
	assert.False(t, loadedCustomer.IsSupplier)

	autoProduct, err := repo.GetProductByCode(ctx, "AUTO-"+productID)
	require.NoError(t, err)
	assert.Equal(t, models.ProductGroupImported, autoProduct.ProductGroup)

	var lineCount int
	err = db.GetContext(ctx, &lineCount, "SELECT COUNT(*) FROM fct_invoice_lines WHERE invoice_id = $1", invoiceID)
	require.NoError(t, err)
	assert.Equal(t, 2, lineCount)

	// Re-applying replaces the line set wholesale
	lines = lines[:1]
	err = repo.ApplyInvoice(ctx, customer, nil, invoice, lines)
	require.NoError(t, err)

	err = db.GetContext(ctx, &lineCount, "SELECT COUNT(*) FROM fct_invoice_lines WHERE invoice_id = $1", invoiceID)
	require.NoError(t, err)
	assert.Equal(t, 1, lineCount)

	// A later ACCPAY appearance adds the supplier flag without dropping the customer flag
	supplierSide := &models.Customer{
		CustomerID: customerID,
		Name:       "Acme Pty Ltd",
		IsSupplier: true,
	}
	err = repo.ApplyInvoice(ctx, supplierSide, nil, invoice, lines)
	require.NoError(t, err)

	loadedCustomer, err = repo.GetCustomer(ctx, customerID)
	require.NoError(t, err)
	assert.True(t, loadedCustomer.IsCustomer)
	assert.True(t, loadedCustomer.IsSupplier)

	// Auto-created products never overwrite an existing row
	richer := autoProduct
	richer.ProductName = "Renamed By Items"
	err = repo.UpsertProduct(ctx, richer)
	require.NoError(t, err)

	err = repo.ApplyInvoice(ctx, customer, []models.Product{newProducts[0]}, invoice, lines)
	require.NoError(t, err)

	kept, err := repo.GetProductByCode(ctx, "AUTO-"+productID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed By Items", kept.ProductName)

	removed, err := repo.DeleteInvoice(ctx, invoiceID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	err = db.GetContext(ctx, &lineCount, "SELECT COUNT(*) FROM fct_invoice_lines WHERE invoice_id = $1", invoiceID)
	require.NoError(t, err)
	assert.Equal(t, 0, lineCount)

	// Deleting an invoice that was never loaded removes nothing
	removed, err = repo.DeleteInvoice(ctx, invoiceID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, removed)
}
