package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/stem/pkg/database"
	"github.com/Ramsey-B/stem/pkg/tracing"
)

const (
	customersTable    = "dim_customers"
	productsTable     = "dim_products"
	invoicesTable     = "fct_invoices"
	invoiceLinesTable = "fct_invoice_lines"
)

var (
	customerStruct = database.NewStruct(new(models.Customer))
	productStruct  = database.NewStruct(new(models.Product))
	invoiceStruct  = database.NewStruct(new(models.InvoiceFact))
)

// WarehouseRepository handles database operations for the warehouse dimension
// and fact tables
type WarehouseRepository struct {
	*Repository
}

// NewWarehouseRepository creates a new warehouse repository
func NewWarehouseRepository(db database.DB, logger ectologger.Logger) *WarehouseRepository {
	return &WarehouseRepository{
		Repository: NewRepository(db, logger),
	}
}

// GetCustomer retrieves a customer dimension row by ID
func (r *WarehouseRepository) GetCustomer(ctx context.Context, customerID string) (*models.Customer, error) {
	ctx, span := tracing.StartSpan(ctx, "WarehouseRepository.GetCustomer")
	defer span.End()

	sb := customerStruct.SelectFrom(customersTable)
	sb.Where(sb.Equal("customer_id", customerID))

	query, args := sb.Build()
	var customer models.Customer
	err := r.DB().GetContext(ctx, &customer, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "customer %s does not exist", customerID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"customer_id": customerID,
		}).Error("failed to get customer")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get customer")
	}

	return &customer, nil
}

// GetProductByCode retrieves a product dimension row by its code
func (r *WarehouseRepository) GetProductByCode(ctx context.Context, code string) (*models.Product, error) {
	ctx, span := tracing.StartSpan(ctx, "WarehouseRepository.GetProductByCode")
	defer span.End()

	sb := productStruct.SelectFrom(productsTable)
	sb.Where(sb.Equal("product_code", code))

	query, args := sb.Build()
	var product models.Product
	err := r.DB().GetContext(ctx, &product, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "product with code %s does not exist", code)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"product_code": code,
		}).Error("failed to get product by code")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get product by code")
	}

	return &product, nil
}

// GetProductByName retrieves a product dimension row by case and whitespace
// insensitive name match
func (r *WarehouseRepository) GetProductByName(ctx context.Context, name string) (*models.Product, error) {
	ctx, span := tracing.StartSpan(ctx, "WarehouseRepository.GetProductByName")
	defer span.End()

	normalized := strings.ToLower(strings.TrimSpace(name))

	sb := productStruct.SelectFrom(productsTable)
	sb.Where(sb.Equal("lower(trim(product_name))", normalized))
	sb.Limit(1)

	query, args := sb.Build()
	var product models.Product
	err := r.DB().GetContext(ctx, &product, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "product with name %s does not exist", name)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"product_name": name,
		}).Error("failed to get product by name")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get product by name")
	}

	return &product, nil
}

// UpsertProduct creates or fully overwrites a product dimension row
func (r *WarehouseRepository) UpsertProduct(ctx context.Context, product *models.Product) error {
	ctx, span := tracing.StartSpan(ctx, "WarehouseRepository.UpsertProduct")
	defer span.End()

	product.UpdatedAt = time.Now().UTC()

	ib := productStruct.InsertInto(productsTable, product)
	ub := ib.OnConflict("product_id")
	ub.Set(
		ub.Assign("product_code", database.Excluded("product_code")),
		ub.Assign("product_name", database.Excluded("product_name")),
		ub.Assign("product_group", database.Excluded("product_group")),
		ub.Assign("unit_price", database.Excluded("unit_price")),
		ub.Assign("cogs_account_code", database.Excluded("cogs_account_code")),
		ub.Assign("is_tracked", database.Excluded("is_tracked")),
		ub.Assign("quantity_on_hand", database.Excluded("quantity_on_hand")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"product_id":   product.ProductID,
			"product_code": product.ProductCode,
		}).Error("failed to upsert product")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert product")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"product_id":   product.ProductID,
		"product_code": product.ProductCode,
	}).Debugf("Upserted %s", productsTable)
	return nil
}

// ApplyInvoice writes one invoice and everything it depends on in a single
// transaction. The customer upsert merges role flags instead of overwriting
// them, so a contact seen on both ACCPAY and ACCREC invoices keeps both.
// Line rows are replaced wholesale because Xero does not expose stable line
// identifiers.
func (r *WarehouseRepository) ApplyInvoice(ctx context.Context, customer *models.Customer, newProducts []models.Product, invoice *models.InvoiceFact, lines []models.InvoiceLineFact) error {
	ctx, span := tracing.StartSpan(ctx, "WarehouseRepository.ApplyInvoice")
	defer span.End()

	ctxTx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	if customer != nil {
		customerQuery := `
			INSERT INTO dim_customers (customer_id, name, is_supplier, is_customer, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (customer_id)
			DO UPDATE SET name = EXCLUDED.name,
				is_supplier = dim_customers.is_supplier OR EXCLUDED.is_supplier,
				is_customer = dim_customers.is_customer OR EXCLUDED.is_customer,
				updated_at = EXCLUDED.updated_at`

		if _, err := tx.ExecContext(ctxTx, customerQuery, customer.CustomerID, customer.Name, customer.IsSupplier, customer.IsCustomer, now); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"invoice_id":  invoice.InvoiceID,
				"customer_id": customer.CustomerID,
			}).Error("failed to upsert customer")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert customer")
		}
	}

	// Products auto-created from invoice lines never overwrite an existing
	// row, which may have been filled in by the items pipeline
	for i := range newProducts {
		newProducts[i].UpdatedAt = now
		ib := productStruct.InsertInto(productsTable, &newProducts[i])
		ib.OnConflictDoNothing()

		query, args := ib.Build()
		if _, err := tx.ExecContext(ctxTx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"invoice_id": invoice.InvoiceID,
				"product_id": newProducts[i].ProductID,
			}).Error("failed to insert product")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert product")
		}
	}

	ib := invoiceStruct.InsertInto(invoicesTable, invoice)
	ub := ib.OnConflict("invoice_id")
	ub.Set(
		ub.Assign("invoice_number", database.Excluded("invoice_number")),
		ub.Assign("customer_id", database.Excluded("customer_id")),
		ub.Assign("invoice_date", database.Excluded("invoice_date")),
		ub.Assign("status", database.Excluded("status")),
		ub.Assign("invoice_type", database.Excluded("invoice_type")),
		ub.Assign("subtotal", database.Excluded("subtotal")),
		ub.Assign("total_tax", database.Excluded("total_tax")),
		ub.Assign("total", database.Excluded("total")),
		ub.Assign("currency", database.Excluded("currency")),
		ub.Assign("updated_date_utc", database.Excluded("updated_date_utc")),
		ub.Assign("load_source", database.Excluded("load_source")),
		ub.Assign("loaded_at", database.Excluded("loaded_at")),
	)

	query, args := ib.Build()
	if _, err := tx.ExecContext(ctxTx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"invoice_id": invoice.InvoiceID,
		}).Error("failed to upsert invoice")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert invoice")
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(invoiceLinesTable).
		Where(db.Equal("invoice_id", invoice.InvoiceID))

	query, args = db.Build()
	if _, err := tx.ExecContext(ctxTx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"invoice_id": invoice.InvoiceID,
		}).Error("failed to delete existing invoice lines")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete existing invoice lines")
	}

	// bulk insert in batches
	const batchSize = 500
	for i := 0; i < len(lines); i += batchSize {
		end := i + batchSize
		if end > len(lines) {
			end = len(lines)
		}

		ib := database.NewInsertBuilder()
		ib.InsertInto(invoiceLinesTable)
		ib.Cols("invoice_id", "line_seq", "product_id", "description", "quantity", "unit_price", "line_total")
		for _, line := range lines[i:end] {
			ib.Values(line.InvoiceID, line.LineSeq, line.ProductID, line.Description, line.Quantity, line.UnitPrice, line.LineTotal)
		}

		query, args := ib.Build()
		if _, err := tx.ExecContext(ctxTx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"invoice_id": invoice.InvoiceID,
			}).Error("failed to insert invoice lines")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert invoice lines")
		}
	}

	if err := tx.Commit(ctxTx); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"invoice_id": invoice.InvoiceID,
		}).Error("failed to commit invoice")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit invoice")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"invoice_id": invoice.InvoiceID,
		"lines":      len(lines),
	}).Debugf("Applied invoice %s with %d lines", invoice.InvoiceID, len(lines))
	return nil
}

// DeleteInvoice removes an invoice fact row and its lines. It returns the
// number of fact rows removed, which is zero when the invoice was never loaded.
func (r *WarehouseRepository) DeleteInvoice(ctx context.Context, invoiceID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "WarehouseRepository.DeleteInvoice")
	defer span.End()

	ctxTx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	db := database.NewDeleteBuilder()
	db.DeleteFrom(invoiceLinesTable).
		Where(db.Equal("invoice_id", invoiceID))

	query, args := db.Build()
	if _, err := tx.ExecContext(ctxTx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"invoice_id": invoiceID,
		}).Error("failed to delete invoice lines")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete invoice lines")
	}

	db = database.NewDeleteBuilder()
	db.DeleteFrom(invoicesTable).
		Where(db.Equal("invoice_id", invoiceID))

	query, args = db.Build()
	result, err := tx.ExecContext(ctxTx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"invoice_id": invoiceID,
		}).Error("failed to delete invoice")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete invoice")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"invoice_id": invoiceID,
		}).Error("failed to delete invoice")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete invoice")
	}

	if err := tx.Commit(ctxTx); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"invoice_id": invoiceID,
		}).Error("failed to commit invoice delete")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit invoice delete")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"invoice_id": invoiceID,
		"rows":       rows,
	}).Debugf("Deleted invoice %s", invoiceID)
	return rows, nil
}
