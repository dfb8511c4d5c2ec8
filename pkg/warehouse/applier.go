package warehouse

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/xero"
	"github.com/Ramsey-B/stem/pkg/tracing"
)

// MappingError marks a single payload that could not be mapped, keyed by its
// natural id. The run skips the payload and continues; persistence errors
// are returned as plain errors and abort the batch instead.
type MappingError struct {
	NaturalID string
	Err       error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("failed to map %s: %v", e.NaturalID, e.Err)
}

func (e *MappingError) Unwrap() error {
	return e.Err
}

// BatchResult counts what one page application did
type BatchResult struct {
	Applied           int
	Removed           int
	Skipped           int
	RoundedQuantities int
}

// Add accumulates another page's counts
func (r *BatchResult) Add(other BatchResult) {
	r.Applied += other.Applied
	r.Removed += other.Removed
	r.Skipped += other.Skipped
	r.RoundedQuantities += other.RoundedQuantities
}

// Applier maps remote invoice payloads onto the warehouse dimension and fact
// tables. It carries a per-run product cache, so create one per run and feed
// it every page of that run.
type Applier struct {
	repo   repositories.WarehouseRepo
	logger ectologger.Logger

	productsByCode map[string]string
	productsByName map[string]string
}

// NewApplier creates an applier with an empty product cache
func NewApplier(repo repositories.WarehouseRepo, logger ectologger.Logger) *Applier {
	return &Applier{
		repo:           repo,
		logger:         logger,
		productsByCode: make(map[string]string),
		productsByName: make(map[string]string),
	}
}

// ApplyBatch applies one page of invoices in order. Each invoice is written
// in its own transaction; reapplying the same page leaves identical rows.
// Invoices that fail payload validation are skipped and counted, storage
// errors abort with the counts accumulated so far.
func (a *Applier) ApplyBatch(ctx context.Context, invoices []xero.Invoice) (BatchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Applier.ApplyBatch")
	defer span.End()

	var result BatchResult

	for i := range invoices {
		inv := &invoices[i]

		if inv.IsRemoved() {
			rows, err := a.repo.DeleteInvoice(ctx, inv.InvoiceID)
			if err != nil {
				return result, err
			}
			if rows > 0 {
				result.Removed++
			}
			continue
		}

		mapped, mapErr := a.mapInvoice(inv)
		if mapErr != nil {
			a.logger.WithContext(ctx).WithError(mapErr).Warnf("Skipping invoice %s", inv.InvoiceID)
			result.Skipped++
			continue
		}

		resolved, err := a.resolveProducts(ctx, inv, mapped)
		if err != nil {
			return result, err
		}

		if err := a.repo.ApplyInvoice(ctx, mapped.customer, resolved, mapped.invoice, mapped.lines); err != nil {
			return result, err
		}

		result.Applied++
		result.RoundedQuantities += mapped.rounded
	}

	return result, nil
}

// mappedInvoice is one invoice translated to warehouse rows, before product
// references are resolved
type mappedInvoice struct {
	customer *models.Customer
	invoice  *models.InvoiceFact
	lines    []models.InvoiceLineFact
	rounded  int
}

func (a *Applier) mapInvoice(inv *xero.Invoice) (*mappedInvoice, *MappingError) {
	if err := inv.Validate(); err != nil {
		return nil, &MappingError{NaturalID: inv.InvoiceID, Err: err}
	}

	now := time.Now().UTC()

	customerName := inv.Contact.Name
	if customerName == "" {
		customerName = "Unknown Customer"
	}

	customer := &models.Customer{
		CustomerID: inv.Contact.ContactID,
		Name:       customerName,
		IsSupplier: inv.Type == xero.TypeAccountsPayable,
		IsCustomer: inv.Type == xero.TypeAccountsReceivable,
		UpdatedAt:  now,
	}

	invoiceDate := inv.UpdatedDateUTC.Time
	if inv.Date != nil && !inv.Date.IsZero() {
		invoiceDate = inv.Date.Time
	}

	invoice := &models.InvoiceFact{
		InvoiceID:      inv.InvoiceID,
		InvoiceNumber:  inv.InvoiceNumber,
		CustomerID:     inv.Contact.ContactID,
		InvoiceDate:    invoiceDate,
		Status:         inv.Status,
		InvoiceType:    inv.Type,
		Subtotal:       inv.SubTotal,
		TotalTax:       inv.TotalTax,
		Total:          inv.Total,
		Currency:       inv.CurrencyCode,
		UpdatedDateUTC: inv.UpdatedDateUTC.Time,
		LoadSource:     models.LoadSourceXeroSync,
		LoadedAt:       now,
	}

	mapped := &mappedInvoice{customer: customer, invoice: invoice}

	for idx, line := range inv.LineItems {
		quantity, wasRounded := roundHalfUp(line.Quantity)
		if wasRounded {
			mapped.rounded++
		}

		mapped.lines = append(mapped.lines, models.InvoiceLineFact{
			InvoiceID:   inv.InvoiceID,
			LineSeq:     idx + 1,
			Description: line.Description,
			Quantity:    quantity,
			UnitPrice:   line.UnitAmount,
			LineTotal:   line.LineAmount,
		})
	}

	return mapped, nil
}

// resolveProducts fills in line product references, auto-creating minimal
// dimension rows for products the warehouse has never seen. Lookups go
// through the per-run cache first; the created rows are inserted inside the
// invoice transaction, so a failed invoice creates nothing.
func (a *Applier) resolveProducts(ctx context.Context, inv *xero.Invoice, mapped *mappedInvoice) ([]models.Product, error) {
	var created []models.Product

	for idx := range mapped.lines {
		line := &inv.LineItems[idx]

		productID, product, err := a.resolveLine(ctx, line)
		if err != nil {
			return nil, err
		}
		if product != nil {
			created = append(created, *product)
		}
		if productID != "" {
			id := productID
			mapped.lines[idx].ProductID = &id
		}
	}

	return created, nil
}

// resolveLine resolves one line to a product id: by code, then by normalized
// name, then by creating a row. Lines with neither a code nor a description
// stay unreferenced.
func (a *Applier) resolveLine(ctx context.Context, line *xero.LineItem) (string, *models.Product, error) {
	code := strings.TrimSpace(line.ItemCode)
	name := normalizeName(line.Description)

	if code != "" {
		if id, ok := a.productsByCode[code]; ok {
			return id, nil, nil
		}

		product, err := a.repo.GetProductByCode(ctx, code)
		if err == nil {
			a.cacheProduct(product)
			return product.ProductID, nil, nil
		}
		if !isNotFound(err) {
			return "", nil, err
		}
	}

	if name != "" {
		if id, ok := a.productsByName[name]; ok {
			return id, nil, nil
		}

		product, err := a.repo.GetProductByName(ctx, line.Description)
		if err == nil {
			a.cacheProduct(product)
			return product.ProductID, nil, nil
		}
		if !isNotFound(err) {
			return "", nil, err
		}
	}

	if code == "" && name == "" {
		return "", nil, nil
	}

	product := a.newImportedProduct(line, code)
	a.cacheProduct(product)
	return product.ProductID, product, nil
}

// newImportedProduct builds a minimal dimension row for a product only seen
// on invoice lines. The items pipeline fills in the rest if the product ever
// appears in the catalog.
func (a *Applier) newImportedProduct(line *xero.LineItem, code string) *models.Product {
	productID := uuid.New().String()
	if line.Item != nil && line.Item.ItemID != "" {
		productID = line.Item.ItemID
	}

	if code == "" {
		code = "AUTO-" + productID
	}

	name := strings.TrimSpace(line.Description)
	if name == "" {
		name = "Imported Product " + code
	}

	return &models.Product{
		ProductID:    productID,
		ProductCode:  code,
		ProductName:  name,
		ProductGroup: models.ProductGroupImported,
		UnitPrice:    line.UnitAmount,
		UpdatedAt:    time.Now().UTC(),
	}
}

func (a *Applier) cacheProduct(product *models.Product) {
	if code := strings.TrimSpace(product.ProductCode); code != "" {
		a.productsByCode[code] = product.ProductID
	}
	if name := normalizeName(product.ProductName); name != "" {
		a.productsByName[name] = product.ProductID
	}
}

// roundHalfUp rounds a quantity to the nearest integer, halves toward
// positive infinity. Reports whether rounding changed the value.
func roundHalfUp(quantity decimal.Decimal) (int, bool) {
	rounded := quantity.Add(decimal.New(5, -1)).Floor()
	return int(rounded.IntPart()), !rounded.Equal(quantity)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func isNotFound(err error) bool {
	return httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound
}
