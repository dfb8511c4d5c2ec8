package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product groups assigned by the sync pipelines
const (
	ProductGroupImported = "Xero Imported"
	ProductGroupItems    = "Xero Items"
)

// LoadSourceXeroSync marks warehouse rows written by the invoice sync
const LoadSourceXeroSync = "xero_sync"

// Customer is a customer dimension row keyed by the remote contact id.
// ACCPAY invoices mark the contact as a supplier, ACCREC as a customer;
// a contact appearing on both keeps both flags.
type Customer struct {
	CustomerID string    `db:"customer_id" json:"customer_id"`
	Name       string    `db:"name" json:"name"`
	IsSupplier bool      `db:"is_supplier" json:"is_supplier"`
	IsCustomer bool      `db:"is_customer" json:"is_customer"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Customer) TableName() string {
	return "dim_customers"
}

// Product is a product dimension row keyed by the remote item id. The
// invoice sync auto-creates minimal rows (code, name, price); the items
// pipeline fills the remaining columns.
type Product struct {
	ProductID       string              `db:"product_id" json:"product_id"`
	ProductCode     string              `db:"product_code" json:"product_code"`
	ProductName     string              `db:"product_name" json:"product_name"`
	ProductGroup    string              `db:"product_group" json:"product_group"`
	UnitPrice       decimal.Decimal     `db:"unit_price" json:"unit_price"`
	COGSAccountCode *string             `db:"cogs_account_code" json:"cogs_account_code,omitempty"`
	IsTracked       bool                `db:"is_tracked" json:"is_tracked"`
	QuantityOnHand  decimal.NullDecimal `db:"quantity_on_hand" json:"quantity_on_hand,omitempty"`
	UpdatedAt       time.Time           `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Product) TableName() string {
	return "dim_products"
}

// InvoiceFact is an invoice fact row keyed by the remote invoice id.
// Reprocessing the same remote invoice overwrites every synced field.
type InvoiceFact struct {
	InvoiceID      string          `db:"invoice_id" json:"invoice_id"`
	InvoiceNumber  string          `db:"invoice_number" json:"invoice_number"`
	CustomerID     string          `db:"customer_id" json:"customer_id"`
	InvoiceDate    time.Time       `db:"invoice_date" json:"invoice_date"`
	Status         string          `db:"status" json:"status"`
	InvoiceType    string          `db:"invoice_type" json:"invoice_type"`
	Subtotal       decimal.Decimal `db:"subtotal" json:"subtotal"`
	TotalTax       decimal.Decimal `db:"total_tax" json:"total_tax"`
	Total          decimal.Decimal `db:"total" json:"total"`
	Currency       string          `db:"currency" json:"currency"`
	UpdatedDateUTC time.Time       `db:"updated_date_utc" json:"updated_date_utc"`
	LoadSource     string          `db:"load_source" json:"load_source"`
	LoadedAt       time.Time       `db:"loaded_at" json:"loaded_at"`
}

// TableName returns the database table name
func (InvoiceFact) TableName() string {
	return "fct_invoices"
}

// InvoiceLineFact is a line item fact keyed by (invoice_id, line_seq).
// ProductID is nil for freetext lines that reference no item.
type InvoiceLineFact struct {
	InvoiceID   string          `db:"invoice_id" json:"invoice_id"`
	LineSeq     int             `db:"line_seq" json:"line_seq"`
	ProductID   *string         `db:"product_id" json:"product_id,omitempty"`
	Description string          `db:"description" json:"description"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	LineTotal   decimal.Decimal `db:"line_total" json:"line_total"`
}

// TableName returns the database table name
func (InvoiceLineFact) TableName() string {
	return "fct_invoice_lines"
}
