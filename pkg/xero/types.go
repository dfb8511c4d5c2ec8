package xero

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Invoice status values returned by the remote accounting API
const (
	StatusDraft      = "DRAFT"
	StatusSubmitted  = "SUBMITTED"
	StatusAuthorised = "AUTHORISED"
	StatusPaid       = "PAID"
	StatusVoided     = "VOIDED"
	StatusDeleted    = "DELETED"
)

// Invoice type values: ACCPAY are bills from suppliers, ACCREC are sales invoices
const (
	TypeAccountsPayable    = "ACCPAY"
	TypeAccountsReceivable = "ACCREC"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// msDatePattern matches the Microsoft JSON date format /Date(1355184000000+0000)/
var msDatePattern = regexp.MustCompile(`^/Date\((\d+)([+-]\d+)?\)/$`)

// XeroTime is a timestamp decoded from the remote API. Payloads carry dates
// either as /Date(ms+offset)/ (milliseconds since epoch) or as ISO 8601
// strings, with or without a zone. Unparseable values decode as the zero
// time and are caught by payload validation.
type XeroTime struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler
func (t *XeroTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw == "" {
		t.Time = time.Time{}
		return nil
	}

	parsed, err := ParseTime(raw)
	if err != nil {
		t.Time = time.Time{}
		return nil
	}

	t.Time = parsed
	return nil
}

// ParseTime parses a remote API timestamp in any of its wire formats
func ParseTime(value string) (time.Time, error) {
	if match := msDatePattern.FindStringSubmatch(value); match != nil {
		ms, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch milliseconds in %q", value)
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized date format %q", value)
}

// Contact is the customer or supplier attached to an invoice
type Contact struct {
	ContactID string `json:"ContactID" validate:"required,uuid"`
	Name      string `json:"Name"`
}

// ItemRef is the catalog item a line refers to, when it refers to one
type ItemRef struct {
	ItemID string `json:"ItemID"`
	Code   string `json:"Code"`
	Name   string `json:"Name"`
}

// LineItem is one line of an invoice. Freetext lines carry no ItemCode and
// no Item reference.
type LineItem struct {
	LineItemID  string          `json:"LineItemID"`
	ItemCode    string          `json:"ItemCode"`
	Description string          `json:"Description"`
	Quantity    decimal.Decimal `json:"Quantity"`
	UnitAmount  decimal.Decimal `json:"UnitAmount"`
	LineAmount  decimal.Decimal `json:"LineAmount"`
	AccountCode string          `json:"AccountCode"`
	Item        *ItemRef        `json:"Item,omitempty"`
}

// Invoice is one invoice payload from the invoices endpoint
type Invoice struct {
	InvoiceID      string          `json:"InvoiceID" validate:"required,uuid"`
	InvoiceNumber  string          `json:"InvoiceNumber"`
	Type           string          `json:"Type" validate:"required,oneof=ACCPAY ACCREC"`
	Status         string          `json:"Status" validate:"required,oneof=DRAFT SUBMITTED AUTHORISED PAID VOIDED DELETED"`
	Contact        Contact         `json:"Contact" validate:"required"`
	Date           *XeroTime       `json:"Date"`
	UpdatedDateUTC XeroTime        `json:"UpdatedDateUTC" validate:"required"`
	CurrencyCode   string          `json:"CurrencyCode"`
	SubTotal       decimal.Decimal `json:"SubTotal"`
	TotalTax       decimal.Decimal `json:"TotalTax"`
	Total          decimal.Decimal `json:"Total"`
	LineItems      []LineItem      `json:"LineItems"`
}

// Validate checks a decoded invoice against the payload schema
func (i *Invoice) Validate() error {
	return validate.Struct(i)
}

// IsRemoved reports whether the invoice was voided or deleted remotely
func (i *Invoice) IsRemoved() bool {
	switch i.Status {
	case StatusVoided, StatusDeleted:
		return true
	default:
		return false
	}
}

// ItemDetails is the nested purchase or sales block of a catalog item
type ItemDetails struct {
	UnitPrice       decimal.Decimal `json:"UnitPrice"`
	AccountCode     string          `json:"AccountCode"`
	COGSAccountCode string          `json:"COGSAccountCode"`
}

// Item is one catalog item payload from the items endpoint
type Item struct {
	ItemID                    string              `json:"ItemID" validate:"required,uuid"`
	Code                      string              `json:"Code" validate:"required"`
	Name                      string              `json:"Name"`
	Description               string              `json:"Description"`
	IsTrackedAsInventory      bool                `json:"IsTrackedAsInventory"`
	InventoryAssetAccountCode string              `json:"InventoryAssetAccountCode"`
	QuantityOnHand            decimal.NullDecimal `json:"QuantityOnHand"`
	PurchaseDetails           ItemDetails         `json:"PurchaseDetails"`
	SalesDetails              ItemDetails         `json:"SalesDetails"`
	UpdatedDateUTC            XeroTime            `json:"UpdatedDateUTC"`
}

// Validate checks a decoded item against the payload schema
func (i *Item) Validate() error {
	return validate.Struct(i)
}

// DisplayName returns the item name, falling back to the description
func (i *Item) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Description
}

// COGSAccount returns the cost account for the item. Untracked items carry
// it in AccountCode instead of COGSAccountCode.
func (i *Item) COGSAccount() string {
	if i.PurchaseDetails.COGSAccountCode != "" {
		return i.PurchaseDetails.COGSAccountCode
	}
	return i.PurchaseDetails.AccountCode
}

type invoicesResponse struct {
	Invoices []Invoice `json:"Invoices"`
}

type itemsResponse struct {
	Items []Item `json:"Items"`
}
