package repositories

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// CredentialRepo defines the interface for OAuth credential persistence
type CredentialRepo interface {
	Upsert(ctx context.Context, cred *models.OAuthCredential) error
	GetByTenant(ctx context.Context, tenantID string) (*models.OAuthCredential, error)
	GetStatus(ctx context.Context, tenantID string) (*models.OAuthCredential, error)
	GetMostRecent(ctx context.Context) (*models.OAuthCredential, error)
	Delete(ctx context.Context, tenantID string) error
}

// SyncCursorRepo defines the interface for sync cursor operations
type SyncCursorRepo interface {
	Get(ctx context.Context, pipelineName string) (*models.SyncCursor, error)
	GetWatermark(ctx context.Context, pipelineName string) (time.Time, bool, error)
	AdvanceWatermark(ctx context.Context, pipelineName string, watermark time.Time) error
	Reset(ctx context.Context, pipelineName string) error
}

// RunLogRepo defines the interface for run log operations
type RunLogRepo interface {
	RecordRun(ctx context.Context, entry *models.RunLog) error
	ListByPipeline(ctx context.Context, pipelineName string, limit int) ([]models.RunLog, error)
	GetLastCompleted(ctx context.Context, pipelineName string) (*models.RunLog, error)
}

// WarehouseRepo defines the interface for dimension and fact table operations
type WarehouseRepo interface {
	GetCustomer(ctx context.Context, customerID string) (*models.Customer, error)
	GetProductByCode(ctx context.Context, code string) (*models.Product, error)
	GetProductByName(ctx context.Context, name string) (*models.Product, error)
	UpsertProduct(ctx context.Context, product *models.Product) error
	ApplyInvoice(ctx context.Context, customer *models.Customer, newProducts []models.Product, invoice *models.InvoiceFact, lines []models.InvoiceLineFact) error
	DeleteInvoice(ctx context.Context, invoiceID string) (int64, error)
}
