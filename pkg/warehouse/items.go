package warehouse

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/xero"
	"github.com/Ramsey-B/stem/pkg/tracing"
)

// ItemsResult counts what one catalog application did
type ItemsResult struct {
	Matched int
	Created int
	Skipped int
}

// ApplyItems applies the remote item catalog to the product dimension.
// Items matching an existing product by code update its inventory columns
// and keep the row's identity, name and group; unmatched items insert new
// rows under the items group. Items that fail payload validation are
// skipped and counted.
func (a *Applier) ApplyItems(ctx context.Context, items []xero.Item) (ItemsResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Applier.ApplyItems")
	defer span.End()

	var result ItemsResult
	now := time.Now().UTC()

	for i := range items {
		item := &items[i]

		if err := item.Validate(); err != nil {
			mapErr := &MappingError{NaturalID: item.ItemID, Err: err}
			a.logger.WithContext(ctx).WithError(mapErr).Warnf("Skipping item %s", item.ItemID)
			result.Skipped++
			continue
		}

		existing, err := a.repo.GetProductByCode(ctx, item.Code)
		if err != nil && !isNotFound(err) {
			return result, err
		}

		var product *models.Product
		if existing != nil {
			product = existing
		} else {
			product = &models.Product{
				ProductID:    item.ItemID,
				ProductCode:  item.Code,
				ProductName:  item.DisplayName(),
				ProductGroup: models.ProductGroupItems,
			}
		}

		product.UnitPrice = item.SalesDetails.UnitPrice
		product.IsTracked = item.IsTrackedAsInventory
		product.QuantityOnHand = item.QuantityOnHand
		product.UpdatedAt = now

		product.COGSAccountCode = nil
		if cogs := item.COGSAccount(); cogs != "" {
			product.COGSAccountCode = &cogs
		}

		if err := a.repo.UpsertProduct(ctx, product); err != nil {
			return result, err
		}

		a.cacheProduct(product)

		if existing != nil {
			result.Matched++
		} else {
			result.Created++
		}
	}

	return result, nil
}
