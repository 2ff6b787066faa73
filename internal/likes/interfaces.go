package likes

import (
	"context"

	"github.com/pauljones0/portfolio-backend/internal/models"
)

// ItemStore abstracts the transactional document store holding likeable items.
// Vote methods are conditional on the identity's membership and therefore
// idempotent.
type ItemStore interface {
	ListItems(ctx context.Context, collection string) ([]models.Item, error)
	LikeItem(ctx context.Context, collection, id, identity string) error
	UnlikeItem(ctx context.Context, collection, id, identity string) error
	DislikeItem(ctx context.Context, collection, id, identity string) error
	ReactItem(ctx context.Context, collection, id, emoji, prev string) error
}
