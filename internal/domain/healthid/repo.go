package healthid

import (
	"context"
	"time"
)

// Repository records every HID generated by the bulk generation paths so a
// later run can skip values already in use.
type Repository interface {
	// HealthIDExists reports whether hid is registered as an MCI or an org HID.
	HealthIDExists(ctx context.Context, hid string) (bool, error)
	SaveMciHealthID(ctx context.Context, h *MciHealthID) error

	SaveOrgHealthID(ctx context.Context, h *OrgHealthID) error
	GetOrgHealthID(ctx context.Context, hid string) (*OrgHealthID, error)
	MarkOrgHealthIDUsed(ctx context.Context, hid string, usedAt time.Time) error

	// Generated blocks
	SaveBlock(ctx context.Context, b *GeneratedBlock) error
	ListBlocks(ctx context.Context, limit, offset int) ([]*GeneratedBlock, int, error)
}
