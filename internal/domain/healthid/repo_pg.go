package healthid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) HealthIDExists(ctx context.Context, hid string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM mci_health_id WHERE hid = $1)
		    OR EXISTS (SELECT 1 FROM org_health_id WHERE hid = $1)`, hid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check health id %s: %w", hid, err)
	}
	return exists, nil
}

func (r *repoPG) SaveMciHealthID(ctx context.Context, h *MciHealthID) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO mci_health_id (hid, created_at) VALUES ($1, $2)`,
		h.HID, h.CreatedAt)
	if err != nil {
		return wrapUnique(err, h.HID)
	}
	return nil
}

func (r *repoPG) SaveOrgHealthID(ctx context.Context, h *OrgHealthID) error {
	if h.GeneratedAt.IsZero() {
		h.GeneratedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO org_health_id (hid, allocated_for, generated_at, used_at)
		VALUES ($1, $2, $3, $4)`,
		h.HID, h.AllocatedFor, h.GeneratedAt, h.UsedAt)
	if err != nil {
		return wrapUnique(err, h.HID)
	}
	return nil
}

func (r *repoPG) GetOrgHealthID(ctx context.Context, hid string) (*OrgHealthID, error) {
	h := &OrgHealthID{}
	err := r.pool.QueryRow(ctx, `
		SELECT hid, allocated_for, generated_at, used_at
		FROM org_health_id WHERE hid = $1`, hid).
		Scan(&h.HID, &h.AllocatedFor, &h.GeneratedAt, &h.UsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get org health id %s: %w", hid, err)
	}
	return h, nil
}

// MarkOrgHealthIDUsed sets used_at only when it is still empty, so an id
// consumed once stays consumed at its first timestamp.
func (r *repoPG) MarkOrgHealthIDUsed(ctx context.Context, hid string, usedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE org_health_id SET used_at = $2 WHERE hid = $1 AND used_at IS NULL`,
		hid, usedAt)
	if err != nil {
		return fmt.Errorf("mark org health id %s used: %w", hid, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark org health id %s used: %w", hid, ErrNotFound)
	}
	return nil
}

func (r *repoPG) SaveBlock(ctx context.Context, b *GeneratedBlock) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO generated_hid_block (id, series_no, for_org, begins_at, ends_at, total_hids, requested_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.SeriesNo, b.ForOrg, b.BeginsAt, b.EndsAt, b.TotalHIDs, b.RequestedBy, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("save generated block: %w", err)
	}
	return nil
}

func (r *repoPG) ListBlocks(ctx context.Context, limit, offset int) ([]*GeneratedBlock, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM generated_hid_block`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count generated blocks: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, series_no, for_org, begins_at, ends_at, total_hids, requested_by, created_at
		FROM generated_hid_block ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list generated blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*GeneratedBlock
	for rows.Next() {
		b := &GeneratedBlock{}
		if err := rows.Scan(&b.ID, &b.SeriesNo, &b.ForOrg, &b.BeginsAt, &b.EndsAt,
			&b.TotalHIDs, &b.RequestedBy, &b.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan generated block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate generated blocks: %w", err)
	}
	return blocks, total, nil
}

// wrapUnique maps a unique violation to ErrDuplicateHealthID.
func wrapUnique(err error, hid string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateHealthID, hid)
	}
	return fmt.Errorf("save health id %s: %w", hid, err)
}
