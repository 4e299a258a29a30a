package integration

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mci/mci/internal/domain/healthid"
	"github.com/mci/mci/internal/platform/db"
	"github.com/mci/mci/migrations"
)

func TestMigrations_IdempotentAndReported(t *testing.T) {
	ctx := context.Background()
	pool := newSchemaPool(t)

	var schema string
	if err := pool.QueryRow(ctx, "SELECT current_schema()").Scan(&schema); err != nil {
		t.Fatalf("current_schema: %v", err)
	}

	m := db.NewMigrator(pool, migrations.FS, schema, zerolog.Nop())
	n, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no pending migrations, applied %d", n)
	}

	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) == 0 {
		t.Fatal("expected at least one migration")
	}
	for _, s := range statuses {
		if !s.Applied || s.AppliedAt == nil {
			t.Errorf("expected %s applied, got %+v", s.Name, s)
		}
	}
}

func TestRepo_MciHealthIDs(t *testing.T) {
	ctx := context.Background()
	repo := healthid.NewRepo(newSchemaPool(t))
	hid := healthid.Encode(9_800_000_001)

	exists, err := repo.HealthIDExists(ctx, hid)
	if err != nil {
		t.Fatalf("HealthIDExists: %v", err)
	}
	if exists {
		t.Fatal("expected fresh schema to be empty")
	}

	if err := repo.SaveMciHealthID(ctx, &healthid.MciHealthID{HID: hid}); err != nil {
		t.Fatalf("SaveMciHealthID: %v", err)
	}
	if exists, _ := repo.HealthIDExists(ctx, hid); !exists {
		t.Error("expected saved hid to exist")
	}

	err = repo.SaveMciHealthID(ctx, &healthid.MciHealthID{HID: hid})
	if !errors.Is(err, healthid.ErrDuplicateHealthID) {
		t.Errorf("expected ErrDuplicateHealthID, got %v", err)
	}
}

func TestRepo_OrgHealthIDLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := healthid.NewRepo(newSchemaPool(t))
	hid := healthid.Encode(1_234_567_890)

	if _, err := repo.GetOrgHealthID(ctx, hid); !errors.Is(err, healthid.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := repo.SaveOrgHealthID(ctx, &healthid.OrgHealthID{HID: hid, AllocatedFor: "F1"}); err != nil {
		t.Fatalf("SaveOrgHealthID: %v", err)
	}
	if exists, _ := repo.HealthIDExists(ctx, hid); !exists {
		t.Error("expected org hid to count as existing")
	}

	got, err := repo.GetOrgHealthID(ctx, hid)
	if err != nil {
		t.Fatalf("GetOrgHealthID: %v", err)
	}
	if got.AllocatedFor != "F1" || got.IsUsed() {
		t.Errorf("unexpected org hid %+v", got)
	}

	usedAt := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	if err := repo.MarkOrgHealthIDUsed(ctx, hid, usedAt); err != nil {
		t.Fatalf("MarkOrgHealthIDUsed: %v", err)
	}
	if err := repo.MarkOrgHealthIDUsed(ctx, hid, usedAt.Add(time.Hour)); !errors.Is(err, healthid.ErrNotFound) {
		t.Errorf("expected second mark to report ErrNotFound, got %v", err)
	}

	got, _ = repo.GetOrgHealthID(ctx, hid)
	if got.UsedAt == nil || !got.UsedAt.Equal(usedAt) {
		t.Errorf("expected used_at %s to stick, got %v", usedAt, got.UsedAt)
	}
}

func TestRepo_ListBlocksPaginates(t *testing.T) {
	ctx := context.Background()
	repo := healthid.NewRepo(newSchemaPool(t))

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		b := &healthid.GeneratedBlock{
			SeriesNo:  9,
			BeginsAt:  9_800_000_000 + int64(i*10),
			EndsAt:    9_800_000_009 + int64(i*10),
			TotalHIDs: 10,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.SaveBlock(ctx, b); err != nil {
			t.Fatalf("SaveBlock: %v", err)
		}
	}

	page, total, err := repo.ListBlocks(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListBlocks: %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Fatalf("expected 2 of 3 blocks, got %d of %d", len(page), total)
	}
	if page[0].BeginsAt != 9_800_000_020 {
		t.Errorf("expected newest block first, got %d", page[0].BeginsAt)
	}

	page, _, _ = repo.ListBlocks(ctx, 2, 2)
	if len(page) != 1 || page[0].BeginsAt != 9_800_000_000 {
		t.Errorf("unexpected second page %+v", page)
	}
}

func TestService_GenerateBlockAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	repo := healthid.NewRepo(newSchemaPool(t))

	validator, err := healthid.NewOrgValidator(
		healthid.Range{Start: 9_800_000_000, End: 9_999_999_999},
		healthid.Range{Start: 1_000_000_000, End: 9_799_999_999},
		`.*(\d)\1{3}.*`, `9\d*|.*(\d)\1{3}.*`,
	)
	if err != nil {
		t.Fatalf("NewOrgValidator: %v", err)
	}
	gen, err := healthid.NewGenerator(1, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	svc := healthid.NewService(healthid.ServiceConfig{Threshold: 1},
		healthid.NewBlockStore(),
		healthid.NewSnapshotFile(filepath.Join(t.TempDir(), "hids.json")),
		nil, repo, validator, gen)

	first, err := svc.GenerateBlock(ctx, 9_812_345_671, 5, "it")
	if err != nil {
		t.Fatalf("GenerateBlock: %v", err)
	}
	if first.TotalHIDs != 5 || first.EndsAt != 9_812_345_675 {
		t.Errorf("unexpected first block %+v", first)
	}

	// Overlapping run skips the ids already registered.
	second, err := svc.GenerateBlock(ctx, 9_812_345_673, 5, "it")
	if err != nil {
		t.Fatalf("GenerateBlock: %v", err)
	}
	if second.TotalHIDs != 5 || second.EndsAt != 9_812_345_680 {
		t.Errorf("unexpected second block %+v", second)
	}

	orgBlock, err := svc.GenerateBlockForOrg(ctx, 1_234_512_345, 3, "F1", "it")
	if err != nil {
		t.Fatalf("GenerateBlockForOrg: %v", err)
	}
	hid := healthid.Encode(orgBlock.BeginsAt)

	out, err := svc.UseOrgHealthID(ctx, hid, "F1")
	if err != nil || !out.Valid {
		t.Fatalf("expected org hid usable, got %+v, %v", out, err)
	}
	out, err = svc.UseOrgHealthID(ctx, hid, "F1")
	if err != nil {
		t.Fatalf("UseOrgHealthID: %v", err)
	}
	if out.Valid || out.Reason != healthid.ReasonAlreadyUsed {
		t.Errorf("expected already used, got %+v", out)
	}

	_, total, err := svc.ListBlocks(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListBlocks: %v", err)
	}
	if total != 3 {
		t.Errorf("expected 3 recorded blocks, got %d", total)
	}
}
