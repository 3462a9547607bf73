package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/db"
	"github.com/zulandar/intakeyard/internal/intake"
	"github.com/zulandar/intakeyard/internal/models"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// Each connection to :memory: is its own database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gormDB
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newMachine(t *testing.T, id, source string) *intake.Machine {
	t.Helper()
	m, err := intake.Start(id, source, []intake.NewItem{
		{MaterialCode: "CEM-50", Description: "Cement 50kg", ExpectedQuantity: d("10"), Unit: "bag"},
		{MaterialCode: "STL-12", Description: "Rebar 12mm", ExpectedQuantity: d("2"), Unit: "t"},
	}, intake.Options{Tolerance: d("20")})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return m
}

// complete drives m through every step with a 500 kg and a skipped item.
func complete(t *testing.T, m *intake.Machine) {
	t.Helper()
	steps := []func() error{
		func() error { return m.RecordGateEntry(intake.VehicleInfo{VehicleNumber: "ka01ab1234"}, "") },
		func() error { return m.RecordInitialWeighing(d("10000")) },
		func() error { return m.MarkAtWeighbridge(intake.ItemID(m.ID(), 1)) },
		func() error { return m.BeginLoading(intake.ItemID(m.ID(), 1)) },
		func() error { _, err := m.RecordWeightAfterLoading(intake.ItemID(m.ID(), 1), d("10500")); return err },
		func() error { return m.SkipItem(intake.ItemID(m.ID(), 2), "out of stock") },
		m.FinishLoading,
		func() error { _, err := m.RecordFinalWeighing(d("10505")); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	s := New(testDB(t))
	m := newMachine(t, "in-00000001", "PO-1001")

	if err := s.Create(ctx, m.Snapshot()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Load(ctx, "in-00000001")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != models.StatusInProgress || got.CurrentStep != models.StepGateEntry {
		t.Errorf("status/step = %s/%s", got.Status, got.CurrentStep)
	}
	if got.ActiveSourceRef == nil || *got.ActiveSourceRef != "PO-1001" {
		t.Errorf("ActiveSourceRef = %v, want PO-1001", got.ActiveSourceRef)
	}
	if len(got.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(got.Items))
	}
	if got.Items[0].Position != 1 || got.Items[1].MaterialCode != "STL-12" {
		t.Errorf("items out of order: %+v", got.Items)
	}
	if !got.Items[0].ExpectedQuantity.Equal(d("10")) {
		t.Errorf("ExpectedQuantity = %s, want 10", got.Items[0].ExpectedQuantity)
	}
}

func TestLoad_NotFound(t *testing.T) {
	s := New(testDB(t))
	_, err := s.Load(context.Background(), "in-missing")
	if !errors.Is(err, intake.ErrNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestCreate_OneOpenRecordPerSource(t *testing.T) {
	ctx := context.Background()
	s := New(testDB(t))
	first := newMachine(t, "in-00000001", "PO-1001")
	if err := s.Create(ctx, first.Snapshot()); err != nil {
		t.Fatalf("Create first: %v", err)
	}

	second := newMachine(t, "in-00000002", "PO-1001")
	err := s.Create(ctx, second.Snapshot())
	if !errors.Is(err, intake.ErrConflict) {
		t.Fatalf("second Create err = %v, want Conflict", err)
	}

	// Once the first is cancelled the source document is free again.
	if err := first.Cancel("driver left"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := s.Save(ctx, first.Snapshot()); err != nil {
		t.Fatalf("Save cancelled: %v", err)
	}
	if err := s.Create(ctx, second.Snapshot()); err != nil {
		t.Fatalf("Create after cancel: %v", err)
	}
}

func TestSave_UpdatesRecordAndItems(t *testing.T) {
	ctx := context.Background()
	s := New(testDB(t))
	m := newMachine(t, "in-00000001", "PO-1001")
	if err := s.Create(ctx, m.Snapshot()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	complete(t, m)
	if err := s.Save(ctx, m.Snapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, m.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != models.StatusCompleted || got.CurrentStep != models.StepCompleted {
		t.Errorf("status/step = %s/%s", got.Status, got.CurrentStep)
	}
	if got.ActiveSourceRef != nil {
		t.Errorf("ActiveSourceRef = %v, want nil", *got.ActiveSourceRef)
	}
	if got.VehicleNumber != "KA01AB1234" {
		t.Errorf("VehicleNumber = %q", got.VehicleNumber)
	}
	if !got.NetWeight.Valid || !got.NetWeight.Decimal.Equal(d("505")) {
		t.Errorf("NetWeight = %v, want 505", got.NetWeight)
	}
	if !got.TotalLoadedWeight.Equal(d("500")) {
		t.Errorf("TotalLoadedWeight = %s, want 500", got.TotalLoadedWeight)
	}
	if got.Items[0].LoadingStatus != models.LoadingLoaded || !got.Items[0].LoadedWeight.Decimal.Equal(d("500")) {
		t.Errorf("item 1 = %+v", got.Items[0])
	}
	if got.Items[1].LoadingStatus != models.LoadingSkipped || got.Items[1].Remarks != "out of stock" {
		t.Errorf("item 2 = %+v", got.Items[1])
	}
}

func TestSave_InsertsUnknownRecord(t *testing.T) {
	ctx := context.Background()
	s := New(testDB(t))
	m := newMachine(t, "in-00000001", "PO-1001")
	if err := s.Save(ctx, m.Snapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Load(ctx, m.ID()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Saving again is an update, not a conflict.
	if err := s.Save(ctx, m.Snapshot()); err != nil {
		t.Fatalf("Save again: %v", err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := New(testDB(t))

	done := newMachine(t, "in-00000001", "PO-1")
	complete(t, done)
	open := newMachine(t, "in-00000002", "PO-2")
	cancelled := newMachine(t, "in-00000003", "PO-3")
	if err := cancelled.Cancel(""); err != nil {
		t.Fatal(err)
	}
	for _, m := range []*intake.Machine{done, open, cancelled} {
		if err := s.Save(ctx, m.Snapshot()); err != nil {
			t.Fatalf("Save %s: %v", m.ID(), err)
		}
	}

	tests := []struct {
		name    string
		filters ListFilters
		want    int
	}{
		{"all", ListFilters{}, 3},
		{"completed", ListFilters{Status: models.StatusCompleted}, 1},
		{"in progress", ListFilters{Status: models.StatusInProgress}, 1},
		{"by source", ListFilters{SourceRef: "PO-3"}, 1},
		{"limit", ListFilters{Limit: 2}, 2},
		{"future", ListFilters{Since: time.Now().UTC().Add(time.Hour)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filters)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("List() = %d records, want %d", len(got), tt.want)
			}
		})
	}

	ids, err := s.OpenIDs(ctx)
	if err != nil {
		t.Fatalf("OpenIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "in-00000002" {
		t.Errorf("OpenIDs = %v", ids)
	}
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	gormDB := testDB(t)
	s := New(gormDB)

	for _, id := range []string{"in-00000001", "in-00000002"} {
		m := newMachine(t, id, "PO-"+id)
		complete(t, m)
		if err := s.Save(ctx, m.Snapshot()); err != nil {
			t.Fatal(err)
		}
	}
	c := newMachine(t, "in-00000003", "PO-3")
	if err := c.Cancel("no show"); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, c.Snapshot()); err != nil {
		t.Fatal(err)
	}
	if err := gormDB.Create(&models.IntakeEvent{ID: "e1", RecordID: "in-00000001", Kind: "weight_anomaly", CreatedAt: time.Now().UTC()}).Error; err != nil {
		t.Fatal(err)
	}

	sum, err := s.Summarize(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	counts := map[models.Status]int{}
	for _, sc := range sum.Counts {
		counts[sc.Status] = sc.Count
	}
	if counts[models.StatusCompleted] != 2 || counts[models.StatusCancelled] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if !sum.TotalNet.Equal(d("1010")) {
		t.Errorf("TotalNet = %s, want 1010", sum.TotalNet)
	}
	if sum.Anomalies != 1 {
		t.Errorf("Anomalies = %d, want 1", sum.Anomalies)
	}
}
