package intake

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/models"
)

func threeItemMachine(t *testing.T) *Machine {
	t.Helper()
	items := append(twoItems(), NewItem{MaterialCode: "SND-01", Description: "Sand"})
	m, err := Start("in-0001", "PO-1001", items, testOpts("0"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = m.RecordGateEntry(VehicleInfo{VehicleNumber: "X1"}, "")
	if err := m.RecordInitialWeighing(d("10000")); err != nil {
		t.Fatalf("RecordInitialWeighing: %v", err)
	}
	return m
}

func loadingCount(rec *models.IntakeRecord) int {
	n := 0
	for _, it := range rec.Items {
		if it.LoadingStatus == models.LoadingInProgress {
			n++
		}
	}
	return n
}

func TestIsValidLoadingTransition(t *testing.T) {
	tests := []struct {
		from, to models.LoadingStatus
		want     bool
	}{
		{models.LoadingPending, models.LoadingAtWeighbridge, true},
		{models.LoadingAtWeighbridge, models.LoadingInProgress, true},
		{models.LoadingInProgress, models.LoadingLoaded, true},
		{models.LoadingPending, models.LoadingSkipped, true},
		{models.LoadingAtWeighbridge, models.LoadingSkipped, true},
		{models.LoadingInProgress, models.LoadingSkipped, true},
		{models.LoadingPending, models.LoadingInProgress, false},
		{models.LoadingPending, models.LoadingLoaded, false},
		{models.LoadingLoaded, models.LoadingSkipped, false},
		{models.LoadingSkipped, models.LoadingPending, false},
		{models.LoadingLoaded, models.LoadingInProgress, false},
	}
	for _, tt := range tests {
		if got := isValidLoadingTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("isValidLoadingTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestBeginLoading_OneAtATime(t *testing.T) {
	m := threeItemMachine(t)
	_ = m.MarkAtWeighbridge("in-0001-01")
	_ = m.BeginLoading("in-0001-01")

	// While A is loading, B cannot even reach the weighbridge.
	if err := m.MarkAtWeighbridge("in-0001-02"); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("MarkAtWeighbridge during loading: err = %v, want PreconditionFailed", err)
	}
	if got := m.Snapshot().Item("in-0001-02").LoadingStatus; got != models.LoadingPending {
		t.Errorf("item B status = %s, want pending", got)
	}
}

func TestBeginLoading_RejectsSecondLoader(t *testing.T) {
	m := threeItemMachine(t)
	// Both reach the weighbridge before either starts loading.
	_ = m.MarkAtWeighbridge("in-0001-01")
	_ = m.MarkAtWeighbridge("in-0001-02")
	if err := m.BeginLoading("in-0001-01"); err != nil {
		t.Fatalf("BeginLoading(A): %v", err)
	}
	err := m.BeginLoading("in-0001-02")
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("BeginLoading(B): err = %v, want PreconditionFailed", err)
	}
	if n := loadingCount(m.Snapshot()); n != 1 {
		t.Errorf("loading count = %d, want 1", n)
	}
}

func TestBeginLoading_RequiresWeighbridge(t *testing.T) {
	m := threeItemMachine(t)
	if err := m.BeginLoading("in-0001-01"); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("err = %v, want PreconditionFailed", err)
	}
}

func TestUnknownItem(t *testing.T) {
	m := threeItemMachine(t)
	if err := m.MarkAtWeighbridge("in-0001-99"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestRecordWeightAfterLoading_NegativeDeltaIsAnomaly(t *testing.T) {
	m := threeItemMachine(t)
	loadItem(t, m, "in-0001-01", "10500")
	_ = m.MarkAtWeighbridge("in-0001-02")
	_ = m.BeginLoading("in-0001-02")

	_, err := m.RecordWeightAfterLoading("in-0001-02", d("10499.5"))
	if !errors.Is(err, ErrWeightAnomaly) {
		t.Fatalf("err = %v, want WeightAnomaly", err)
	}
	a, _ := AnomalyOf(err)
	if a == nil || a.ItemID != "in-0001-02" || !a.Expected.Equal(d("10500")) {
		t.Errorf("anomaly = %+v", a)
	}
	it := m.Snapshot().Item("in-0001-02")
	if it.LoadingStatus != models.LoadingInProgress || it.LoadedWeight.Valid {
		t.Errorf("item changed after anomaly: %+v", it)
	}
	if !m.Snapshot().TotalLoadedWeight.Equal(d("500")) {
		t.Error("total changed after anomaly")
	}
}

func TestRecordWeightAfterLoading_ZeroDeltaAllowed(t *testing.T) {
	m := threeItemMachine(t)
	if w := loadItem(t, m, "in-0001-01", "10000"); !w.IsZero() {
		t.Errorf("loaded = %s, want 0", w)
	}
}

func TestRecordWeightAfterLoading_NotLoadingItem(t *testing.T) {
	m := threeItemMachine(t)
	_ = m.MarkAtWeighbridge("in-0001-01")
	if _, err := m.RecordWeightAfterLoading("in-0001-01", d("10100")); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("err = %v, want PreconditionFailed", err)
	}
}

func TestRecordWeightAfterLoading_NonPositive(t *testing.T) {
	m := threeItemMachine(t)
	_ = m.MarkAtWeighbridge("in-0001-01")
	_ = m.BeginLoading("in-0001-01")
	if _, err := m.RecordWeightAfterLoading("in-0001-01", d("0")); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want InvalidInput", err)
	}
}

func TestSkip(t *testing.T) {
	m := threeItemMachine(t)
	if err := m.SkipItem("in-0001-01", ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty remarks: err = %v, want InvalidInput", err)
	}

	_ = m.MarkAtWeighbridge("in-0001-01")
	_ = m.BeginLoading("in-0001-01")
	if err := m.SkipItem("in-0001-01", "forklift broke down"); err != nil {
		t.Fatalf("skip loading item: %v", err)
	}
	rec := m.Snapshot()
	it := rec.Item("in-0001-01")
	if it.LoadingStatus != models.LoadingSkipped || it.Remarks != "forklift broke down" {
		t.Errorf("item = %+v", it)
	}
	if loadingCount(rec) != 0 {
		t.Error("skipping the loading item should free the weighbridge")
	}
	// Skipped items contribute nothing.
	if !m.CurrentTruckWeight().Equal(d("10000")) {
		t.Errorf("CurrentTruckWeight = %s, want 10000", m.CurrentTruckWeight())
	}
	// The next item can now load.
	if w := loadItem(t, m, "in-0001-02", "10250"); !w.Equal(d("250")) {
		t.Errorf("loaded = %s, want 250", w)
	}
}

func TestResolvedItemsAreImmutable(t *testing.T) {
	m := threeItemMachine(t)
	loadItem(t, m, "in-0001-01", "10500")
	_ = m.SkipItem("in-0001-02", "short")

	checks := []struct {
		name string
		fn   func() error
	}{
		{"skip loaded", func() error { return m.SkipItem("in-0001-01", "oops") }},
		{"weighbridge loaded", func() error { return m.MarkAtWeighbridge("in-0001-01") }},
		{"weighbridge skipped", func() error { return m.MarkAtWeighbridge("in-0001-02") }},
		{"skip skipped", func() error { return m.SkipItem("in-0001-02", "again") }},
	}
	for _, c := range checks {
		if err := c.fn(); !errors.Is(err, ErrPreconditionFailed) {
			t.Errorf("%s: err = %v, want PreconditionFailed", c.name, err)
		}
	}
	it := m.Snapshot().Item("in-0001-01")
	if it.LoadingStatus != models.LoadingLoaded || !it.LoadedWeight.Decimal.Equal(d("500")) {
		t.Errorf("loaded item changed: %+v", it)
	}
}

func TestLoadingOpsRequireLoadingStep(t *testing.T) {
	m, _ := Start("in-0001", "PO-1", twoItems(), testOpts("0"))
	if err := m.MarkAtWeighbridge("in-0001-01"); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("err = %v, want PreconditionFailed", err)
	}
	if err := m.SkipItem("in-0001-01", "x"); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("err = %v, want PreconditionFailed", err)
	}
}

// TestRandomSequences drives random operation sequences and checks that
// the loading invariants hold after every step and that a completed
// record always reconciles.
func TestRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		n := 1 + rng.Intn(5)
		items := make([]NewItem, n)
		for i := range items {
			items[i] = NewItem{MaterialCode: fmt.Sprintf("M%d", i)}
		}
		m, err := Start("in-r", "PO-R", items, testOpts("0"))
		if err != nil {
			t.Fatal(err)
		}
		_ = m.RecordGateEntry(VehicleInfo{VehicleNumber: "R1"}, "")
		tare := decimal.NewFromInt(int64(5000 + rng.Intn(5000)))
		_ = m.RecordInitialWeighing(tare)

		for step := 0; step < 60 && !m.AllItemsResolved(); step++ {
			id := ItemID("in-r", 1+rng.Intn(n))
			switch rng.Intn(5) {
			case 0:
				_ = m.MarkAtWeighbridge(id)
			case 1:
				_ = m.BeginLoading(id)
			case 2, 3:
				obs := m.CurrentTruckWeight().Add(decimal.NewFromInt(int64(rng.Intn(800) - 100)))
				_, _ = m.RecordWeightAfterLoading(id, obs)
			case 4:
				_ = m.SkipItem(id, "random")
			}
			rec := m.Snapshot()
			if c := loadingCount(rec); c > 1 {
				t.Fatalf("run %d: %d items loading", run, c)
			}
			for _, it := range rec.Items {
				if it.LoadedWeight.Valid && it.LoadedWeight.Decimal.IsNegative() {
					t.Fatalf("run %d: negative loaded weight on %s", run, it.ID)
				}
				if it.LoadedWeight.Valid != (it.LoadingStatus == models.LoadingLoaded) {
					t.Fatalf("run %d: item %s weight/status mismatch", run, it.ID)
				}
			}
		}
		for i := 1; i <= n; i++ {
			_ = m.SkipItem(ItemID("in-r", i), "cleanup")
		}
		if err := m.FinishLoading(); err != nil {
			t.Fatalf("run %d: FinishLoading: %v", run, err)
		}
		gross := m.CurrentTruckWeight()
		if _, err := m.RecordFinalWeighing(gross); err != nil {
			t.Fatalf("run %d: RecordFinalWeighing: %v", run, err)
		}
		rec := m.Snapshot()
		net := rec.FinalGrossWeight.Decimal.Sub(rec.InitialTareWeight.Decimal)
		if !rec.NetWeight.Decimal.Equal(net) || !net.Equal(rec.TotalLoadedWeight) {
			t.Fatalf("run %d: net %s, gross-tare %s, loaded %s", run, rec.NetWeight.Decimal, net, rec.TotalLoadedWeight)
		}
		for _, it := range rec.Items {
			if !it.LoadingStatus.Resolved() {
				t.Fatalf("run %d: completed with unresolved item %s", run, it.ID)
			}
		}
	}
}
