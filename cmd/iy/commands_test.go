package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/config"
	"github.com/zulandar/intakeyard/internal/intake"
	"github.com/zulandar/intakeyard/internal/store"
)

// writeConfig writes a sqlite-backed config to a temp dir and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "intakeyard.yaml")
	data := `site: north
database:
  driver: sqlite
  path: ` + filepath.Join(dir, "iy.db") + `
weighing:
  unit: kg
  tolerance: 20
cards:
  - id: ab12cd
    label: Gate card 1
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func initDB(t *testing.T) string {
	t.Helper()
	path := writeConfig(t)
	out, err := run(t, "db", "init", "-c", path)
	if err != nil {
		t.Fatalf("db init: %v\n%s", err, out)
	}
	return path
}

// seedRecord creates an open intake directly in the store.
func seedRecord(t *testing.T, configPath, source string) string {
	t.Helper()
	_, gormDB, err := openDB(configPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := intake.GenerateID("north")
	if err != nil {
		t.Fatal(err)
	}
	m, err := intake.Start(id, source, []intake.NewItem{
		{MaterialCode: "CEM-50", Description: "Cement 50kg", ExpectedQuantity: decimal.NewFromInt(10), Unit: "bag"},
	}, intake.Options{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.RecordGateEntry(intake.VehicleInfo{VehicleNumber: "KA01AB1234"}, ""); err != nil {
		t.Fatalf("gate entry: %v", err)
	}
	if err := store.New(gormDB).Create(context.Background(), m.Snapshot()); err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func TestDBInit(t *testing.T) {
	path := writeConfig(t)
	out, err := run(t, "db", "init", "-c", path)
	if err != nil {
		t.Fatalf("db init: %v", err)
	}
	for _, want := range []string{`site "north"`, "Migrated", "Seeded 1 identity cards", "initialized successfully"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Database") {
		t.Errorf("sqlite init should not create a database:\n%s", out)
	}

	// Running again is harmless.
	if _, err := run(t, "db", "init", "-c", path); err != nil {
		t.Errorf("second init: %v", err)
	}
}

func TestDBInit_MissingConfig(t *testing.T) {
	_, err := run(t, "db", "init", "-c", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Errorf("err = %v, want load config error", err)
	}
}

func TestCardCommands(t *testing.T) {
	path := initDB(t)

	out, err := run(t, "card", "list", "-c", path)
	if err != nil {
		t.Fatalf("card list: %v", err)
	}
	if !strings.Contains(out, "AB12CD") || !strings.Contains(out, "Gate card 1") {
		t.Errorf("card list missing seeded card:\n%s", out)
	}

	out, err = run(t, "card", "add", "xy99", "--label", "Spare", "-c", path)
	if err != nil {
		t.Fatalf("card add: %v", err)
	}
	if !strings.Contains(out, "Added card XY99") {
		t.Errorf("card add output = %q", out)
	}
	if _, err := run(t, "card", "add", "XY99", "-c", path); err == nil {
		t.Error("expected duplicate card to fail")
	}

	out, err = run(t, "card", "list", "--available", "-c", path)
	if err != nil {
		t.Fatalf("card list --available: %v", err)
	}
	if !strings.Contains(out, "XY99") {
		t.Errorf("available list missing XY99:\n%s", out)
	}
}

func TestIntakeList(t *testing.T) {
	path := initDB(t)

	out, err := run(t, "intake", "list", "-c", path)
	if err != nil {
		t.Fatalf("intake list: %v", err)
	}
	if !strings.Contains(out, "No intakes found.") {
		t.Errorf("empty list output = %q", out)
	}

	id := seedRecord(t, path, "PO-1001")
	out, err = run(t, "intake", "list", "-c", path)
	if err != nil {
		t.Fatalf("intake list: %v", err)
	}
	for _, want := range []string{id, "PO-1001", "KA01AB1234", "in_progress", "initial_weighing"} {
		if !strings.Contains(out, want) {
			t.Errorf("list missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, "intake", "list", "--status", "completed", "-c", path)
	if err != nil {
		t.Fatalf("intake list: %v", err)
	}
	if !strings.Contains(out, "No intakes found.") {
		t.Errorf("completed filter should be empty:\n%s", out)
	}
}

func TestIntakeShow(t *testing.T) {
	path := initDB(t)
	id := seedRecord(t, path, "PO-2001")

	out, err := run(t, "intake", "show", id, "--events", "-c", path)
	if err != nil {
		t.Fatalf("intake show: %v", err)
	}
	for _, want := range []string{"Intake:      " + id, "PO-2001", "CEM-50", "Items (1)", "Events (0)"} {
		if !strings.Contains(out, want) {
			t.Errorf("show missing %q:\n%s", want, out)
		}
	}

	if _, err := run(t, "intake", "show", "missing", "-c", path); err == nil {
		t.Error("expected error for unknown intake")
	}
}

func TestProcessorOptions(t *testing.T) {
	cfg, err := config.Parse([]byte(`site: north
database:
  driver: sqlite
weighing:
  tolerance: 15
feed:
  url: ws://scale.local/feed
  weighbridge_device: wb-1
  rfid_device: rfid-1
  stale_after_sec: 45
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	opts := processorOptions(cfg, new(bytes.Buffer))
	if !opts.Tolerance.Equal(decimal.NewFromInt(15)) {
		t.Errorf("tolerance = %s, want 15", opts.Tolerance)
	}
	if opts.IDPrefix != "north" {
		t.Errorf("IDPrefix = %q, want north", opts.IDPrefix)
	}
	if opts.WeighbridgeDevice != "wb-1" || opts.RFIDDevice != "rfid-1" {
		t.Errorf("devices = %q %q", opts.WeighbridgeDevice, opts.RFIDDevice)
	}
	if opts.StaleAfter != 45*time.Second {
		t.Errorf("stale after = %s, want 45s", opts.StaleAfter)
	}
	if opts.Identity.Terminators != "\r\n" || opts.Identity.MinLength != 4 {
		t.Errorf("identity = %+v", opts.Identity)
	}
}

func TestNewNotifier(t *testing.T) {
	if _, err := newNotifier(config.TelegraphConfig{Platform: "slack", Slack: config.SlackConfig{BotToken: "xoxb-1", Channel: "C1"}}); err != nil {
		t.Errorf("slack: %v", err)
	}
	if _, err := newNotifier(config.TelegraphConfig{Platform: "discord", Discord: config.DiscordConfig{BotToken: "tok", Channel: "1"}}); err != nil {
		t.Errorf("discord: %v", err)
	}
	if _, err := newNotifier(config.TelegraphConfig{Platform: "irc"}); err == nil {
		t.Error("expected error for unsupported platform")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	path := writeConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	buf := new(syncBuffer)
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, buf, path, freePort(t)) }()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(buf.String(), "Dashboard running") {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server did not start:\n%s", buf.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	if !strings.Contains(buf.String(), "Resumed 0 open intakes") {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := truncate("PO-2026-000123-NORTH", 10); got != "PO-2026..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := formatWeight(decimal.NullDecimal{}, "kg"); got != "-" {
		t.Errorf("formatWeight(null) = %q", got)
	}
	if got := formatWeight(decimal.NewNullDecimal(decimal.RequireFromString("10500.5")), "kg"); got != "10500.5 kg" {
		t.Errorf("formatWeight = %q", got)
	}
	if orDash("") != "-" {
		t.Error("orDash should dash empty strings")
	}
}
