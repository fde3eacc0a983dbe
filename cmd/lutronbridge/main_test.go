package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-lutron/internal/bridges/lutron"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-lutron/internal/journal"
	"github.com/nerrad567/gray-logic-lutron/migrations"
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "none"}, "test")
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_LUTRON_CONFIG", "/nonexistent/path/lutron.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when the journal has no database.
func TestRun_MissingDatabasePath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "lutron.yaml")
	configContent := `
lutron:
  address: "192.168.1.50"

journal:
  enabled: true

database:
  path: ""

logging:
  level: error
  format: text
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("GRAYLOGIC_LUTRON_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("GRAYLOGIC_LUTRON_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/lutron.yaml"
	t.Setenv("GRAYLOGIC_LUTRON_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestClientConfig(t *testing.T) {
	in := config.LutronConfig{
		Address:        "lutron.local",
		Credentials:    config.LutronCredentials{Login: "admin", Password: "secret"},
		RequireLogin:   true,
		MaxFrameBuffer: 4096,
		Watchdog: config.WatchdogConfig{
			InitialDelay:   time.Second,
			Period:         2 * time.Second,
			ProbeTolerance: 3 * time.Second,
			ProbeCommand:   "?SYSTEM,1",
			BackoffFloor:   4 * time.Second,
			BackoffCeiling: 5 * time.Second,
		},
	}

	got := clientConfig(in)
	want := lutron.ClientConfig{
		Address:              "lutron.local",
		Credentials:          lutron.Credentials{Login: "admin", Password: "secret"},
		RequireLogin:         true,
		MaxFrameBuffer:       4096,
		WatchdogInitialDelay: time.Second,
		WatchdogPeriod:       2 * time.Second,
		ProbeTolerance:       3 * time.Second,
		ProbeCommand:         "?SYSTEM,1",
		BackoffFloor:         4 * time.Second,
		BackoffCeiling:       5 * time.Second,
	}
	if got != want {
		t.Errorf("clientConfig() = %+v, want %+v", got, want)
	}
}

func TestTelnetDialer(t *testing.T) {
	d := telnetDialer(config.LutronConfig{
		ConnectTimeout: time.Second,
		PollInterval:   100 * time.Millisecond,
		WriteTimeout:   2 * time.Second,
	})
	if d.ConnectTimeout != time.Second || d.PollInterval != 100*time.Millisecond || d.WriteTimeout != 2*time.Second {
		t.Errorf("telnetDialer() = %+v", d)
	}
}

type fakeUpdater struct {
	addresses []string
	err       error
}

func (f *fakeUpdater) UpdateAddress(_ context.Context, address string) error {
	f.addresses = append(f.addresses, address)
	return f.err
}

func TestApplyReload(t *testing.T) {
	next := &config.Config{Lutron: config.LutronConfig{Address: "10.0.0.9"}}

	u := &fakeUpdater{}
	applyReload(context.Background(), u, "10.0.0.8", next, testLogger())
	if len(u.addresses) != 1 || u.addresses[0] != "10.0.0.9" {
		t.Errorf("UpdateAddress calls = %v", u.addresses)
	}

	// Errors are logged, never fatal.
	failing := &fakeUpdater{err: errors.New("dial failed")}
	applyReload(context.Background(), failing, "10.0.0.8", next, testLogger())
	cleared := &fakeUpdater{err: lutron.ErrNoBridgeAddress}
	applyReload(context.Background(), cleared, "10.0.0.9", &config.Config{}, testLogger())
	if len(cleared.addresses) != 1 || cleared.addresses[0] != "" {
		t.Errorf("UpdateAddress calls = %v", cleared.addresses)
	}

	log := testLogger()
	next.Logging.Level = "debug"
	applyReload(context.Background(), &fakeUpdater{}, "10.0.0.9", next, log)
	if log.Level() != slog.LevelDebug {
		t.Errorf("log level after reload = %v, want debug", log.Level())
	}
	next.Logging.Level = "shouty"
	applyReload(context.Background(), &fakeUpdater{}, "10.0.0.9", next, log)
	if log.Level() != slog.LevelDebug {
		t.Errorf("unknown level changed the log level to %v", log.Level())
	}
}

// TestApplyReload_UnchangedAddress verifies a reload that only touches
// other settings keeps an address set over MQTT.
func TestApplyReload_UnchangedAddress(t *testing.T) {
	next := &config.Config{
		Lutron:  config.LutronConfig{Address: "10.0.0.9"},
		Logging: config.LoggingConfig{Level: "warn"},
	}

	u := &fakeUpdater{}
	log := testLogger()
	applyReload(context.Background(), u, "10.0.0.9", next, log)

	if len(u.addresses) != 0 {
		t.Errorf("UpdateAddress calls = %v, want none", u.addresses)
	}
	if log.Level() != slog.LevelWarn {
		t.Errorf("log level after reload = %v, want warn", log.Level())
	}
}

type refusingDialer struct{}

func (refusingDialer) Dial(context.Context, string) (lutron.Transport, error) {
	return nil, errors.New("connection refused")
}

type fakeStarter struct {
	err error
}

func (f fakeStarter) Start(context.Context) error {
	return f.err
}

func TestStartClient(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"started", nil, false},
		{"no address", lutron.ErrNoBridgeAddress, false},
		{"already running", lutron.ErrAlreadyRunning, false},
		{"other failure", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := startClient(context.Background(), fakeStarter{err: tt.err}, testLogger())
			if (err != nil) != tt.wantErr {
				t.Errorf("startClient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestStartClient_AfterRetainedConfig covers a retained config message that
// starts the client before boot reaches startClient.
func TestStartClient_AfterRetainedConfig(t *testing.T) {
	client := lutron.NewClient(lutron.ClientOptions{
		Config: lutron.ClientConfig{Address: "192.168.1.50"},
		Dialer: refusingDialer{},
		Logger: testLogger(),
	})
	defer client.Stop()

	ctx := context.Background()
	if err := client.UpdateAddress(ctx, "10.0.0.7"); err != nil {
		t.Fatalf("UpdateAddress() error = %v", err)
	}
	if err := startClient(ctx, client, testLogger()); err != nil {
		t.Fatalf("startClient() error = %v", err)
	}

	if !client.Stats().Running {
		t.Error("client not running after startClient")
	}
	if got := client.Address(); got != "10.0.0.7" {
		t.Errorf("Address() = %q, want 10.0.0.7", got)
	}
}

func TestPruneJournal(t *testing.T) {
	db, err := database.Open(database.Config{
		Path:       filepath.Join(t.TempDir(), "journal.db"),
		WALMode:    true,
		Migrations: migrations.FS,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := journal.NewSQLiteRepository(db.DB)
	ctx := context.Background()
	now := time.Now()
	for _, entry := range []lutron.JournalEntry{
		{Kind: lutron.JournalStarted, Time: now.AddDate(0, 0, -90)},
		{Kind: lutron.JournalConnected, Time: now.Add(-time.Hour)},
	} {
		if err := repo.Record(ctx, entry); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	pruneJournal(ctx, repo, db, 0, testLogger())
	result, err := repo.List(ctx, journal.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 2 {
		t.Fatalf("retention 0 kept %d entries, want 2", result.Total)
	}

	pruneJournal(ctx, repo, db, 30, testLogger())
	result, err = repo.List(ctx, journal.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 1 || result.Events[0].Kind != lutron.JournalConnected {
		t.Errorf("after prune: %+v", result.Events)
	}
}

func TestMQTTBridgeAdapterImplementsInterface(t *testing.T) {
	var _ lutron.MQTTClient = (*mqttBridgeAdapter)(nil)
}
