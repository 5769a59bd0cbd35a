package db

import (
	"strings"
	"testing"

	"gorm.io/gorm"

	"github.com/kajialsoad/cnz-sub006/internal/config"
	"github.com/kajialsoad/cnz-sub006/internal/models"
)

func TestMySQLDSN(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		user     string
		password string
		database string
		want     string
	}{
		{
			name:     "default local",
			host:     "127.0.0.1",
			port:     3306,
			user:     "root",
			database: "botengine",
			want:     "root@tcp(127.0.0.1:3306)/botengine?parseTime=true",
		},
		{
			name:     "with password",
			host:     "10.0.0.5",
			port:     3307,
			user:     "bot",
			password: "s3cret",
			database: "bot_prod",
			want:     "bot:s3cret@tcp(10.0.0.5:3307)/bot_prod?parseTime=true",
		},
		{
			name: "no database",
			host: "db.internal",
			port: 3306,
			user: "root",
			want: "root@tcp(db.internal:3306)/?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MySQLDSN(tt.host, tt.port, tt.user, tt.password, tt.database)
			if got != tt.want {
				t.Errorf("MySQLDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	got := PostgresDSN("pg", 5432, "postgres", "", "botengine")
	want := "host=pg port=5432 user=postgres dbname=botengine sslmode=disable"
	if got != want {
		t.Errorf("PostgresDSN() = %q, want %q", got, want)
	}
	if !strings.HasSuffix(PostgresDSN("pg", 5432, "u", "pw", "d"), " password=pw") {
		t.Error("PostgresDSN should append the password")
	}
}

func TestDSN_ExplicitWins(t *testing.T) {
	cfg := config.DatabaseConfig{Driver: "mysql", DSN: "custom", Host: "ignored", Port: 1}
	if got := DSN(cfg); got != "custom" {
		t.Errorf("DSN() = %q, want custom", got)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "unsupported driver")
	}
}

func TestConnectAdmin_SQLiteRejected(t *testing.T) {
	_, err := ConnectAdmin(config.DatabaseConfig{Driver: "sqlite"})
	if err == nil {
		t.Fatal("expected error for sqlite admin connection")
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 4 {
		t.Errorf("AllModels() returned %d models, want 4", got)
	}
}

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func TestAutoMigrate_SQLite(t *testing.T) {
	db := openSQLite(t)
	for _, m := range AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
	// Running twice must be a no-op.
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("second AutoMigrate: %v", err)
	}
}

func TestSeedRules_Upsert(t *testing.T) {
	db := openSQLite(t)

	if err := SeedRules(db, []models.TriggerRule{
		{ChatType: models.ChatTypeLive, IsEnabled: true, ReactivationThreshold: 5},
	}); err != nil {
		t.Fatalf("SeedRules: %v", err)
	}
	if err := SeedRules(db, []models.TriggerRule{
		{ChatType: models.ChatTypeLive, IsEnabled: false, ReactivationThreshold: 0, ResetStepsOnReactivate: true},
	}); err != nil {
		t.Fatalf("SeedRules (update): %v", err)
	}

	var rules []models.TriggerRule
	db.Find(&rules)
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(rules))
	}
	r := rules[0]
	if r.IsEnabled || r.ReactivationThreshold != 0 || !r.ResetStepsOnReactivate {
		t.Errorf("rule = %+v, want disabled, threshold 0, reset", r)
	}
}

func TestSeedScripts_Upsert(t *testing.T) {
	db := openSQLite(t)

	seed := []models.ScriptedMessage{
		{ChatType: models.ChatTypeLive, MessageKey: "welcome", StepNumber: 1, Content: "hi", IsActive: true},
		{ChatType: models.ChatTypeLive, MessageKey: "followup", StepNumber: 2, Content: "still there?", IsActive: true},
	}
	if err := SeedScripts(db, seed); err != nil {
		t.Fatalf("SeedScripts: %v", err)
	}
	seed[0].Content = "hello"
	seed[0].IsActive = false
	if err := SeedScripts(db, seed[:1]); err != nil {
		t.Fatalf("SeedScripts (update): %v", err)
	}

	var count int64
	db.Model(&models.ScriptedMessage{}).Count(&count)
	if count != 2 {
		t.Fatalf("scripts = %d, want 2", count)
	}
	var welcome models.ScriptedMessage
	db.Where("message_key = ?", "welcome").Take(&welcome)
	if welcome.Content != "hello" || welcome.IsActive {
		t.Errorf("welcome = %+v, want updated content and inactive", welcome)
	}
}

func TestSeed_EmptySlice(t *testing.T) {
	if err := SeedRules(nil, nil); err != nil {
		t.Errorf("SeedRules(nil, nil) = %v, want nil", err)
	}
	if err := SeedScripts(nil, []models.ScriptedMessage{}); err != nil {
		t.Errorf("SeedScripts(nil, []) = %v, want nil", err)
	}
}
