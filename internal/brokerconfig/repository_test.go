package brokerconfig_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/containment-core/internal/brokerconfig"
	"github.com/nerrad567/containment-core/internal/infrastructure/database"
	_ "github.com/nerrad567/containment-core/migrations"
)

func openRepo(t *testing.T) *brokerconfig.SQLiteRepository {
	t.Helper()
	db, err := database.Open(database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return brokerconfig.NewSQLiteRepository(db.DB)
}

func sampleConfig(name, host string) *brokerconfig.Config {
	return &brokerconfig.Config{
		Name:        name,
		Host:        host,
		Port:        1883,
		Username:    "operator",
		Password:    "s3cret",
		KeepAlive:   30 * time.Second,
		Description: "lab broker",
	}
}

// ============================================================================
// Create / Get
// ============================================================================

func TestCreate_FirstConfigBecomesActive(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	first := sampleConfig("lab", "10.0.0.5")
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if first.ID == 0 || !first.Active {
		t.Errorf("first config = %+v, want an id and Active", first)
	}

	second := sampleConfig("spare", "10.0.0.6")
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if second.Active {
		t.Error("second config became active without asking")
	}

	got, err := repo.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Host != "10.0.0.5" || got.Password != "s3cret" || got.KeepAlive != 30*time.Second || !got.Active {
		t.Errorf("Get() = %+v", got)
	}
	if got.Description != "lab broker" || got.Username != "operator" || got.ClientID != "" {
		t.Errorf("Get() optional fields = %+v", got)
	}
}

func TestCreate_ActiveDeactivatesOthers(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	first := sampleConfig("lab", "10.0.0.5")
	_ = repo.Create(ctx, first)
	second := sampleConfig("prod", "10.0.0.6")
	second.Active = true
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	active, err := repo.Active(ctx)
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if active == nil || active.ID != second.ID {
		t.Errorf("Active() = %+v, want config %d", active, second.ID)
	}
	if got, _ := repo.Get(ctx, first.ID); got.Active {
		t.Error("first config still active")
	}
}

func TestCreate_RejectsInvalid(t *testing.T) {
	repo := openRepo(t)
	tests := []struct {
		name string
		cfg  brokerconfig.Config
	}{
		{"missing name", brokerconfig.Config{Host: "h", Port: 1883}},
		{"missing host", brokerconfig.Config{Name: "n", Port: 1883}},
		{"port zero", brokerconfig.Config{Name: "n", Host: "h"}},
		{"port too high", brokerconfig.Config{Name: "n", Host: "h", Port: 70000}},
		{"negative keepalive", brokerconfig.Config{Name: "n", Host: "h", Port: 1883, KeepAlive: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if err := repo.Create(context.Background(), &cfg); !errors.Is(err, brokerconfig.ErrInvalidConfig) {
				t.Errorf("Create() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	repo := openRepo(t)
	if _, err := repo.Get(context.Background(), 42); !errors.Is(err, brokerconfig.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

// ============================================================================
// List / Update / Delete / SetActive
// ============================================================================

func TestList_ActiveFirst(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	a := sampleConfig("a", "10.0.0.1")
	b := sampleConfig("b", "10.0.0.2")
	c := sampleConfig("c", "10.0.0.3")
	for _, cfg := range []*brokerconfig.Config{a, b, c} {
		if err := repo.Create(ctx, cfg); err != nil {
			t.Fatalf("Create(%s) error = %v", cfg.Name, err)
		}
	}
	if err := repo.SetActive(ctx, c.ID); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var names []string
	for _, cfg := range list {
		names = append(names, cfg.Name)
	}
	if len(names) != 3 || names[0] != "c" || names[1] != "a" || names[2] != "b" {
		t.Errorf("List() order = %v, want [c a b]", names)
	}
}

func TestUpdate(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	cfg := sampleConfig("lab", "10.0.0.5")
	_ = repo.Create(ctx, cfg)

	cfg.Host = "broker.local"
	cfg.TLS = true
	cfg.Port = 8883
	cfg.ClientID = "containment-lab"
	cfg.Active = false
	if err := repo.Update(ctx, cfg); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, _ := repo.Get(ctx, cfg.ID)
	if got.Host != "broker.local" || !got.TLS || got.Port != 8883 || got.ClientID != "containment-lab" {
		t.Errorf("Get() after Update() = %+v", got)
	}
	if !got.Active {
		t.Error("Update() changed activation")
	}

	missing := sampleConfig("ghost", "h")
	missing.ID = 99
	if err := repo.Update(ctx, missing); !errors.Is(err, brokerconfig.ErrNotFound) {
		t.Errorf("Update() of missing config error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	cfg := sampleConfig("lab", "10.0.0.5")
	_ = repo.Create(ctx, cfg)
	if err := repo.Delete(ctx, cfg.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, cfg.ID); !errors.Is(err, brokerconfig.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
	active, err := repo.Active(ctx)
	if err != nil || active != nil {
		t.Errorf("Active() after deleting the only config = %+v, %v", active, err)
	}
}

func TestSetActive_Missing(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	cfg := sampleConfig("lab", "10.0.0.5")
	_ = repo.Create(ctx, cfg)

	if err := repo.SetActive(ctx, 99); !errors.Is(err, brokerconfig.ErrNotFound) {
		t.Fatalf("SetActive() error = %v, want ErrNotFound", err)
	}
	// The failed activation is rolled back.
	if active, _ := repo.Active(ctx); active == nil || active.ID != cfg.ID {
		t.Errorf("Active() = %+v, want config %d kept", active, cfg.ID)
	}
}
