package app

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/drfirst/go-partograph/internal/config"
	"github.com/drfirst/go-partograph/internal/domain/partograph"
)

func TestOpenStoreDrivers(t *testing.T) {
	ctx := context.Background()
	for _, driver := range []string{config.DriverMemory, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			cfg := config.Default()
			cfg.Storage.Driver = driver
			cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "ward.db")

			b, err := OpenStore(ctx, cfg, nil)
			if err != nil {
				t.Fatalf("OpenStore: %v", err)
			}
			defer b.Close()

			if err := b.Ping(ctx); err != nil {
				t.Fatalf("Ping: %v", err)
			}
			pt := partograph.Patient{ID: "p1", Name: "A", HospitalNumber: "1", FacilityID: "f"}
			if err := b.Store.CreatePatient(ctx, pt); err != nil {
				t.Fatalf("CreatePatient: %v", err)
			}

			inbox, err := OpenInbox(ctx, b, cfg, nil)
			if err != nil {
				t.Fatalf("OpenInbox: %v", err)
			}
			var calls int
			run := func(ctx context.Context) (json.RawMessage, error) {
				calls++
				return json.RawMessage(`{}`), nil
			}
			for i := 0; i < 2; i++ {
				if _, err := inbox.Process(ctx, "key", "create", "fp", run); err != nil {
					t.Fatalf("Process: %v", err)
				}
			}
			if calls != 1 {
				t.Errorf("write ran %d times", calls)
			}
		})
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "cassandra"
	if _, err := OpenStore(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error")
	}
}
