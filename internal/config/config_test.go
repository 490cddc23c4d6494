package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GRACE_WINDOW", "")
	os.Unsetenv("GRACE_WINDOW")

	cfg := Load()

	assert.Equal(t, 20*time.Second, cfg.GraceWindow)
	assert.Equal(t, 12*time.Hour, cfg.ReservationWindow)
	assert.Equal(t, 60*time.Second, cfg.SensorFreshness)
	assert.True(t, cfg.MinBalance.Equal(decimal.NewFromInt(1)))
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("GRACE_WINDOW", "45s")
	t.Setenv("MIN_BALANCE", "2.50")
	t.Setenv("EGRESS_WORKERS", "0")
	t.Setenv("RECONCILE_INTERVAL", "nonsense")

	cfg := Load()

	assert.Equal(t, 45*time.Second, cfg.GraceWindow)
	assert.True(t, cfg.MinBalance.Equal(decimal.RequireFromString("2.50")))
	assert.Equal(t, 0, cfg.EgressWorkers)
	assert.Equal(t, time.Second, cfg.ReconcileInterval)
}

func TestDSN(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: 5433, DBUser: "u", DBPassword: "p", DBName: "n", DBSslMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=n sslmode=disable", cfg.DSN())
	assert.Equal(t, "postgres://u:p@db:5433/n?sslmode=disable", cfg.MigrateURL())
}

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(`
bays:
  - name: "Slot A"
    thing_name: ESP32_ParkingController_01
    slot_id: S1
  - name: " Slot B "
    thing_name: ESP32_ParkingController_01
    slot_id: S2
`))
	require.NoError(t, err)
	require.Len(t, c.Bays, 2)
	assert.Equal(t, "Slot B", c.Bays[1].Name)
	assert.Equal(t, "S1", c.Bays[0].SlotID)
}

func TestParseCatalog_Rejects(t *testing.T) {
	_, err := ParseCatalog([]byte(`bays: []`))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte("bays:\n  - name: A\n  - name: A\n"))
	assert.Error(t, err)
}

func TestLoadCatalog_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bays.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bays:\n  - name: Slot A\n"), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "Slot A", c.Bays[0].Name)
}
