package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpsl_keeper/internal/models"
)

var ethKey = models.PositionKey{Symbol: "ETH-USDT-SWAP", Side: models.SideLong, Account: models.AccountPrimary}

func newTestStore(t *testing.T) (*Store, Options) {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		Path:        filepath.Join(dir, "monitors.json"),
		BackupDir:   filepath.Join(dir, "backups"),
		KeepBackups: 3,
	}
	s := New(opts)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s, opts
}

func sampleMonitor(key models.PositionKey) *models.PositionMonitor {
	m := models.NewPositionMonitor(key)
	m.Phase = models.PhaseProfitTaking
	m.TrackedSize = decimal.RequireFromString("0.150")
	m.TargetSize = decimal.RequireFromString("0.150")
	m.EntryPrice = decimal.RequireFromString("2450.37")
	m.CumulativeReductionPct = decimal.RequireFromString("85")
	m.MarkHit(1, decimal.RequireFromString("0.850"))
	m.MirrorRatio = decimal.NewNullDecimal(decimal.RequireFromString("0.5"))
	m.TakeProfits = []*models.OrderRecord{{
		ExchangeOrderID: "123",
		Role:            models.RoleTakeProfit,
		Level:           2,
		PlannedPercent:  decimal.RequireFromString("5"),
		Price:           decimal.RequireFromString("2499.1"),
		Quantity:        decimal.RequireFromString("0.05"),
		Status:          models.OrderOpen,
	}}
	return m
}

func TestStore_SaveAndReload(t *testing.T) {
	s, opts := newTestStore(t)
	require.NoError(t, s.Load())
	assert.Empty(t, s.All())

	m := sampleMonitor(ethKey)
	require.NoError(t, s.Save(m))

	reloaded := New(opts)
	require.NoError(t, reloaded.Load())
	got, ok := reloaded.Get(ethKey)
	require.True(t, ok)

	assert.Equal(t, "0.15", got.TrackedSize.String())
	assert.True(t, got.EntryPrice.Equal(m.EntryPrice))
	assert.Equal(t, []int{1}, got.HitLevels)
	assert.True(t, got.ExecutedQty[1].Equal(decimal.RequireFromString("0.85")))
	require.True(t, got.MirrorRatio.Valid)
	assert.Equal(t, "0.5", got.MirrorRatio.Decimal.String())
	require.Len(t, got.TakeProfits, 1)
	assert.Equal(t, "123", got.TakeProfits[0].ExchangeOrderID)
	assert.Equal(t, models.PhaseProfitTaking, got.Phase)
}

func TestStore_PersistsDecimalStrings(t *testing.T) {
	s, opts := newTestStore(t)
	require.NoError(t, s.Save(sampleMonitor(ethKey)))

	raw, err := os.ReadFile(opts.Path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"tracked_size":"0.15"`)
	assert.Contains(t, string(raw), `"entry_price":"2450.37"`)
}

func TestStore_SaveIsolatedFromCaller(t *testing.T) {
	s, _ := newTestStore(t)
	m := sampleMonitor(ethKey)
	require.NoError(t, s.Save(m))

	m.TrackedSize = decimal.Zero
	m.HitLevels = append(m.HitLevels, 2)

	got, _ := s.Get(ethKey)
	assert.Equal(t, "0.15", got.TrackedSize.String())
	assert.Equal(t, []int{1}, got.HitLevels)
}

func TestStore_Delete(t *testing.T) {
	s, opts := newTestStore(t)
	mirror := ethKey.WithAccount(models.AccountMirror)
	require.NoError(t, s.Save(sampleMonitor(ethKey)))
	require.NoError(t, s.Save(sampleMonitor(mirror)))
	require.NoError(t, s.Delete(ethKey))

	reloaded := New(opts)
	require.NoError(t, reloaded.Load())
	all := reloaded.All()
	require.Len(t, all, 1)
	assert.Equal(t, mirror, all[0].Key)
}

func TestStore_NoTempFileLeftBehind(t *testing.T) {
	s, opts := newTestStore(t)
	require.NoError(t, s.Save(sampleMonitor(ethKey)))
	_, err := os.Stat(opts.Path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestStore_RotatesBackups(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 6; i++ {
		m := sampleMonitor(ethKey)
		m.ConsecutiveAnomalies = i
		require.NoError(t, s.Save(m))
	}
	backups, err := s.backups()
	require.NoError(t, err)
	assert.Len(t, backups, 3)
	assert.EqualValues(t, 6, s.Commits())
}

func TestStore_CorruptDocumentRestoresNewestBackup(t *testing.T) {
	s, opts := newTestStore(t)
	first := sampleMonitor(ethKey)
	require.NoError(t, s.Save(first))
	second := sampleMonitor(ethKey)
	second.ConsecutiveAnomalies = 7
	require.NoError(t, s.Save(second))

	corrupt(t, opts.Path)

	reloaded := New(opts)
	require.NoError(t, reloaded.Load())
	got, ok := reloaded.Get(ethKey)
	require.True(t, ok)
	assert.Equal(t, 7, got.ConsecutiveAnomalies)
	assert.EqualValues(t, 1, reloaded.Recoveries())

	// живой документ переписан и читается без бэкапов
	again := New(opts)
	require.NoError(t, again.Load())
	assert.EqualValues(t, 0, again.Recoveries())
}

func TestStore_SkipsCorruptBackups(t *testing.T) {
	s, opts := newTestStore(t)
	first := sampleMonitor(ethKey)
	first.ConsecutiveAnomalies = 1
	require.NoError(t, s.Save(first))
	second := sampleMonitor(ethKey)
	second.ConsecutiveAnomalies = 2
	require.NoError(t, s.Save(second))

	backups, err := s.backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	corrupt(t, backups[1])
	corrupt(t, opts.Path)

	reloaded := New(opts)
	require.NoError(t, reloaded.Load())
	got, _ := reloaded.Get(ethKey)
	assert.Equal(t, 1, got.ConsecutiveAnomalies)
}

func TestStore_PinnedRestoreFailsLoudly(t *testing.T) {
	s, opts := newTestStore(t)
	require.NoError(t, s.Save(sampleMonitor(ethKey)))
	corrupt(t, opts.Path)
	require.NoError(t, os.WriteFile(opts.Path+pinSuffix, nil, 0o600))

	err := New(opts).Load()
	assert.ErrorIs(t, err, ErrRestorePinned)
}

func TestStore_CorruptWithoutBackups(t *testing.T) {
	_, opts := newTestStore(t)
	require.NoError(t, os.WriteFile(opts.Path, []byte("{not a document"), 0o600))

	err := New(opts).Load()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeDocument_RejectsMismatchedKey(t *testing.T) {
	m := sampleMonitor(ethKey)
	doc, err := encodeDocument(map[string]*models.PositionMonitor{
		"BTC-USDT-SWAP:long:primary": m,
	}, time.Now())
	require.NoError(t, err)

	_, err = decodeDocument(doc)
	assert.ErrorIs(t, err, ErrCorrupt)
}

// corrupt переворачивает последний байт payload, не трогая заголовок.
func corrupt(t *testing.T, path string) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-2] ^= 0x20
	require.NoError(t, os.WriteFile(path, raw, 0o600))
}
