package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/initialgyw/fiddy/internal/domain"
)

func testCandles() []domain.Candle {
	return []domain.Candle{
		{Datetime: 1587013200000, Open: 279.15, High: 280.03, Low: 275.76, Close: 279.1, Volume: 131798325},
		{Datetime: 1587099600000, Open: 285.38, High: 287.3, Low: 282.4, Close: 286.64, Volume: 146684784},
	}
}

func TestSaveLoad_CSVRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "SPY", "daily.csv")

	require.NoError(t, Save(file, testCandles(), KindCSV))

	var loaded []domain.Candle
	ok, err := Load(file, &loaded, KindCSV)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testCandles(), loaded)
}

func TestSave_EmptyCandles(t *testing.T) {
	file := filepath.Join(t.TempDir(), "daily.csv")

	err := Save(file, []domain.Candle{}, KindCSV)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidData))
}

func TestSave_NilData(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "x.json"), nil, KindJSON)
	assert.True(t, errors.Is(err, ErrInvalidData))
}

func TestSave_EmptyStructuredData(t *testing.T) {
	dir := t.TempDir()

	err := Save(filepath.Join(dir, "x.json"), map[string]string{}, KindJSON)
	assert.True(t, errors.Is(err, ErrInvalidData))

	err = Save(filepath.Join(dir, "x.msgpack"), []domain.CalendarDay{}, KindMsgpack)
	assert.True(t, errors.Is(err, ErrInvalidData))

	var days *[]domain.CalendarDay
	err = Save(filepath.Join(dir, "y.msgpack"), days, KindMsgpack)
	assert.True(t, errors.Is(err, ErrInvalidData))
}

func TestSave_UnknownKind(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "x.bin"), "data", Kind("parquet"))
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestLoad_UnknownKind(t *testing.T) {
	file := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(file, []byte("data"), 0644))

	var out string
	_, err := Load(file, &out, Kind("parquet"))
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	var out []domain.Candle
	ok, err := Load(filepath.Join(t.TempDir(), "absent.csv"), &out, KindCSV)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, out)
}

type calendarArtifact struct {
	Expiration time.Time            `json:"expiration"`
	Days       []domain.CalendarDay `json:"calendar"`
}

func TestSaveLoad_JSONRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "calendar.json")
	artifact := calendarArtifact{
		Expiration: time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC),
		Days: []domain.CalendarDay{
			{Date: "2026-08-26", Open: "09:30", Close: "16:00"},
		},
	}

	require.NoError(t, Save(file, artifact, KindJSON))

	var loaded calendarArtifact
	ok, err := Load(file, &loaded, KindJSON)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, artifact.Days, loaded.Days)
	assert.True(t, artifact.Expiration.Equal(loaded.Expiration))
}

func TestSaveLoad_MsgpackRoundTrip(t *testing.T) {
	loc := domain.MarketLocation()
	file := filepath.Join(t.TempDir(), "calendar.msgpack")
	days := []domain.SessionDay{
		{
			MarketOpen:   time.Date(2026, 8, 26, 9, 30, 0, 0, loc),
			MarketClose:  time.Date(2026, 8, 26, 16, 0, 0, 0, loc),
			SessionOpen:  time.Date(2026, 8, 26, 0, 0, 1, 0, loc),
			SessionClose: time.Date(2026, 8, 26, 23, 59, 59, 0, loc),
		},
	}

	require.NoError(t, Save(file, days, KindMsgpack))

	var loaded []domain.SessionDay
	ok, err := Load(file, &loaded, KindMsgpack)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, loaded, 1)
	assert.True(t, days[0].MarketClose.Equal(loaded[0].MarketClose))
	assert.True(t, days[0].SessionClose.Equal(loaded[0].SessionClose))
}

func TestFresh(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	assert.True(t, Fresh(now.Add(time.Minute), now))
	assert.False(t, Fresh(now.Add(-time.Minute), now))
	assert.False(t, Fresh(now, now))
}

func TestNoDataMarkers(t *testing.T) {
	file := filepath.Join(t.TempDir(), "SPY", "2020-09-17-1minute.csv")

	assert.False(t, HasNoData(file))
	require.NoError(t, MarkNoData(file))
	assert.True(t, HasNoData(file))

	// The marker must not shadow the data file itself.
	_, err := os.Stat(file)
	assert.True(t, os.IsNotExist(err))
}
