// Package cache persists API responses to local files so repeat lookups do
// not hit the remote endpoints. Artifacts are either tabular (candles as
// CSV), structured (JSON), or binary (msgpack, used for the resolved
// calendar). Freshness is the caller's policy: structured artifacts embed
// an expiration instant, tabular ones are validated against the market
// calendar.
package cache

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/initialgyw/fiddy/internal/domain"
)

// Kind selects the on-disk serialization of an artifact.
type Kind string

const (
	// KindCSV stores a candle slice as delimited text.
	KindCSV Kind = "csv"
	// KindJSON stores any structure as JSON text.
	KindJSON Kind = "json"
	// KindMsgpack stores any structure as binary msgpack.
	KindMsgpack Kind = "msgpack"
)

var (
	// ErrUnsupportedFormat is returned for an unknown artifact kind.
	ErrUnsupportedFormat = errors.New("unsupported cache format")
	// ErrInvalidData is returned when data is empty or has the wrong shape
	// for the requested kind. Callers must never silently drop data.
	ErrInvalidData = errors.New("invalid cache data")
)

// Fresh reports whether an artifact expiration is still in the future.
func Fresh(expiration time.Time, now time.Time) bool {
	return now.Before(expiration)
}

// Save serializes data into file according to kind, creating parent
// directories as needed. The write is a whole-file replace, so concurrent
// writers race but cannot corrupt the artifact.
func Save(file string, data any, kind Kind) error {
	if data == nil || isEmpty(data) {
		return fmt.Errorf("%w: empty data for %s", ErrInvalidData, file)
	}

	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory for %s: %w", file, err)
	}

	switch kind {
	case KindCSV:
		candles, ok := data.([]domain.Candle)
		if !ok {
			return fmt.Errorf("%w: csv artifacts must be []domain.Candle", ErrInvalidData)
		}
		return writeCandles(file, candles)

	case KindJSON:
		encoded, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		return writeFile(file, encoded)

	case KindMsgpack:
		encoded, err := msgpack.Marshal(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		return writeFile(file, encoded)

	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, kind)
	}
}

// Load deserializes file into out according to kind. A missing file is not
// an error: Load returns (false, nil) and leaves out untouched. For KindCSV
// out must be a *[]domain.Candle.
func Load(file string, out any, kind Kind) (bool, error) {
	raw, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", file, err)
	}

	switch kind {
	case KindCSV:
		candles, ok := out.(*[]domain.Candle)
		if !ok {
			return false, fmt.Errorf("%w: csv artifacts load into *[]domain.Candle", ErrInvalidData)
		}
		parsed, err := parseCandles(raw)
		if err != nil {
			return false, fmt.Errorf("failed to parse %s: %w", file, err)
		}
		*candles = parsed
		return true, nil

	case KindJSON:
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("failed to parse %s: %w", file, err)
		}
		return true, nil

	case KindMsgpack:
		if err := msgpack.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("failed to parse %s: %w", file, err)
		}
		return true, nil

	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedFormat, kind)
	}
}

// isEmpty reports whether data is a zero-length map, slice, or string,
// or a nil pointer to one.
func isEmpty(data any) bool {
	v := reflect.ValueOf(data)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return true
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	}
	return false
}

func writeFile(file string, data []byte) error {
	if err := os.WriteFile(file, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	return nil
}

var candleHeader = []string{"datetime", "open", "high", "low", "close", "volume"}

func writeCandles(file string, candles []domain.Candle) error {
	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", file, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(candleHeader); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}

	for _, c := range candles {
		record := []string{
			strconv.FormatInt(c.Datetime, 10),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatInt(c.Volume, 10),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write %s: %w", file, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", file, err)
	}
	return nil
}

func parseCandles(raw []byte) ([]domain.Candle, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: no candle rows", ErrInvalidData)
	}

	candles := make([]domain.Candle, 0, len(records)-1)
	for _, record := range records[1:] {
		if len(record) != len(candleHeader) {
			return nil, fmt.Errorf("%w: expected %d columns, got %d", ErrInvalidData, len(candleHeader), len(record))
		}
		var c domain.Candle
		if c.Datetime, err = strconv.ParseInt(record[0], 10, 64); err != nil {
			return nil, fmt.Errorf("%w: bad datetime %q", ErrInvalidData, record[0])
		}
		if c.Open, err = strconv.ParseFloat(record[1], 64); err != nil {
			return nil, fmt.Errorf("%w: bad open %q", ErrInvalidData, record[1])
		}
		if c.High, err = strconv.ParseFloat(record[2], 64); err != nil {
			return nil, fmt.Errorf("%w: bad high %q", ErrInvalidData, record[2])
		}
		if c.Low, err = strconv.ParseFloat(record[3], 64); err != nil {
			return nil, fmt.Errorf("%w: bad low %q", ErrInvalidData, record[3])
		}
		if c.Close, err = strconv.ParseFloat(record[4], 64); err != nil {
			return nil, fmt.Errorf("%w: bad close %q", ErrInvalidData, record[4])
		}
		if c.Volume, err = strconv.ParseInt(record[5], 10, 64); err != nil {
			return nil, fmt.Errorf("%w: bad volume %q", ErrInvalidData, record[5])
		}
		candles = append(candles, c)
	}

	return candles, nil
}
