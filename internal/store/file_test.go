package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/market"
)

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	in := []market.Candle{
		{Symbol: "BTCUSDT", OpenTime: 60000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 3, IsClosed: true},
		{Symbol: "BTCUSDT", OpenTime: 120000, Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 4, IsClosed: true},
	}
	// Indicator values are NaN-tagged and excluded from the JSON shape, so
	// saving an enriched series must not fail.
	for i := range in {
		in[i].ClearIndicators()
	}

	key := CandleKey("BTCUSDT", market.Interval1m)
	if err := s.Save(key, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	var out []market.Candle
	if err := s.Load(key, &out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 2 || out[1].Close != 2 || !out[0].IsClosed {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestFileStoreNotFound(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	var v []int
	if err := s.Load("missing", &v); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreOverwrite(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(KeyOrderLog, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(KeyOrderLog, []string{"c"}); err != nil {
		t.Fatal(err)
	}

	var v []string
	if err := s.Load(KeyOrderLog, &v); err != nil {
		t.Fatal(err)
	}
	if len(v) != 1 || v[0] != "c" {
		t.Errorf("overwrite failed: %v", v)
	}
	// The temp file never survives a successful save.
	if _, err := os.Stat(filepath.Join(dir, KeyOrderLog+".json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestCandleKey(t *testing.T) {
	if got := CandleKey("ethusdt", market.Interval5m); got != "ETHUSDT_5m" {
		t.Errorf("candle key: got %q", got)
	}
}
