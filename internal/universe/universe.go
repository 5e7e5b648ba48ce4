// Package universe supplies the fixed list of tickers a sync run keeps up to
// date. Tickers come from configuration, a file, the store itself, or any
// combination; the result is de-duplicated by storage key in first-seen
// order.
package universe

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"barsync/internal/domain"
)

// Lister is the part of a store that can enumerate stored tickers.
type Lister interface {
	ListTickers(ctx context.Context) ([]string, error)
}

// Universe resolves tickers from its configured sources.
type Universe struct {
	static    []string
	files     []string
	store     Lister
	fromStore bool
}

// New creates a Universe from a static list and ticker files. When
// fromStore is set, every ticker already present in s is included too.
func New(static, files []string, s Lister, fromStore bool) *Universe {
	return &Universe{static: static, files: files, store: s, fromStore: fromStore}
}

// Tickers returns the universe in first-seen order: static list, then files,
// then store.
func (u *Universe) Tickers(ctx context.Context) ([]string, error) {
	var all []string
	all = append(all, u.static...)

	for _, f := range u.files {
		syms, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		all = append(all, syms...)
	}

	if u.fromStore && u.store != nil {
		stored, err := u.store.ListTickers(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing stored tickers: %w", err)
		}
		all = append(all, stored...)
	}

	return Dedup(all), nil
}

// Dedup drops blanks and repeated storage keys, keeping the first spelling
// (so "^VIX" wins over a later "VIX").
func Dedup(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		t = strings.TrimSpace(t)
		key := domain.StorageKey(t)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.ToUpper(t))
	}
	return out
}

// LoadFile reads tickers from path. Files ending in .csv are read with
// LoadCSVSymbols; anything else is one ticker per line, with blank lines and
// lines starting with '#' ignored.
func LoadFile(path string) ([]string, error) {
	if strings.HasSuffix(strings.ToLower(path), ".csv") {
		return LoadCSVSymbols(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening universe file %s: %w", path, err)
	}
	defer f.Close()

	var symbols []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		symbols = append(symbols, strings.ToUpper(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading universe file %s: %w", path, err)
	}
	return symbols, nil
}

// LoadCSVSymbols reads the first column ("symbol") from a CSV file and returns
// all symbols found. The file must have a header row.
func LoadCSVSymbols(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening CSV %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV %s: %w", path, err)
	}

	if len(records) < 2 {
		return nil, nil
	}

	symbols := make([]string, 0, len(records)-1)
	for _, row := range records[1:] {
		if len(row) > 0 {
			sym := strings.TrimSpace(row[0])
			if sym != "" {
				symbols = append(symbols, strings.ToUpper(sym))
			}
		}
	}
	return symbols, nil
}
