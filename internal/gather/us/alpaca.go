package us

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"barsync/internal/domain"
	"barsync/internal/gather"
	"barsync/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ gather.MultiProvider = (*AlpacaProvider)(nil)

// barsClient is the subset of the Alpaca market-data client used here.
type barsClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// ---------------------------------------------------------------------------
// Alpaca daily bars
// ---------------------------------------------------------------------------

// AlpacaProvider fetches daily bars for US equities via the Alpaca
// market-data API. One GetMultiBars call serves a whole fetch batch.
type AlpacaProvider struct {
	client     barsClient
	feed       string
	adjustment marketdata.Adjustment
	log        *slog.Logger
}

// NewAlpacaProvider creates a provider configured with the given Alpaca
// credentials. feed defaults to "sip" and adjustment to "all".
func NewAlpacaProvider(apiKey, apiSecret, dataURL, feed, adjustment string) *AlpacaProvider {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return newAlpacaProvider(marketdata.NewClient(opts), feed, adjustment)
}

func newAlpacaProvider(client barsClient, feed, adjustment string) *AlpacaProvider {
	if feed == "" {
		feed = "sip"
	}
	if adjustment == "" {
		adjustment = string(marketdata.All)
	}
	return &AlpacaProvider{
		client:     client,
		feed:       feed,
		adjustment: marketdata.Adjustment(adjustment),
		log:        slog.Default().With("provider", "alpaca"),
	}
}

// Name returns the provider identifier.
func (p *AlpacaProvider) Name() string { return "alpaca" }

// History fetches daily bars for a single ticker in [start, end].
func (p *AlpacaProvider) History(ctx context.Context, ticker string, start, end time.Time) ([]domain.RawRow, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if domain.StorageKey(ticker) == "" {
		return nil, util.Permanent(fmt.Errorf("empty ticker %q", ticker))
	}

	bars, err := p.client.GetBars(domain.StorageKey(ticker), p.request(start, end))
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", ticker, err)
	}
	return toRawRows(bars), nil
}

// MultiHistory fetches daily bars for several tickers in a single API call.
// Result keys are storage keys. A response with no bars for any requested
// symbol is reported as domain.ErrEmptyResponse.
func (p *AlpacaProvider) MultiHistory(ctx context.Context, tickers []string, start, end time.Time) (map[string][]domain.RawRow, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	symbols := make([]string, len(tickers))
	for i, t := range tickers {
		symbols[i] = domain.StorageKey(t)
	}

	multiBars, err := p.client.GetMultiBars(symbols, p.request(start, end))
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}
	if len(multiBars) == 0 {
		return nil, fmt.Errorf("GetMultiBars %d symbols: %w", len(symbols), domain.ErrEmptyResponse)
	}

	out := make(map[string][]domain.RawRow, len(multiBars))
	for symbol, bars := range multiBars {
		out[strings.ToUpper(symbol)] = toRawRows(bars)
	}
	p.log.Debug("multi bars", "requested", len(symbols), "returned", len(out))
	return out, nil
}

// request builds a daily bar request covering whole days start..end. Alpaca
// stamps daily bars at midnight ET, so the end bound runs to the end of the
// UTC day.
func (p *AlpacaProvider) request(start, end time.Time) marketdata.GetBarsRequest {
	return marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Start:      domain.Day(start),
		End:        domain.Day(end).Add(24*time.Hour - time.Second),
		Feed:       marketdata.Feed(p.feed),
		Adjustment: p.adjustment,
	}
}

func toRawRows(bars []marketdata.Bar) []domain.RawRow {
	rows := make([]domain.RawRow, 0, len(bars))
	for _, ab := range bars {
		rows = append(rows, domain.RawRow{
			Date:       ab.Timestamp,
			Open:       gather.Ptr(ab.Open),
			High:       gather.Ptr(ab.High),
			Low:        gather.Ptr(ab.Low),
			Close:      gather.Ptr(ab.Close),
			Volume:     gather.Ptr(float64(ab.Volume)),
			TradeCount: gather.Ptr(int64(ab.TradeCount)),
			VWAP:       gather.Ptr(ab.VWAP),
		})
	}
	return rows
}
