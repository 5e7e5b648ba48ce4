// Package polygon implements a daily-bar provider on the Polygon.io
// aggregates endpoint.
package polygon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"

	"barsync/internal/domain"
	"barsync/internal/gather"
	"barsync/internal/util"
)

var _ gather.Provider = (*Provider)(nil)

// maxAggsPerPage is the largest page the aggregates endpoint serves.
const maxAggsPerPage = 50000

// listFunc returns the daily aggregates for ticker in [from, to].
type listFunc func(ctx context.Context, ticker string, from, to time.Time) ([]models.Agg, error)

// Provider fetches daily aggregates one ticker per call.
type Provider struct {
	list     listFunc
	adjusted bool
	log      *slog.Logger
}

// New creates a Polygon provider using the given API key.
func New(apiKey string, adjusted bool) *Provider {
	client := polygon.New(apiKey)
	p := &Provider{
		adjusted: adjusted,
		log:      slog.Default().With("provider", "polygon"),
	}
	p.list = func(ctx context.Context, ticker string, from, to time.Time) ([]models.Agg, error) {
		params := models.ListAggsParams{
			Ticker:     ticker,
			Multiplier: 1,
			Timespan:   models.Day,
			From:       models.Millis(from),
			To:         models.Millis(to),
		}.WithOrder(models.Asc).WithAdjusted(p.adjusted).WithLimit(maxAggsPerPage)

		iter := client.ListAggs(ctx, params)
		var aggs []models.Agg
		for iter.Next() {
			aggs = append(aggs, iter.Item())
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		return aggs, nil
	}
	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "polygon" }

// History fetches daily bars for ticker in [start, end]. Index tickers
// ("^SPX") are requested with Polygon's "I:" prefix.
func (p *Provider) History(ctx context.Context, ticker string, start, end time.Time) ([]domain.RawRow, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if domain.StorageKey(ticker) == "" {
		return nil, util.Permanent(fmt.Errorf("empty ticker %q", ticker))
	}

	// Daily aggregates are stamped at midnight ET, hours after midnight UTC,
	// so the window runs to the end of the end day.
	aggs, err := p.list(ctx, Ticker(ticker), domain.Day(start), domain.Day(end).Add(24*time.Hour-time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("ListAggs %s: %w", ticker, err)
	}

	rows := make([]domain.RawRow, 0, len(aggs))
	for _, a := range aggs {
		rows = append(rows, domain.RawRow{
			Date:       time.Time(a.Timestamp),
			Open:       gather.Ptr(a.Open),
			High:       gather.Ptr(a.High),
			Low:        gather.Ptr(a.Low),
			Close:      gather.Ptr(a.Close),
			Volume:     gather.Ptr(a.Volume),
			TradeCount: gather.Ptr(a.Transactions),
			VWAP:       gather.Ptr(a.VWAP),
		})
	}
	p.log.Debug("aggs", "ticker", ticker, "rows", len(rows))
	return rows, nil
}

// Ticker maps a universe ticker onto Polygon's naming.
func Ticker(ticker string) string {
	key := domain.StorageKey(ticker)
	if strings.HasPrefix(strings.TrimSpace(ticker), domain.IndexPrefix) {
		return "I:" + key
	}
	return key
}
