// Package almafetch implements the item source client: it fetches a single
// item record by barcode from the external bibliographic API using an
// institution's credential, wrapping transient failures in exponential
// backoff retry.
package almafetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/shelfwise/itemchecks/pkg/concurrency"
	sdkerrors "github.com/shelfwise/itemchecks/pkg/errors"
	"github.com/shelfwise/itemchecks/pkg/model"
)

// Config holds the client settings. Timeout bounds each individual attempt;
// MaxAttempts is the total attempt budget including the first try.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration

	// MaxConcurrent caps simultaneous API calls across all workers. Zero
	// means 8.
	MaxConcurrent int
}

// Client fetches item records over HTTP. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	attempts   int
	backoff    time.Duration
	limiter    *concurrency.Limiter
	logger     *zap.Logger
}

// NewClient creates an item source client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}

	return &Client{
		httpClient: &http.Client{},
		baseURL:    cfg.BaseURL,
		timeout:    timeout,
		attempts:   cfg.MaxAttempts,
		backoff:    base,
		limiter:    concurrency.NewLimiter(maxConcurrent),
		logger:     logger,
	}, nil
}

// FetchItem retrieves one item record by barcode. NotFound and Unauthorized
// propagate immediately; transient failures (timeouts, 5xx, connection
// resets) are retried with exponential backoff up to the attempt budget,
// after which the error is errors.ErrFetchExhausted carrying the last cause.
func (c *Client) FetchItem(ctx context.Context, barcode, apiKey string) (*model.ItemRecord, error) {
	attempt := 0

	operation := func() (*model.ItemRecord, error) {
		attempt++
		record, err := c.fetchOnce(ctx, barcode, apiKey)
		if err != nil {
			if errors.Is(err, sdkerrors.ErrItemNotFound) || errors.Is(err, sdkerrors.ErrUnauthorized) {
				return nil, backoff.Permanent(err)
			}
			c.logger.Warn("Transient fetch failure",
				zap.String("barcode", barcode),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, err
		}
		return record, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.backoff
	expo.Multiplier = 2

	record, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.attempts)))
	if err != nil {
		if errors.Is(err, sdkerrors.ErrItemNotFound) || errors.Is(err, sdkerrors.ErrUnauthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts for barcode %s: %w",
			sdkerrors.ErrFetchExhausted, attempt, barcode, err)
	}

	return record, nil
}

// itemPayload is the wire shape of one item as returned by the API.
type itemPayload struct {
	Barcode         string   `json:"barcode"`
	HoldingLocation string   `json:"holding_location"`
	TempLocation    string   `json:"temp_location"`
	CallNumber      string   `json:"call_number"`
	Row             string   `json:"row"`
	Tray            string   `json:"tray"`
	ProvenanceNotes []string `json:"provenance_notes"`
	InternalNotes   []string `json:"internal_notes"`
	Withdrawn       bool     `json:"withdrawn"`
}

func (c *Client) fetchOnce(ctx context.Context, barcode, apiKey string) (*model.ItemRecord, error) {
	// The slot is held for the HTTP exchange only; backoff waits between
	// attempts do not occupy it.
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", sdkerrors.ErrTransient, err)
	}
	defer c.limiter.Release()

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/items?item_barcode=%s", c.baseURL, barcode)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Authorization", "apikey "+apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport-level failures (timeouts, connection resets) retry.
		return nil, fmt.Errorf("%w: %w", sdkerrors.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: barcode %s", sdkerrors.ErrItemNotFound, barcode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", sdkerrors.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", sdkerrors.ErrTransient, resp.StatusCode)
	default:
		return nil, fmt.Errorf("unexpected status %d fetching barcode %s", resp.StatusCode, barcode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", sdkerrors.ErrTransient, err)
	}

	var payload itemPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode item payload for barcode %s: %w", barcode, err)
	}

	return recordFromPayload(&payload, body), nil
}

// recordFromPayload maps the wire payload to the domain record. The source
// system marks withdrawals either with an explicit flag or with a "WD"
// marker in the row field or an internal note.
func recordFromPayload(p *itemPayload, raw []byte) *model.ItemRecord {
	withdrawn := p.Withdrawn || p.Row == "WD"
	for _, note := range p.InternalNotes {
		if note == "WD" {
			withdrawn = true
			break
		}
	}

	return &model.ItemRecord{
		Barcode:         p.Barcode,
		HoldingLocation: p.HoldingLocation,
		TempLocation:    p.TempLocation,
		CallNumber:      p.CallNumber,
		ProvenanceNotes: p.ProvenanceNotes,
		Row:             p.Row,
		Tray:            p.Tray,
		WithdrawalFlag:  withdrawn,
		Raw:             raw,
	}
}
