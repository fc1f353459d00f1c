package almafetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	sdkerrors "github.com/shelfwise/itemchecks/pkg/errors"
)

// reportPayload is the wire shape of a stored analytics report.
type reportPayload struct {
	Rows []map[string]string `json:"rows"`
}

// FetchReport retrieves the rows of a stored analytics report by its path.
// Retry semantics match FetchItem: missing reports and bad credentials
// propagate immediately, transient failures are retried with exponential
// backoff up to the attempt budget.
func (c *Client) FetchReport(ctx context.Context, path, apiKey string) ([]map[string]string, error) {
	attempt := 0

	operation := func() ([]map[string]string, error) {
		attempt++
		rows, err := c.fetchReportOnce(ctx, path, apiKey)
		if err != nil {
			if errors.Is(err, sdkerrors.ErrItemNotFound) || errors.Is(err, sdkerrors.ErrUnauthorized) {
				return nil, backoff.Permanent(err)
			}
			c.logger.Warn("Transient report fetch failure",
				zap.String("report_path", path),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, err
		}
		return rows, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.backoff
	expo.Multiplier = 2

	rows, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.attempts)))
	if err != nil {
		if errors.Is(err, sdkerrors.ErrItemNotFound) || errors.Is(err, sdkerrors.ErrUnauthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts for report %s: %w",
			sdkerrors.ErrFetchExhausted, attempt, path, err)
	}

	return rows, nil
}

func (c *Client) fetchReportOnce(ctx context.Context, path, apiKey string) ([]map[string]string, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", sdkerrors.ErrTransient, err)
	}
	defer c.limiter.Release()

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s/analytics/reports?path=%s", c.baseURL, url.QueryEscape(path))
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Authorization", "apikey "+apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sdkerrors.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: report %s", sdkerrors.ErrItemNotFound, path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", sdkerrors.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", sdkerrors.ErrTransient, resp.StatusCode)
	default:
		return nil, fmt.Errorf("unexpected status %d fetching report %s", resp.StatusCode, path)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", sdkerrors.ErrTransient, err)
	}

	var payload reportPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode report payload for %s: %w", path, err)
	}

	return payload.Rows, nil
}
