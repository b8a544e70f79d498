package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aegis-decision-engine/autorule/internal/circuitbreaker"
	"github.com/aegis-decision-engine/autorule/internal/models"
)

// FeedConfig holds HTTP feed client configuration
type FeedConfig struct {
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultFeedConfig returns default configuration
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Timeout:     10 * time.Second,
		MaxRetries:  2,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// feedClient GETs JSON documents with retries behind a circuit breaker.
// Reads are idempotent so retrying is safe here, unlike ledger calls.
type feedClient struct {
	httpClient     *http.Client
	cfg            FeedConfig
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *slog.Logger
}

func newFeedClient(name string, cfg FeedConfig, logger *slog.Logger) *feedClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &feedClient{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		cfg:            cfg,
		circuitBreaker: circuitbreaker.New("oracle-"+name, circuitbreaker.DefaultConfig()),
		logger:         logger,
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("feed returned status %d: %s", e.code, e.body)
}

func (c *feedClient) getJSON(ctx context.Context, rawURL string, dest interface{}) error {
	return c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
			err := c.doGet(ctx, rawURL, dest)
			if err == nil {
				return nil
			}
			lastErr = err

			var se *statusError
			if errors.As(err, &se) && se.code < 500 {
				return err
			}

			if attempt < c.cfg.MaxRetries {
				backoff := c.calculateBackoff(attempt)
				c.logger.Warn("oracle feed failed, retrying",
					"url", rawURL,
					"attempt", attempt+1,
					"max_retries", c.cfg.MaxRetries,
					"backoff", backoff,
					"error", err,
				)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
			}
		}
		return fmt.Errorf("feed failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
	})
}

func (c *feedClient) doGet(ctx context.Context, rawURL string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode feed response: %w", err)
	}
	return nil
}

func (c *feedClient) calculateBackoff(attempt int) time.Duration {
	backoff := c.cfg.BaseBackoff * time.Duration(1<<uint(attempt))
	if backoff > c.cfg.MaxBackoff {
		backoff = c.cfg.MaxBackoff
	}
	jitter := time.Duration(float64(backoff) * 0.1)
	return backoff + jitter
}

// FXProvider reads a rates document of the form
// {"base":"USD","rates":{"INR":83.12,"EUR":0.92}} and expands it into
// every cross pair.
type FXProvider struct {
	url    string
	client *feedClient
}

// NewFXProvider creates an FX rate provider
func NewFXProvider(feedURL string, cfg FeedConfig, logger *slog.Logger) *FXProvider {
	return &FXProvider{url: feedURL, client: newFeedClient("fx", cfg, logger)}
}

// Type implements Provider
func (p *FXProvider) Type() models.OracleType { return models.OracleFXRates }

// Fetch implements Provider
func (p *FXProvider) Fetch(ctx context.Context) (*models.Snapshot, error) {
	var doc struct {
		Base  string             `json:"base"`
		Rates map[string]float64 `json:"rates"`
	}
	if err := p.client.getJSON(ctx, p.url, &doc); err != nil {
		return nil, err
	}
	if doc.Base == "" || len(doc.Rates) == 0 {
		return nil, fmt.Errorf("fx feed returned no rates")
	}

	return &models.Snapshot{
		Type:      models.OracleFXRates,
		FetchedAt: time.Now(),
		FX:        crossRates(doc.Base, doc.Rates),
	}, nil
}

func crossRates(base string, rates map[string]float64) map[string]float64 {
	base = strings.ToUpper(base)
	perBase := map[string]float64{base: 1}
	for ccy, r := range rates {
		if r > 0 {
			perBase[strings.ToUpper(ccy)] = r
		}
	}

	out := make(map[string]float64, len(perBase)*len(perBase))
	for from, fromRate := range perBase {
		for to, toRate := range perBase {
			if from == to {
				continue
			}
			out[from+"/"+to] = toRate / fromRate
		}
	}
	return out
}

// WeatherProvider reads {"temperature_c":31.2,"condition":"rain"} for
// each configured zone via ?zone=<zone>.
type WeatherProvider struct {
	url    string
	zones  []string
	client *feedClient
	logger *slog.Logger
}

// NewWeatherProvider creates a weather provider for the given zones
func NewWeatherProvider(feedURL string, zones []string, cfg FeedConfig, logger *slog.Logger) *WeatherProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &WeatherProvider{url: feedURL, zones: zones, client: newFeedClient("weather", cfg, logger), logger: logger}
}

// Type implements Provider
func (p *WeatherProvider) Type() models.OracleType { return models.OracleWeather }

// Fetch implements Provider. Individual zones may fail; the fetch fails
// only if no zone could be read.
func (p *WeatherProvider) Fetch(ctx context.Context) (*models.Snapshot, error) {
	readings := make(map[string]models.WeatherReading, len(p.zones))
	var lastErr error

	for _, zone := range p.zones {
		u, err := url.Parse(p.url)
		if err != nil {
			return nil, fmt.Errorf("invalid weather feed url: %w", err)
		}
		q := u.Query()
		q.Set("zone", zone)
		u.RawQuery = q.Encode()

		var reading models.WeatherReading
		if err := p.client.getJSON(ctx, u.String(), &reading); err != nil {
			lastErr = err
			p.logger.Warn("weather zone fetch failed", "zone", zone, "error", err)
			continue
		}
		reading.Condition = strings.ToLower(reading.Condition)
		readings[strings.ToLower(zone)] = reading
	}

	if len(readings) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no weather zones configured")
		}
		return nil, lastErr
	}

	return &models.Snapshot{Type: models.OracleWeather, FetchedAt: time.Now(), Weather: readings}, nil
}

// GPSProvider reads {"locations":[{"owner_id":"..","zone":".."}]}
type GPSProvider struct {
	url    string
	client *feedClient
}

// NewGPSProvider creates a location provider
func NewGPSProvider(feedURL string, cfg FeedConfig, logger *slog.Logger) *GPSProvider {
	return &GPSProvider{url: feedURL, client: newFeedClient("gps", cfg, logger)}
}

// Type implements Provider
func (p *GPSProvider) Type() models.OracleType { return models.OracleGPS }

// Fetch implements Provider
func (p *GPSProvider) Fetch(ctx context.Context) (*models.Snapshot, error) {
	var doc struct {
		Locations []struct {
			OwnerID string `json:"owner_id"`
			Zone    string `json:"zone"`
		} `json:"locations"`
	}
	if err := p.client.getJSON(ctx, p.url, &doc); err != nil {
		return nil, err
	}

	zones := make(map[string]string, len(doc.Locations))
	for _, loc := range doc.Locations {
		if loc.OwnerID != "" && loc.Zone != "" {
			zones[loc.OwnerID] = strings.ToLower(loc.Zone)
		}
	}
	return &models.Snapshot{Type: models.OracleGPS, FetchedAt: time.Now(), GPS: zones}, nil
}
