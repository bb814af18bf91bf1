// Package lrs retrieves xAPI statements from a remote learning record store.
package lrs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"lrs-analytics/internal/components/assert"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/internal/statement"
	"lrs-analytics/lib/restyutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const (
	report_client_fetch_all  = "client.fetch-all"
	report_client_fetch_page = "client.fetch-page"
)

const DefaultStatementsPath = "/watershed/api/organizations/{org_id}/lrs/statements"

var tracer = otel.Tracer("lrs-analytics/internal/lrs")

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Config is everything needed to talk to one LRS organization.
type Config struct {
	Endpoint string `json:"endpoint"`
	OrgId    string `json:"org_id"`

	// StatementsPath is resolved against Endpoint, `{org_id}` is substituted.
	StatementsPath string      `json:"statements_path"`
	Credentials    Credentials `json:"credentials"`
	PageSize       int         `json:"page_size"`
	TimeoutSeconds int         `json:"timeout_seconds"`

	// Retries is the number of extra attempts per page, a negative value disables retrying.
	Retries           int     `json:"retries"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	CloudflareBypass  bool    `json:"cloudflare_bypass"`

	// DumpDir, when set, receives every raw exchange with the LRS for debugging.
	DumpDir string `json:"dump_dir"`
}

// WithDefaults fills every unset optional field.
func (c Config) WithDefaults() Config {
	if c.StatementsPath == "" {
		c.StatementsPath = DefaultStatementsPath
	}
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 30
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 4
	}
	return c
}

// TransportError aborts a whole fetch. It carries the page and watermark of the
// failed run so the caller can restart from the same watermark.
type TransportError struct {
	Page       int
	Watermark  time.Time
	Url        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	watermark := "none"
	if !e.Watermark.IsZero() {
		watermark = e.Watermark.UTC().Format(time.RFC3339)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf(
			"lrs: fetch failed on page %d (watermark %s): %s returned status %d",
			e.Page, watermark, e.Url, e.StatusCode,
		)
	}
	return fmt.Sprintf(
		"lrs: fetch failed on page %d (watermark %s): %s: %v",
		e.Page, watermark, e.Url, e.Err,
	)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type page struct {
	Statements []statement.Raw `json:"statements"`
	More       *string         `json:"more"`
}

// Client fetches statements page by page. Pages are always requested sequentially,
// a continuation reference is only known once the previous page has arrived.
type Client struct {
	base           *url.URL
	statementsPath string
	pageSize       int
	http           *resty.Client
	tel            telemetry.API
}

func NewClient(config Config, tel telemetry.API) (*Client, error) {
	assert.NotNil(tel)
	config = config.WithDefaults()

	if config.Endpoint == "" {
		return nil, fmt.Errorf("lrs: endpoint is required")
	}
	base, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("lrs: invalid endpoint: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("lrs: endpoint must be absolute, got %q", config.Endpoint)
	}

	tel = telemetry.NewScopedAPI("lrs", tel)

	httpClient := resty.New()
	if config.CloudflareBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}
	httpClient.SetHeader("Accept", "application/json")
	httpClient.SetHeader("X-Experience-API-Version", "1.0.3")
	if config.Credentials.Username != "" || config.Credentials.Password != "" {
		httpClient.SetBasicAuth(config.Credentials.Username, config.Credentials.Password)
	}
	httpClient.SetTimeout(time.Duration(config.TimeoutSeconds) * time.Second)

	httpClient.SetRetryCount(max(config.Retries, 0))
	httpClient.SetRetryWaitTime(500 * time.Millisecond)
	httpClient.SetRetryMaxWaitTime(10 * time.Second)
	httpClient.AddRetryCondition(func(res *resty.Response, err error) bool {
		if err != nil {
			return !errors.Is(err, context.Canceled)
		}
		code := res.StatusCode()
		return code == http.StatusTooManyRequests || code >= 500
	})

	limiter := rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, "lrs-analytics/internal/lrs/http", tel)
	if config.DumpDir != "" {
		output, err := restyutil.NewFilesystemOutput(config.DumpDir)
		if err != nil {
			return nil, fmt.Errorf("lrs: dump dir: %w", err)
		}
		restyutil.Dump(httpClient, output)
	}

	return &Client{
		base:           base,
		statementsPath: strings.ReplaceAll(config.StatementsPath, "{org_id}", url.PathEscape(config.OrgId)),
		pageSize:       config.PageSize,
		http:           httpClient,
		tel:            tel,
	}, nil
}

// FetchAll requests every statement stored since the watermark (inclusive). A zero
// since fetches everything. The first failed page aborts the fetch and nothing is returned.
func (c *Client) FetchAll(ctx context.Context, since time.Time, pageSize int) ([]statement.Raw, error) {
	ctx, span := tracer.Start(ctx, "Client:FetchAll")
	defer span.End()

	if pageSize <= 0 {
		pageSize = c.pageSize
	}

	first, err := c.base.Parse(c.statementsPath)
	if err != nil {
		return nil, fmt.Errorf("lrs: build statements url: %w", err)
	}
	query := first.Query()
	query.Set("limit", strconv.Itoa(pageSize))
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339))
	}
	first.RawQuery = query.Encode()

	var all []statement.Raw
	next := first.String()
	pageNo := 0
	for next != "" {
		pageNo++
		res, err := c.fetchPage(ctx, next)
		if err != nil {
			terr := &TransportError{
				Page:      pageNo,
				Watermark: since,
				Url:       next,
				Err:       err,
			}
			var statusErr statusError
			if errors.As(err, &statusErr) {
				terr.StatusCode = int(statusErr)
			}
			c.tel.ReportBroken(report_client_fetch_all, terr)
			span.RecordError(terr)
			span.SetStatus(codes.Error, "fetch failed")
			return nil, terr
		}
		all = append(all, res.Statements...)
		c.tel.ReportDebug(report_client_fetch_page, pageNo, len(res.Statements))

		next = ""
		if res.More != nil && strings.TrimSpace(*res.More) != "" {
			resolved, err := c.base.Parse(strings.TrimSpace(*res.More))
			if err != nil {
				terr := &TransportError{
					Page:      pageNo,
					Watermark: since,
					Url:       *res.More,
					Err:       fmt.Errorf("invalid continuation reference: %w", err),
				}
				c.tel.ReportBroken(report_client_fetch_all, terr)
				return nil, terr
			}
			next = resolved.String()
		}
	}

	span.SetAttributes(
		attribute.Int("pages", pageNo),
		attribute.Int("statements", len(all)),
	)
	c.tel.ReportCount("client.pages", int64(pageNo))
	c.tel.ReportCount("client.statements", int64(len(all)))

	return all, nil
}

type statusError int

func (e statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", int(e))
}

func (c *Client) fetchPage(ctx context.Context, pageUrl string) (page, error) {
	res, err := c.http.R().
		SetContext(ctx).
		Get(pageUrl)
	if err != nil {
		return page{}, err
	}
	if res.StatusCode() < 200 || res.StatusCode() >= 300 {
		return page{}, statusError(res.StatusCode())
	}

	var out page
	err = json.Unmarshal(res.Body(), &out)
	if err != nil {
		c.tel.ReportBroken(report_client_fetch_page, fmt.Errorf("decode: %w", err), pageUrl)
		return page{}, fmt.Errorf("decode page: %w", err)
	}
	return out, nil
}
