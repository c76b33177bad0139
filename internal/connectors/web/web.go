// Package web is a connector that crawls a site and yields one document per
// HTML page.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/connectors"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

// Connector config keys.
const (
	ConfigBaseURL  = "base_url"
	ConfigType     = "web_connector_type"
	ConfigMaxDepth = "max_depth"
)

// Crawl modes.
const (
	TypeRecursive = "recursive"
	TypeSingle    = "single"
)

const (
	defaultMaxDepth  = 3
	defaultBatchSize = 16
	userAgent        = "index-scheduler-web-connector/1.0"
)

// Elements that never carry page content.
const boilerplateSelector = "script, style, noscript, nav, footer, header, iframe, svg"

var whitespaceRegex = regexp.MustCompile(`\s+`)

var errStopped = errors.New("crawl stopped")

// Connector crawls from a base URL within its host.
type Connector struct {
	baseURL   *url.URL
	recursive bool
	maxDepth  int
	batchSize int
}

var _ connectors.Source = (*Connector)(nil)

// New is a connectors.Factory.
func New(connector *domain.Connector, _ *domain.Credential, batchSize int) (connectors.Source, error) {
	raw := connector.ConnectorSpecificConfig.String(ConfigBaseURL)
	if raw == "" {
		return nil, fmt.Errorf("missing %s", ConfigBaseURL)
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ConfigBaseURL, err)
	}

	mode := connector.ConnectorSpecificConfig.String(ConfigType)
	if mode == "" {
		mode = TypeRecursive
	}
	if mode != TypeRecursive && mode != TypeSingle {
		return nil, fmt.Errorf("unsupported %s %q", ConfigType, mode)
	}

	maxDepth := defaultMaxDepth
	if v, ok := connector.ConnectorSpecificConfig[ConfigMaxDepth]; ok {
		maxDepth, err = parseDepth(v)
		if err != nil {
			return nil, err
		}
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	return &Connector{
		baseURL:   base,
		recursive: mode == TypeRecursive,
		maxDepth:  maxDepth,
		batchSize: batchSize,
	}, nil
}

func parseDepth(v any) (int, error) {
	switch d := v.(type) {
	case float64:
		return int(d), nil
	case int:
		return d, nil
	case string:
		n, err := strconv.Atoi(d)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", ConfigMaxDepth, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid %s type %T", ConfigMaxDepth, v)
	}
}

// Poll crawls the site and emits pages in batches. Web pages carry no
// reliable update time so the window is ignored and every poll is a full crawl.
func (c *Connector) Poll(ctx context.Context, _ connectors.Window, emit connectors.EmitFunc) error {
	depth := c.maxDepth
	if !c.recursive {
		depth = 1
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(c.baseURL.Hostname()),
		colly.MaxDepth(depth),
		colly.UserAgent(userAgent),
	)

	var (
		mu       sync.Mutex
		batch    []domain.Document
		emitErr  error
		crawlErr error
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		docs := batch
		batch = nil
		return emit(ctx, docs)
	}

	collector.OnRequest(func(r *colly.Request) {
		mu.Lock()
		defer mu.Unlock()
		if emitErr != nil || ctx.Err() != nil {
			r.Abort()
		}
	})

	collector.OnHTML("html", func(e *colly.HTMLElement) {
		doc, ok := pageDocument(e.Request.URL.String(), e.DOM)
		if !ok {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if emitErr != nil {
			return
		}
		batch = append(batch, doc)
		if len(batch) >= c.batchSize {
			emitErr = flush()
		}
	})

	if c.recursive {
		collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
			link := e.Request.AbsoluteURL(e.Attr("href"))
			if link == "" {
				return
			}
			// Visit errors are expected for already visited and off-site links.
			_ = e.Request.Visit(stripFragment(link))
		})
	}

	log := logger.FromContext(ctx)
	collector.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		// Only an unreachable start page fails the poll.
		if r.Request.Depth == 1 && crawlErr == nil {
			crawlErr = fmt.Errorf("fetch %s: %w", r.Request.URL, err)
			return
		}
		log.Debug("Skipping unreachable page",
			logger.String("url", r.Request.URL.String()),
			logger.Int("status", r.StatusCode),
			logger.Error(err),
		)
	})

	if err := collector.Visit(c.baseURL.String()); err != nil {
		return fmt.Errorf("start crawl at %s: %w", c.baseURL, err)
	}
	collector.Wait()

	mu.Lock()
	defer mu.Unlock()
	switch {
	case emitErr != nil:
		return emitErr
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", errStopped, ctx.Err())
	case crawlErr != nil:
		return crawlErr
	}
	return flush()
}

// pageDocument turns a parsed page into a document. Pages without text are
// skipped.
func pageDocument(link string, page *goquery.Selection) (domain.Document, bool) {
	title := strings.TrimSpace(page.Find("title").First().Text())

	body := page.Find("body")
	if body.Length() == 0 {
		body = page
	}
	body = body.Clone()
	body.Find(boilerplateSelector).Remove()

	text := strings.TrimSpace(whitespaceRegex.ReplaceAllString(body.Text(), " "))
	if text == "" {
		return domain.Document{}, false
	}
	if title == "" {
		title = link
	}

	return domain.Document{
		ID:         link,
		SemanticID: title,
		Source:     domain.SourceWeb,
		Sections:   []domain.Section{{Link: link, Text: text}},
		IsPublic:   true,
	}, true
}

func stripFragment(link string) string {
	if i := strings.IndexByte(link, '#'); i >= 0 {
		return link[:i]
	}
	return link
}
