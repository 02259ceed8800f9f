// Package fetch discovers and downloads the daily price list files a
// retailer links from its listing page.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"price-ingest/internal/models"
	"price-ingest/internal/profile"
	"price-ingest/internal/util"
)

const defaultDateLayout = "2006-01-02"

// Options tunes the fetcher
type Options struct {
	UserAgent string
	// RequestsPerSecond is shared by every request the fetcher makes
	RequestsPerSecond float64
	Timeout           time.Duration
	// DownloadDir, when set, receives downloaded files under
	// <dir>/<RETAILER>/<date>/. Otherwise files are kept in memory.
	DownloadDir string
	Retry       util.RetryPolicy
}

// Link is one downloadable file found on a listing page
type Link struct {
	Retailer        string
	URL             string
	FileName        string
	PublicationDate time.Time
}

type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
	logger  *zap.Logger
}

// NewFetcher creates a fetcher
func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "price-ingest/1.0"
	}

	return &Fetcher{
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		opts:    opts,
		logger:  util.GetLogger(),
	}
}

// linkPattern compiles the profile's link pattern with {date} replaced by
// the formatted publication date.
func linkPattern(l profile.Listing, date time.Time) (*regexp.Regexp, error) {
	layout := l.DateLayout
	if layout == "" {
		layout = defaultDateLayout
	}
	pattern := l.LinkPattern
	if pattern == "" {
		pattern = "."
	}
	pattern = strings.ReplaceAll(pattern, "{date}", regexp.QuoteMeta(date.Format(layout)))
	return regexp.Compile(pattern)
}

// Discover lists the files linked from the retailer's listing page for date
func (f *Fetcher) Discover(ctx context.Context, p *profile.Profile, date time.Time) ([]Link, error) {
	if p.Listing.URL == "" {
		return nil, fmt.Errorf("retailer %s has no listing url", p.Code)
	}
	base, err := url.Parse(p.Listing.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid listing url for %s: %w", p.Code, err)
	}
	re, err := linkPattern(p.Listing, date)
	if err != nil {
		return nil, fmt.Errorf("invalid link pattern for %s: %w", p.Code, err)
	}

	resp, err := f.get(ctx, p.Code, p.Listing.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &models.DownloadError{Retailer: p.Code, URL: p.Listing.URL, Err: fmt.Errorf("failed to parse listing: %w", err)}
	}

	seen := make(map[string]bool)
	var links []Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || !re.MatchString(href) {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, Link{
			Retailer:        p.Code,
			URL:             abs,
			FileName:        fileNameFromURL(ref),
			PublicationDate: date,
		})
	})

	f.logger.Info("Discovered price list files",
		zap.String("retailer", p.Code),
		zap.String("date", date.Format(defaultDateLayout)),
		zap.Int("files", len(links)))
	return links, nil
}

// Download fetches one linked file
func (f *Fetcher) Download(ctx context.Context, link Link) (*models.SourceFile, error) {
	resp, err := f.get(ctx, link.Retailer, link.URL)
	if err != nil {
		util.DownloadsTotal.WithLabelValues(link.Retailer, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	name := link.FileName
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, perr := mime.ParseMediaType(cd); perr == nil && params["filename"] != "" {
			name = path.Base(params["filename"])
		}
	}
	if name == "" || name == "." || name == "/" {
		name = fmt.Sprintf("%s_%s", link.Retailer, link.PublicationDate.Format(defaultDateLayout))
	}

	file := &models.SourceFile{
		Retailer:        link.Retailer,
		FileName:        name,
		PublicationDate: link.PublicationDate,
	}

	if f.opts.DownloadDir == "" {
		file.Payload, err = io.ReadAll(resp.Body)
	} else {
		file.Path, err = f.save(resp.Body, link, name)
	}
	if err != nil {
		util.DownloadsTotal.WithLabelValues(link.Retailer, "error").Inc()
		return nil, &models.DownloadError{Retailer: link.Retailer, URL: link.URL, Err: err}
	}

	util.DownloadsTotal.WithLabelValues(link.Retailer, "ok").Inc()
	f.logger.Debug("Downloaded file", zap.String("retailer", link.Retailer), zap.String("file", name))
	return file, nil
}

// FetchDay discovers and downloads a retailer's files for date. Files that
// fail to download are logged and left out.
func (f *Fetcher) FetchDay(ctx context.Context, p *profile.Profile, date time.Time) ([]*models.SourceFile, error) {
	links, err := f.Discover(ctx, p, date)
	if err != nil {
		return nil, err
	}

	files := make([]*models.SourceFile, 0, len(links))
	for _, link := range links {
		file, err := f.Download(ctx, link)
		if err != nil {
			if ctx.Err() != nil {
				return files, ctx.Err()
			}
			f.logger.Warn("Skipping file that failed to download", zap.String("url", link.URL), zap.Error(err))
			continue
		}
		files = append(files, file)
	}
	return files, nil
}

func (f *Fetcher) save(body io.Reader, link Link, name string) (string, error) {
	dir := filepath.Join(f.opts.DownloadDir, link.Retailer, link.PublicationDate.Format(defaultDateLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	target := filepath.Join(dir, filepath.Base(name))
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to move download to %s: %w", target, err)
	}
	return target, nil
}

// get issues a rate limited GET, retrying network errors and 5xx responses.
// The caller closes the body of a successful response.
func (f *Fetcher) get(ctx context.Context, retailer, rawURL string) (*http.Response, error) {
	var resp *http.Response
	err := util.Retry(ctx, f.opts.Retry, retryableDownload, func(attempt int, err error) {
		f.logger.Warn("Retrying download", zap.String("url", rawURL), zap.Int("attempt", attempt), zap.Error(err))
	}, func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)

		r, err := f.client.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode != http.StatusOK {
			r.Body.Close()
			return &statusError{code: r.StatusCode}
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, &models.DownloadError{Retailer: retailer, URL: rawURL, Err: err}
	}
	return resp, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.code)
}

func retryableDownload(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func fileNameFromURL(u *url.URL) string {
	name := path.Base(u.Path)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if name == "." || name == "/" {
		return ""
	}
	if q := u.Query(); q.Get("title") != "" {
		return q.Get("title")
	}
	return name
}
