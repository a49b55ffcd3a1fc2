// Package rasterizer converts PDFs into one PNG per page through PDF.co.
package rasterizer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/timmy/claimflow/internal/domain"
	"github.com/timmy/claimflow/internal/logger"
)

// Config holds configuration for the PDF.co client.
type Config struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	PageFetchRetries int
}

// Client drives the presign, upload, convert sequence and fetches the resulting pages.
type Client struct {
	api     *resty.Client
	fetcher *resty.Client
	baseURL string
}

// New creates a PDF.co client.
func New(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.pdf.co/v1"
	}

	apiClient := resty.New().
		SetTimeout(timeout).
		SetHeader("x-api-key", cfg.APIKey)

	// Page URLs point at PDF.co's own storage and must not receive the API key.
	fetcher := resty.New().
		SetTimeout(timeout).
		SetRetryCount(cfg.PageFetchRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	return &Client{api: apiClient, fetcher: fetcher, baseURL: baseURL}
}

type presignResponse struct {
	PresignedURL string `json:"presignedUrl"`
	URL          string `json:"url"`
	Error        bool   `json:"error"`
	Message      string `json:"message"`
}

type convertRequest struct {
	URL   string `json:"url"`
	Name  string `json:"name"`
	Async bool   `json:"async"`
	Pages string `json:"pages"`
}

type convertResponse struct {
	URLs      []string `json:"urls"`
	PageCount int      `json:"pageCount"`
	Error     bool     `json:"error"`
	Message   string   `json:"message"`
	Status    int      `json:"status"`
	Credits   int      `json:"credits"`
	Remaining int      `json:"remainingCredits"`
}

// Rasterize uploads the PDF and converts every page, returning the page image
// URLs in page order. Zero URLs is a conversion failure.
func (c *Client) Rasterize(ctx context.Context, name string, pdf []byte) ([]string, error) {
	var slot presignResponse
	resp, err := c.api.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"contenttype": "application/octet-stream",
			"name":        name,
		}).
		SetResult(&slot).
		Get(c.baseURL + "/file/upload/get-presigned-url")
	if err != nil {
		return nil, domain.NewUpstreamError("request upload slot", err)
	}
	if resp.IsError() || slot.Error || slot.PresignedURL == "" {
		return nil, domain.NewUpstreamError("request upload slot", statusError(resp, slot.Message))
	}

	resp, err = c.fetcher.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(pdf).
		Put(slot.PresignedURL)
	if err != nil {
		return nil, domain.NewUpstreamError("upload pdf", err)
	}
	if resp.IsError() {
		return nil, domain.NewUpstreamError("upload pdf", statusError(resp, ""))
	}

	var conv convertResponse
	resp, err = c.api.R().
		SetContext(ctx).
		SetBody(convertRequest{URL: slot.URL, Name: name, Async: false, Pages: "0-"}).
		SetResult(&conv).
		SetError(&conv).
		Post(c.baseURL + "/pdf/convert/to/png")
	if err != nil {
		return nil, domain.NewUpstreamError("convert pdf", err)
	}
	if resp.StatusCode() >= 500 {
		return nil, domain.NewUpstreamError("convert pdf", statusError(resp, conv.Message))
	}
	if resp.IsError() || conv.Error {
		return nil, domain.NewConversionError("convert pdf", statusError(resp, conv.Message))
	}
	if len(conv.URLs) == 0 {
		return nil, domain.NewConversionError("", domain.ErrNoImages)
	}

	logger.With(logger.Fields{logger.FieldComponent: "rasterizer", "credits": conv.Credits}).
		WithCount(len(conv.URLs)).
		Info(ctx, "PDF converted")

	return conv.URLs, nil
}

// FetchPage downloads one converted page, retrying transient failures.
func (c *Client) FetchPage(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.fetcher.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, domain.NewUpstreamError("fetch page image", err)
	}
	if resp.IsError() {
		return nil, domain.NewUpstreamError("fetch page image", statusError(resp, ""))
	}
	if len(resp.Body()) == 0 {
		return nil, domain.NewUpstreamError("fetch page image", fmt.Errorf("empty body from %s", url))
	}
	return resp.Body(), nil
}

// CountPages reads the page count locally without calling PDF.co.
func (c *Client) CountPages(pdf []byte) (int, error) {
	return CountPages(pdf)
}

// CountPages reads the page count of a PDF with pdfcpu.
func CountPages(pdf []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(pdf), conf)
	if err != nil {
		return 0, fmt.Errorf("read pdf page count: %w", err)
	}
	return n, nil
}

func statusError(resp *resty.Response, message string) error {
	if message != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode(), message)
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode())
}
