package fetch

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/loqalabs/loqa-voices/internal/config"
)

const maxCatalogBytes = 16 << 20

type httpFetcher struct {
	client *http.Client
}

// NewHTTPFetcher fetches the catalog with a GET on src.Endpoint. A nil client
// uses http.DefaultClient.
func NewHTTPFetcher(client *http.Client) Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpFetcher{client: client}
}

func (f *httpFetcher) RequestVoices(ctx context.Context, src config.SourceConfig) (string, error) {
	reqCtx, cancel := withTimeout(ctx, src)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src.Endpoint, nil)
	if err != nil {
		return "", transportError("build request: %v", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Encoding", "zstd, gzip")
	if src.APIKey != "" {
		header := src.APIKeyHeader
		if header == "" {
			header = "Authorization"
		}
		value := src.APIKey
		if strings.EqualFold(header, "Authorization") && !strings.Contains(value, " ") {
			value = "Bearer " + value
		}
		httpReq.Header.Set(header, value)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return "", transportError("%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", transportError("provider returned status %s", resp.Status)
	}

	body, err := readBody(resp)
	if err != nil {
		return "", transportError("read body: %v", err)
	}
	if len(body) > maxCatalogBytes {
		return "", transportError("catalog exceeds %d MiB", maxCatalogBytes>>20)
	}
	return requireBody(body)
}

// readBody decodes zstd and gzip bodies. The transport leaves both alone once
// Accept-Encoding is set explicitly. At most one byte past the limit is read.
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		r = dec
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(io.LimitReader(r, maxCatalogBytes+1))
}
