package fetch

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-voices/internal/config"
)

const defaultMockDocument = `{"en_US":[{"name":"Aria","locale":"en_US","gender":"female","styles":["chat","cheerful"]},{"name":"Guy","locale":"en_US","gender":"male","styles":["newscast"]}]}`

type mockFetcher struct{}

// NewMockFetcher serves src.MockDocument, or fails with src.MockError.
func NewMockFetcher() Fetcher { return &mockFetcher{} }

func (m *mockFetcher) RequestVoices(ctx context.Context, src config.SourceConfig) (string, error) {
	select {
	case <-ctx.Done():
		return "", transportError("%v", ctx.Err())
	case <-time.After(20 * time.Millisecond):
	}
	if src.MockError != "" {
		return "", transportError("%s", src.MockError)
	}
	if src.MockDocument != "" {
		return src.MockDocument, nil
	}
	return defaultMockDocument, nil
}
