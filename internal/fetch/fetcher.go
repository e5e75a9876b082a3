package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voices/internal/bus"
	"github.com/loqalabs/loqa-voices/internal/config"
)

// ErrTransport wraps every failure to obtain a catalog from the provider.
var ErrTransport = errors.New("voice provider request failed")

// Fetcher retrieves the raw voice catalog document from a remote provider.
// A nil error always comes with non-empty text.
type Fetcher interface {
	RequestVoices(ctx context.Context, src config.SourceConfig) (string, error)
}

// New selects the fetcher for src.Mode. busClient is only required for nats.
func New(src config.SourceConfig, busClient *bus.Client) (Fetcher, error) {
	switch src.Mode {
	case "http":
		return NewHTTPFetcher(nil), nil
	case "nats":
		if busClient == nil {
			return nil, errors.New("nats voice source requires bus client")
		}
		return NewNATSFetcher(busClient), nil
	case "exec":
		return NewExecFetcher(), nil
	case "mock":
		return NewMockFetcher(), nil
	default:
		return nil, fmt.Errorf("unknown voice source mode %q", src.Mode)
	}
}

func withTimeout(ctx context.Context, src config.SourceConfig) (context.Context, context.CancelFunc) {
	if src.TimeoutMS <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(src.TimeoutMS)*time.Millisecond)
}

func transportError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransport, fmt.Sprintf(format, args...))
}

func requireBody(body []byte) (string, error) {
	if len(body) == 0 {
		return "", transportError("provider returned an empty body")
	}
	return string(body), nil
}
