package fetch

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voices/internal/bus"
	"github.com/loqalabs/loqa-voices/internal/config"
	"github.com/loqalabs/loqa-voices/internal/protocol"
)

type natsFetcher struct {
	bus *bus.Client
}

// NewNATSFetcher requests the catalog over the bus on src.Subject. Providers
// reply with the catalog document, or an empty body and a Loqa-Error header.
func NewNATSFetcher(busClient *bus.Client) Fetcher {
	return &natsFetcher{bus: busClient}
}

func (f *natsFetcher) RequestVoices(ctx context.Context, src config.SourceConfig) (string, error) {
	reqCtx, cancel := withTimeout(ctx, src)
	defer cancel()

	payload, err := json.Marshal(protocol.VoicesRequest{RequestID: uuid.NewString()})
	if err != nil {
		return "", transportError("marshal request: %v", err)
	}

	reply, err := f.bus.Request(reqCtx, src.Subject, payload)
	if err != nil {
		return "", transportError("request %s: %v", src.Subject, err)
	}
	if reply.Header != nil {
		if desc := reply.Header.Get(protocol.HeaderError); desc != "" {
			return "", transportError("provider error: %s", desc)
		}
	}
	return requireBody(reply.Data)
}
