package catalog

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voices/internal/bus"
	"github.com/loqalabs/loqa-voices/internal/config"
	"github.com/loqalabs/loqa-voices/internal/natsserver"
	"github.com/loqalabs/loqa-voices/internal/protocol"
	"github.com/loqalabs/loqa-voices/internal/voice"
	"github.com/nats-io/nats.go"
)

const mixedJSON = `{"en_US":[{"name":"Bob","locale":"en_US","gender":"male","styles":[]}],"de_DE":[{"name":"Katja","locale":"de_DE","gender":"female","styles":["chat"]}]}`

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestServiceDisabledWithoutBus(t *testing.T) {
	c := newCache(t, &fakeFetcher{}, newStore(t), nil)
	svc := NewService(context.Background(), config.CatalogConfig{ServeNATS: true}, config.SourceConfig{}, nil, c, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatal("disabled service should report healthy")
	}
}

func TestServiceGetAndUpdate(t *testing.T) {
	client := startBus(t)
	c := newCache(t, &fakeFetcher{text: mixedJSON}, newStore(t), nil)
	svc := NewService(context.Background(), config.CatalogConfig{ServeNATS: true}, config.SourceConfig{Mode: "mock"}, client, c, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	conn := client.Conn()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := conn.RequestWithContext(ctx, protocol.SubjectCatalogGet, nil)
	if err != nil {
		t.Fatalf("get before load: %v", err)
	}
	if reply.Header.Get(protocol.HeaderError) == "" {
		t.Fatal("expected error header before the catalog is loaded")
	}

	updates := make(chan *nats.Msg, 1)
	sub, err := conn.ChanSubscribe(protocol.SubjectCatalogUpdated, updates)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	reqData, _ := json.Marshal(protocol.VoicesRequest{RequestID: "req-42"})
	reply, err = conn.RequestWithContext(ctx, protocol.SubjectCatalogUpdate, reqData)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	var upd protocol.UpdateReply
	if err := json.Unmarshal(reply.Data, &upd); err != nil {
		t.Fatalf("decode update reply: %v", err)
	}
	if !upd.OK || upd.RequestID != "req-42" {
		t.Fatalf("unexpected update reply %+v", upd)
	}

	select {
	case msg := <-updates:
		var evt protocol.CatalogUpdated
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			t.Fatalf("decode catalog update: %v", err)
		}
		if evt.Voices != 2 || !slices.Equal(evt.Locales, []string{"en_US", "de_DE"}) {
			t.Fatalf("unexpected catalog update %+v", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no catalog update published")
	}

	reply, err = conn.RequestWithContext(ctx, protocol.SubjectCatalogGet, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res, err := voice.Decode(string(reply.Data), newLogger())
	if err != nil {
		t.Fatalf("decode catalog reply: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 voices, got %d", len(res.Records))
	}

	reqData, _ = json.Marshal(protocol.VoicesRequest{Locale: "de_DE"})
	reply, err = conn.RequestWithContext(ctx, protocol.SubjectCatalogGet, reqData)
	if err != nil {
		t.Fatalf("get by locale: %v", err)
	}
	res, err = voice.Decode(string(reply.Data), newLogger())
	if err != nil {
		t.Fatalf("decode catalog reply: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].Name != "Katja" {
		t.Fatalf("unexpected filtered voices %+v", res.Records)
	}
}

func TestServiceStopsAnnouncingAfterClose(t *testing.T) {
	client := startBus(t)
	c := newCache(t, &fakeFetcher{text: mixedJSON}, newStore(t), nil)
	svc := NewService(context.Background(), config.CatalogConfig{ServeNATS: true}, config.SourceConfig{}, client, c, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	svc.Close()

	updates := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectCatalogUpdated, updates)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if !wait(t, c.Update(context.Background(), config.SourceConfig{})) {
		t.Fatal("expected update to succeed")
	}
	select {
	case msg := <-updates:
		t.Fatalf("closed service announced a replacement: %s", msg.Data)
	case <-time.After(300 * time.Millisecond):
	}
}
