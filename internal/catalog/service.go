package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voices/internal/bus"
	"github.com/loqalabs/loqa-voices/internal/config"
	"github.com/loqalabs/loqa-voices/internal/protocol"
	"github.com/loqalabs/loqa-voices/internal/voice"
	"github.com/nats-io/nats.go"
)

// Service answers catalog requests on the bus and announces replacements.
type Service struct {
	enabled bool
	src     config.SourceConfig
	bus     *bus.Client
	cache   *Cache
	subs    []*nats.Subscription
	unhook  func()
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, cfg config.CatalogConfig, src config.SourceConfig, busClient *bus.Client, cache *Cache, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		enabled: cfg.ServeNATS && busClient != nil,
		src:     src,
		bus:     busClient,
		cache:   cache,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "catalog-service")),
	}
}

func (s *Service) Start() error {
	if !s.enabled {
		return nil
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectCatalogGet:    s.handleGet,
		protocol.SubjectCatalogUpdate: s.handleUpdate,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.unhook = s.cache.OnReplace(s.publishUpdated)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.unhook != nil {
		s.unhook()
	}
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.enabled || len(s.subs) > 0 }

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleGet(msg *nats.Msg) {
	req := decodeRequest(msg.Data)

	cat := s.cache.Catalog()
	if cat == nil {
		s.cache.Load(s.ctx)
		s.respondError(msg, "voice catalog not loaded")
		return
	}
	records := cat.Records()
	if req.Locale != "" {
		records = cat.ByLocale(req.Locale)
	}
	text, err := voice.Encode(records)
	if err != nil {
		s.logger.Warn("failed to encode voice catalog", slogError(err))
		s.respondError(msg, err.Error())
		return
	}
	if err := msg.Respond([]byte(text)); err != nil {
		s.logger.Warn("failed to reply with voice catalog", slogError(err))
	}
}

func (s *Service) handleUpdate(msg *nats.Msg) {
	req := decodeRequest(msg.Data)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var ok bool
		select {
		case ok = <-s.cache.Update(s.ctx, s.src):
		case <-s.ctx.Done():
			return
		}
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(protocol.UpdateReply{RequestID: req.RequestID, OK: ok})
		if err != nil {
			s.logger.Warn("failed to marshal update reply", slogError(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("failed to reply to update request", slogError(err))
		}
	}()
}

func (s *Service) publishUpdated(cat *voice.Catalog) {
	if s.ctx.Err() != nil {
		return
	}
	evt := protocol.CatalogUpdated{
		Voices:    cat.Len(),
		Names:     cat.Names(),
		Locales:   cat.Locales(),
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("failed to marshal catalog update", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectCatalogUpdated, data); err != nil {
		s.logger.Warn("failed to publish catalog update", slogError(err))
	}
}

func (s *Service) respondError(msg *nats.Msg, detail string) {
	if msg.Reply == "" {
		return
	}
	reply := nats.NewMsg(msg.Reply)
	reply.Header.Set(protocol.HeaderError, detail)
	if err := msg.RespondMsg(reply); err != nil {
		s.logger.Warn("failed to send error reply", slogError(err))
	}
}

func decodeRequest(data []byte) protocol.VoicesRequest {
	var req protocol.VoicesRequest
	if len(data) > 0 {
		_ = json.Unmarshal(data, &req)
	}
	return req
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
