package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/popstellar/laocore/internal/domain/consensus"
	"github.com/popstellar/laocore/internal/domain/lao"
	"github.com/popstellar/laocore/internal/infrastructure/sse"
	"github.com/popstellar/laocore/internal/p2p/node"
	"github.com/popstellar/laocore/internal/p2p/protocol"
	"github.com/popstellar/laocore/internal/p2p/state"
)

// Server exposes the node over HTTP: envelope ingress, client intents and
// read-only views of the projections.
type Server struct {
	node    *node.Node
	hub     *sse.Hub
	metrics http.Handler
	logger  zerolog.Logger
}

func NewServer(n *node.Node, hub *sse.Hub, metrics http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		node:    n,
		hub:     hub,
		metrics: metrics,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.hub != nil {
		r.Get("/v1/events", s.streamEvents)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Route("/v1", func(r chi.Router) {
			r.Post("/messages", s.deliverMessage)
			r.Post("/publish", s.publish)
			r.Post("/witness", s.witness)
			r.Get("/backlog", s.listBacklog)

			r.Get("/laos", s.listLaos)
			r.Get("/laos/{laoId}", s.getLao)
			r.Delete("/laos/{laoId}", s.forgetLao)
			r.Post("/laos/{laoId}/subscribe", s.subscribeLao)
			r.Get("/laos/{laoId}/witness-messages", s.listWitnessMessages)
			r.Get("/laos/{laoId}/elect-instances", s.listElectInstances)
			r.Get("/laos/{laoId}/elect-instances/{electId}", s.getElectInstance)
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"public_key":    s.node.PublicKey(),
		"subscriptions": len(s.node.Subscriptions()),
		"backlog":       s.node.Backlog().Len(),
	})
}

type deliverRequest struct {
	Channel string           `json:"channel"`
	Message protocol.Message `json:"message"`
}

type resultResponse struct {
	Status    state.Status `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	MessageID string       `json:"message_id"`
	LaoID     string       `json:"lao_id,omitempty"`
	Kind      string       `json:"kind,omitempty"`
}

func (s *Server) deliverMessage(w http.ResponseWriter, r *http.Request) {
	var req deliverRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	ch, err := protocol.ParseChannel(req.Channel)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_CHANNEL", err.Error(), nil)
		return
	}
	res, err := s.node.Deliver(r.Context(), ch, req.Message)
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", req.Message.MessageID).Msg("deliver failed")
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error(), nil)
		return
	}
	out := resultResponse{
		Status:    res.Status,
		MessageID: res.MessageID,
		LaoID:     res.LaoID,
	}
	if res.Kind.Object != "" {
		out.Kind = res.Kind.String()
	}
	if res.Reason != nil {
		out.Reason = res.Reason.Error()
	}
	respondJSON(w, statusCode(res.Status), out)
}

func statusCode(st state.Status) int {
	switch st {
	case state.StatusDeferred:
		return http.StatusAccepted
	case state.StatusRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

type publishRequest struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	ch, err := protocol.ParseChannel(req.Channel)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_CHANNEL", err.Error(), nil)
		return
	}
	data, err := protocol.DecodeData(req.Data)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_DATA", err.Error(), nil)
		return
	}
	if _, ok := data.(protocol.Unrecognized); ok {
		respondError(w, http.StatusBadRequest, "INVALID_DATA", fmt.Sprintf("unsupported payload %s", data.Kind()), nil)
		return
	}
	msg, err := s.node.Publish(r.Context(), ch, data)
	if err != nil {
		respondError(w, http.StatusBadGateway, "PUBLISH_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

type witnessRequest struct {
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
}

func (s *Server) witness(w http.ResponseWriter, r *http.Request) {
	var req witnessRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	ch, err := protocol.ParseChannel(req.Channel)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_CHANNEL", err.Error(), nil)
		return
	}
	msg, err := s.node.Witness(r.Context(), ch, strings.TrimSpace(req.MessageID))
	if errors.Is(err, protocol.ErrInvalidChannel) {
		respondError(w, http.StatusBadRequest, "INVALID_CHANNEL", err.Error(), nil)
		return
	}
	if errors.Is(err, lao.ErrMessageNotFound) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "message not found", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, "PUBLISH_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

type backlogEntry struct {
	MessageID string    `json:"message_id"`
	Channel   string    `json:"channel"`
	LaoID     string    `json:"lao_id"`
	Reason    string    `json:"reason"`
	FirstSeen time.Time `json:"first_seen"`
	LastTried time.Time `json:"last_tried"`
	Attempts  int       `json:"attempts"`
}

func (s *Server) listBacklog(w http.ResponseWriter, _ *http.Request) {
	entries := s.node.Backlog().Entries()
	out := make([]backlogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, backlogEntry{
			MessageID: e.Message.MessageID,
			Channel:   e.Channel.String(),
			LaoID:     e.LaoID,
			Reason:    e.ReasonText(),
			FirstSeen: e.FirstSeen,
			LastTried: e.LastTried,
			Attempts:  e.Attempts,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) listLaos(w http.ResponseWriter, r *http.Request) {
	laos, err := s.node.Machine().Laos(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"laos": laos})
}

func (s *Server) loadLao(w http.ResponseWriter, r *http.Request) (*lao.Lao, bool) {
	laoID := strings.TrimSpace(chi.URLParam(r, "laoId"))
	l, err := s.node.Machine().Lao(r.Context(), laoID)
	if errors.Is(err, lao.ErrNotFound) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "lao not found", nil)
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error(), nil)
		return nil, false
	}
	return l, true
}

func (s *Server) getLao(w http.ResponseWriter, r *http.Request) {
	if l, ok := s.loadLao(w, r); ok {
		respondJSON(w, http.StatusOK, l)
	}
}

func (s *Server) listWitnessMessages(w http.ResponseWriter, r *http.Request) {
	l, ok := s.loadLao(w, r)
	if !ok {
		return
	}
	out := make([]*lao.WitnessMessage, 0, len(l.WitnessMessages))
	for _, wm := range l.WitnessMessages {
		out = append(out, wm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	respondJSON(w, http.StatusOK, map[string]any{
		"lao_id":           l.ID,
		"witness_messages": out,
	})
}

func (s *Server) listElectInstances(w http.ResponseWriter, r *http.Request) {
	laoID := strings.TrimSpace(chi.URLParam(r, "laoId"))
	items, err := s.node.Machine().ElectInstances(r.Context(), laoID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"lao_id":          laoID,
		"elect_instances": items,
	})
}

func (s *Server) getElectInstance(w http.ResponseWriter, r *http.Request) {
	laoID := strings.TrimSpace(chi.URLParam(r, "laoId"))
	electID := strings.TrimSpace(chi.URLParam(r, "electId"))
	e, err := s.node.Machine().ElectInstance(r.Context(), laoID, electID)
	if errors.Is(err, consensus.ErrNotFound) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "elect instance not found", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) subscribeLao(w http.ResponseWriter, r *http.Request) {
	laoID := strings.TrimSpace(chi.URLParam(r, "laoId"))
	if laoID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "lao id is required", nil)
		return
	}
	// subscriptions outlive the request
	ctx := context.WithoutCancel(r.Context())
	for _, ch := range []protocol.Channel{protocol.LaoChannel(laoID), protocol.ConsensusChannel(laoID)} {
		if err := s.node.Subscribe(ctx, ch); err != nil {
			respondError(w, http.StatusBadGateway, "SUBSCRIBE_FAILED", err.Error(), nil)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"lao_id": laoID, "status": "SUBSCRIBED"})
}

func (s *Server) forgetLao(w http.ResponseWriter, r *http.Request) {
	laoID := strings.TrimSpace(chi.URLParam(r, "laoId"))
	if err := s.node.Unsubscribe(r.Context(), laoID); err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"lao_id": laoID, "status": "FORGOTTEN"})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	client := sse.NewClient(strings.TrimSpace(r.URL.Query().Get("lao_id")), 0)
	s.hub.Register(client)
	defer s.hub.Unregister(client.ClientID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case ev, ok := <-client.Events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", ev.Type, ev.ID, payload)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}
