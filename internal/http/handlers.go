package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/dispatcherr"
	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/ingest"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/notify"
	"github.com/example/service-dispatch/internal/store"
	"github.com/example/service-dispatch/internal/track"
)

// callerHeader carries the authenticated caller ID, injected by the identity
// layer in front of this service. The engine trusts it and never verifies
// credentials itself.
const callerHeader = "X-Caller-ID"

type Server struct {
	Coordinator *dispatch.Coordinator
	Tracker     *track.Tracker
	Geo         geo.Geo
	WSReg       *notify.WSRegistry
	Hub         *track.Hub
	Producer    *ingest.KafkaProducer

	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router
}

// NewServerFromConfig wires the full engine: Redis geo and Postgres when
// configured, in-memory fallbacks otherwise, Kafka position publishing when
// brokers are set.
func NewServerFromConfig(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var g geo.Geo
	if cfg.RedisAddr != "" {
		g = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		g = geo.NewIndex()
	}

	var st store.Store
	if cfg.PGDSN != "" {
		ps, err := store.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		st = ps
	} else {
		st = store.NewMemoryStore()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	wsreg := notify.NewWSRegistry()
	transport := &notify.FallbackTransport{WS: wsreg, Push: notify.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey)}
	fanout := notify.NewFanout(st, transport, logger)

	coord := &dispatch.Coordinator{
		Geo:            g,
		Requests:       st,
		Locations:      st,
		Notifier:       st,
		Fanout:         fanout,
		Logger:         logger,
		DefaultRadiusM: cfg.DefaultRadiusM,
		CandidateLimit: cfg.CandidateLimit,
		CreateTimeout:  cfg.CreateTimeout,
		RespondTimeout: cfg.RespondTimeout,
	}
	hub := track.NewHub()
	tracker := &track.Tracker{Requests: st, Locations: st, Hub: hub, Logger: logger}
	if producer != nil {
		tracker.Publisher = producer
	}
	return NewServer(coord, tracker, g, wsreg, hub, producer, logger), nil
}

func NewServer(coord *dispatch.Coordinator, tracker *track.Tracker, g geo.Geo,
	wsreg *notify.WSRegistry, hub *track.Hub, producer *ingest.KafkaProducer, logger *slog.Logger) *Server {
	s := &Server{
		Coordinator: coord,
		Tracker:     tracker,
		Geo:         g,
		WSReg:       wsreg,
		Hub:         hub,
		Producer:    producer,
		logger:      logger,
		validate:    validator.New(),
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/respond", s.handleRespond).Methods("POST")
	api.HandleFunc("/requests/{id}/transition", s.handleTransition).Methods("POST")
	api.HandleFunc("/requests/{id}/redispatch", s.handleRedispatch).Methods("POST")
	api.HandleFunc("/requests/{id}/position", s.handleReportPosition).Methods("POST")
	api.HandleFunc("/requests/{id}/location", s.handleGetLocation).Methods("GET")
	api.HandleFunc("/requests/{id}/location", s.handleStopTracking).Methods("DELETE")
	api.HandleFunc("/providers/{id}/availability", s.handleAvailability).Methods("PUT")
	api.HandleFunc("/providers/{id}/location", s.handleProviderLocation).Methods("POST")

	s.mux.HandleFunc("/ws/providers/{id}", s.handleProviderWS)
	s.mux.HandleFunc("/ws/requests/{id}/location", s.handleLocationWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body createRequestBody
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.Coordinator.CreateRequest(r.Context(), caller, body.Category,
		models.Coord{Lat: body.Lat, Lng: body.Lng}, body.RadiusM, body.Detail)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createResponse{Success: true, CreateResult: res})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Coordinator.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body respondBody
	if !s.decode(w, r, &body) {
		return
	}
	req, err := s.Coordinator.Respond(r.Context(), mux.Vars(r)["id"], caller, dispatch.Action(body.Action))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, requestResponse{Success: true, Request: req})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body transitionBody
	if !s.decode(w, r, &body) {
		return
	}
	req, err := s.Coordinator.Transition(r.Context(), mux.Vars(r)["id"], caller, dispatch.Action(body.Action))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, requestResponse{Success: true, Request: req})
}

func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	res, err := s.Coordinator.Redispatch(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, createResponse{Success: true, CreateResult: res})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	providerID := mux.Vars(r)["id"]
	if caller != providerID {
		s.writeError(w, dispatcherr.New(dispatcherr.KindForbidden, "caller may only toggle their own availability"))
		return
	}
	var body availabilityBody
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.Coordinator.SetProviderOnline(r.Context(), providerID, body.Online); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProviderLocation is the provider heartbeat: updates the geo index
// directly and, when Kafka is configured, publishes the event for other
// consumers of the position stream.
func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	providerID := mux.Vars(r)["id"]
	if caller != providerID {
		s.writeError(w, dispatcherr.New(dispatcherr.KindForbidden, "caller may only report their own position"))
		return
	}
	var body providerLocationBody
	if !s.decode(w, r, &body) {
		return
	}
	p := models.Provider{
		ID:       providerID,
		Category: body.Category,
		Loc:      models.Coord{Lat: body.Lat, Lng: body.Lng},
		Online:   true,
	}
	// A heartbeat must not clear the busy flag the coordinator set. A failed
	// lookup aborts the heartbeat rather than defaulting busy to false.
	cur, found, err := s.Geo.Get(r.Context(), providerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if found {
		p.Busy = cur.Busy
	}
	if err := s.Geo.Upsert(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	if s.Producer != nil {
		ev := models.PositionEvent{ProviderID: p.ID, Category: p.Category, Loc: p.Loc, Online: true, Busy: p.Busy, At: p.Updated}
		if err := s.Producer.PublishPosition(ev); err != nil {
			s.logger.Warn("position publish failed", "provider_id", providerID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReportPosition(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body positionBody
	if !s.decode(w, r, &body) {
		return
	}
	err := s.Tracker.ReportPosition(r.Context(), mux.Vars(r)["id"], caller, models.Coord{Lat: body.Lat, Lng: body.Lng})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	loc, found, err := s.Tracker.GetPosition(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusOK, locationResponse{Found: false})
		return
	}
	s.writeJSON(w, http.StatusOK, locationResponse{Found: true, Location: &loc})
}

func (s *Server) handleStopTracking(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.Tracker.StopTracking(r.Context(), mux.Vars(r)["id"], caller); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleProviderWS attaches a provider's offer socket. Offers for new
// requests are pushed here first, with the HTTP push gateway as fallback.
func (s *Server) handleProviderWS(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	providerID := mux.Vars(r)["id"]
	if caller != providerID {
		s.writeError(w, dispatcherr.New(dispatcherr.KindForbidden, "caller may only open their own socket"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSReg.Add(providerID, conn)
	go func() {
		defer s.WSReg.Remove(providerID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleLocationWS streams live position updates for a request to its
// requester or assigned provider.
func (s *Server) handleLocationWS(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	requestID := mux.Vars(r)["id"]
	if err := s.Tracker.Subscribe(r.Context(), requestID, caller); err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := s.Hub.Subscribe(requestID, conn)
	go func() {
		defer s.Hub.Unsubscribe(requestID, sub)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := r.Header.Get(callerHeader)
	if caller == "" {
		s.writeError(w, dispatcherr.New(dispatcherr.KindForbidden, "missing caller identity"))
		return "", false
	}
	return caller, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, dispatcherr.Wrap(dispatcherr.KindInvalidInput, "malformed request body", err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, dispatcherr.Wrap(dispatcherr.KindInvalidInput, "invalid request body", err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := dispatcherr.KindOf(err)
	s.writeJSON(w, statusForKind(kind), map[string]any{
		"success": false,
		"error":   string(kind),
		"message": dispatcherr.Message(err),
	})
}

func statusForKind(kind dispatcherr.Kind) int {
	switch kind {
	case dispatcherr.KindInvalidInput:
		return http.StatusBadRequest
	case dispatcherr.KindForbidden:
		return http.StatusForbidden
	case dispatcherr.KindNotFound:
		return http.StatusNotFound
	case dispatcherr.KindInvalidTransition, dispatcherr.KindAlreadyAssigned:
		return http.StatusConflict
	case dispatcherr.KindQueryFailure, dispatcherr.KindStoreFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
