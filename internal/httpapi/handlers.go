package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracker"
)

// Server wires the coordinator's components behind the HTTP API.
type Server struct {
	Rides    *rides.Service
	Offers   *offers.Service
	Feed     *feed.Service
	Tracker  *tracker.Service
	Hub      Hub
	Kafka    *ingest.KafkaProducer // optional
	Identity Identity

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(rsvc *rides.Service, osvc *offers.Service, fsvc *feed.Service, tsvc *tracker.Service, hub Hub, kafka *ingest.KafkaProducer, identity Identity, logger *slog.Logger) *Server {
	if identity == nil {
		identity = HeaderIdentity{}
	}
	s := &Server{
		Rides:    rsvc,
		Offers:   osvc,
		Feed:     fsvc,
		Tracker:  tsvc,
		Hub:      hub,
		Kafka:    kafka,
		Identity: identity,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.identityMiddleware)

	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/start", s.handleStartRide).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.handleCompleteRide).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/rides/{id}/offers", s.handleSubmitOffer).Methods("POST")
	api.HandleFunc("/rides/{id}/offers", s.handleListOffers).Methods("GET")
	api.HandleFunc("/rides/{id}/accept", s.handleAcceptListed).Methods("POST")
	api.HandleFunc("/offers/{id}/accept", s.handleAcceptOffer).Methods("POST")
	api.HandleFunc("/feed", s.handleFeed).Methods("GET")
	api.HandleFunc("/driver/location", s.handleReportLocation).Methods("PATCH")
	api.HandleFunc("/driver/location", s.handleGetLocation).Methods("GET")
	api.HandleFunc("/driver/earnings", s.handleDriverEarnings).Methods("GET")

	s.mux.HandleFunc("/ws/feed/{vehicle_type}", s.handleFeedWS)
	s.mux.HandleFunc("/ws/rides/{id}", s.handleRideWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRideRequest struct {
	VehicleType    models.VehicleType `json:"vehicle_type"`
	Pickup         models.Coordinates `json:"pickup"`
	Dropoff        models.Coordinates `json:"dropoff"`
	PickupAddress  string             `json:"pickup_address"`
	DropoffAddress string             `json:"dropoff_address"`
	DistanceKm     float64            `json:"distance_km"`
	PriceOffer     float64            `json:"passenger_price_offer"`
	PaymentMethod  string             `json:"payment_method"`
	PaymentRef     string             `json:"payment_ref"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ride, err := s.Rides.Create(r.Context(), rides.CreateRideRequest{
		PassengerID:    actor.ID,
		VehicleType:    req.VehicleType,
		Pickup:         req.Pickup,
		Dropoff:        req.Dropoff,
		PickupAddress:  req.PickupAddress,
		DropoffAddress: req.DropoffAddress,
		DistanceKm:     req.DistanceKm,
		PriceOffer:     req.PriceOffer,
		PaymentMethod:  req.PaymentMethod,
		PaymentRef:     req.PaymentRef,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	ride, err := s.Rides.Start(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	ride, err := s.Rides.Complete(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	ride, err := s.Rides.Cancel(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type submitOfferRequest struct {
	OfferedPrice float64 `json:"offered_price"`
	Message      string  `json:"message"`
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req submitOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.OfferedPrice <= 0 {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "offered_price must be positive")
		return
	}
	offer, err := s.Offers.Submit(r.Context(), mux.Vars(r)["id"], actor.ID, req.OfferedPrice, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	list, err := s.Offers.ListByRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAcceptListed(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	ride, err := s.Offers.AcceptListed(r.Context(), mux.Vars(r)["id"], actor.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	offerID := mux.Vars(r)["id"]
	offer, err := s.Offers.Get(r.Context(), offerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.Rides.Get(r.Context(), offer.RideID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if actor.ID != ride.PassengerID {
		writeAPIError(w, http.StatusForbidden, "unauthorized_action", "only the passenger may accept an offer")
		return
	}
	updated, err := s.Offers.Accept(r.Context(), offerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	vt := models.VehicleType(r.URL.Query().Get("vehicle_type"))
	list, err := s.Feed.Snapshot(r.Context(), vt)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type locationReportRequest struct {
	RideID    string   `json:"ride_id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Heading   float64  `json:"heading"`
	Speed     float64  `json:"speed"`
	Accuracy  float64  `json:"accuracy"`
}

func (s *Server) handleReportLocation(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req locationReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_coordinates", "latitude and longitude are required")
		return
	}
	rep := models.LocationReport{
		DriverID:  actor.ID,
		RideID:    req.RideID,
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Heading:   req.Heading,
		Speed:     req.Speed,
		Accuracy:  req.Accuracy,
	}
	loc, err := s.Tracker.Report(r.Context(), rep)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.Kafka != nil {
		rep.ReportedAt = loc.UpdatedAt
		if err := s.Kafka.PublishLocation(rep); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", rep.DriverID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updated_at": loc.UpdatedAt})
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	driverID := r.URL.Query().Get("driver_id")
	if driverID == "" {
		driverID = actor.ID
	}
	loc, stale, err := s.Tracker.Latest(r.Context(), driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"location": loc, "stale": stale})
}

func (s *Server) handleDriverEarnings(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	summary, err := s.Rides.DriverEarningsSince(r.Context(), actor.ID, midnight)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// writeError maps domain errors to status codes plus a stable machine code,
// so clients can tell "someone else took this ride" from their own bugs.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", "ride, offer or driver not found")
	case errors.Is(err, geo.ErrInvalidCoordinates):
		writeAPIError(w, http.StatusBadRequest, "invalid_coordinates", err.Error())
	case errors.Is(err, rides.ErrInvalidRide):
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, rides.ErrUnauthorizedAction):
		writeAPIError(w, http.StatusForbidden, "unauthorized_action", err.Error())
	case errors.Is(err, rides.ErrRideAlreadyAssigned):
		writeAPIError(w, http.StatusConflict, "ride_already_assigned", "another driver took this ride")
	case errors.Is(err, rides.ErrInvalidTransition):
		writeAPIError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, offers.ErrRideNotNegotiable):
		writeAPIError(w, http.StatusConflict, "ride_not_negotiable", "ride is no longer open for offers")
	case errors.Is(err, offers.ErrOfferNotPending):
		writeAPIError(w, http.StatusConflict, "offer_not_pending", "offer was already settled")
	case errors.Is(err, offers.ErrOfferExpired):
		writeAPIError(w, http.StatusGone, "offer_expired", "offer expired before acceptance")
	default:
		s.logger.Error("internal error", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeAPIError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
