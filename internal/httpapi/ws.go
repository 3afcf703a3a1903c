package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/models"
)

// Hub is the fan-out gateway as consumed by the websocket bridge.
type Hub interface {
	Register() *fanout.Subscriber
	Subscribe(s *fanout.Subscriber, topic string)
	Unsubscribe(s *fanout.Subscriber, topic string)
	Disconnect(s *fanout.Subscriber)
	Publish(topic string, ev models.Event) int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const wsWriteTimeout = 5 * time.Second

// handleFeedWS streams the driver feed for one vehicle type: a snapshot of
// currently open rides on connect, then live feed events. Clients that
// reconnect get a fresh snapshot instead of a replay.
func (s *Server) handleFeedWS(w http.ResponseWriter, r *http.Request) {
	vt := models.VehicleType(mux.Vars(r)["vehicle_type"])
	snapshot, err := s.Feed.Snapshot(r.Context(), vt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	now := time.Now()
	for _, ride := range snapshot {
		ev := models.Event{Type: models.EventRideAvailable, RideID: ride.ID, Status: ride.Status, Ride: ride, Timestamp: now}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			conn.Close()
			return
		}
	}
	s.serveSubscription(conn, fanout.DriverFeedTopic(vt))
}

// handleRideWS streams status, offer and location events for one ride.
func (s *Server) handleRideWS(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	if _, err := s.Rides.Get(r.Context(), rideID); err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveSubscription(conn, fanout.RideTopic(rideID))
}

// serveSubscription pumps hub events to the connection until either side
// drops. Reading is only used to detect disconnects.
func (s *Server) serveSubscription(conn *websocket.Conn, topic string) {
	sub := s.Hub.Register()
	s.Hub.Subscribe(sub, topic)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			s.Hub.Disconnect(sub)
			conn.Close()
		}()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}()
}
