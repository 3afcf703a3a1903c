package rides

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]models.Event
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[string][]models.Event)}
}

func (p *recordingPublisher) Publish(topic string, ev models.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[topic] = append(p.events[topic], ev)
	return 1
}

func (p *recordingPublisher) on(topic string) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[topic]
}

type recordingSessions struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (r *recordingSessions) StartSession(rideID, driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, rideID)
}

func (r *recordingSessions) StopSession(rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, rideID)
}

func newService(store storage.RideStore) (*Service, *recordingPublisher, *recordingSessions) {
	pub := newRecordingPublisher()
	sess := &recordingSessions{}
	return &Service{Store: store, Fanout: pub, Tracker: sess, Notifier: notify.Nop{}}, pub, sess
}

func createTestRide(t *testing.T, s *Service) *models.Ride {
	t.Helper()
	ride, err := s.Create(context.Background(), CreateRideRequest{
		PassengerID: "p1",
		VehicleType: models.VehicleEconomy,
		Pickup:      models.Coordinates{Lat: -23.55, Lng: -46.63},
		Dropoff:     models.Coordinates{Lat: -23.56, Lng: -46.65},
		PriceOffer:  20.0,
	})
	if err != nil {
		t.Fatal(err)
	}
	return ride
}

func TestCreateValidation(t *testing.T) {
	s, _, _ := newService(storage.NewMemoryStore())
	ctx := context.Background()

	_, err := s.Create(ctx, CreateRideRequest{PassengerID: "p1", VehicleType: "hovercraft", PriceOffer: 10})
	if !errors.Is(err, ErrInvalidRide) {
		t.Fatalf("expected ErrInvalidRide for vehicle type, got %v", err)
	}
	_, err = s.Create(ctx, CreateRideRequest{
		PassengerID: "p1", VehicleType: models.VehicleMoto, PriceOffer: 10,
		Pickup: models.Coordinates{Lat: 123, Lng: 0},
	})
	if !errors.Is(err, geo.ErrInvalidCoordinates) {
		t.Fatalf("expected ErrInvalidCoordinates, got %v", err)
	}
	_, err = s.Create(ctx, CreateRideRequest{PassengerID: "p1", VehicleType: models.VehicleMoto, PriceOffer: 0})
	if !errors.Is(err, ErrInvalidRide) {
		t.Fatalf("expected ErrInvalidRide for price, got %v", err)
	}
}

func TestCreatePublishesToFeed(t *testing.T) {
	s, pub, _ := newService(storage.NewMemoryStore())
	ride := createTestRide(t, s)
	if ride.Status != models.RidePending {
		t.Fatalf("new ride should be pending, got %s", ride.Status)
	}
	if ride.DistanceKm <= 0 {
		t.Fatalf("distance not computed: %f", ride.DistanceKm)
	}
	evs := pub.on(fanout.DriverFeedTopic(models.VehicleEconomy))
	if len(evs) != 1 || evs[0].Type != models.EventRideAvailable {
		t.Fatalf("expected one ride_available feed event, got %+v", evs)
	}
}

func TestFullLifecycle(t *testing.T) {
	s, pub, sess := newService(storage.NewMemoryStore())
	ctx := context.Background()
	ride := createTestRide(t, s)

	got, err := s.AssignDriver(ctx, ride.ID, "d1", 18.0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RideAccepted || got.DriverID != "d1" || got.FinalPrice != 18.0 {
		t.Fatalf("bad assignment: %+v", got)
	}
	if len(sess.started) != 1 || sess.started[0] != ride.ID {
		t.Fatalf("tracking session not started: %+v", sess.started)
	}
	closed := pub.on(fanout.DriverFeedTopic(models.VehicleEconomy))
	if closed[len(closed)-1].Type != models.EventRideClosed {
		t.Fatalf("feed not closed after assignment")
	}

	driver := Actor{ID: "d1", Role: RoleDriver}
	if _, err := s.Start(ctx, driver, ride.ID); err != nil {
		t.Fatal(err)
	}
	done, err := s.Complete(ctx, driver, ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.RideCompleted || done.CompletedAt.IsZero() {
		t.Fatalf("bad completion: %+v", done)
	}
	if len(sess.stopped) != 1 {
		t.Fatalf("tracking session not stopped")
	}
}

func TestAssignDriverExclusive(t *testing.T) {
	s, _, _ := newService(storage.NewMemoryStore())
	ctx := context.Background()
	ride := createTestRide(t, s)

	const drivers = 8
	var wg sync.WaitGroup
	results := make(chan error, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.AssignDriver(ctx, ride.ID, driverName(n), 15.0)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrRideAlreadyAssigned):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != drivers-1 {
		t.Fatalf("expected exactly one winner, got wins=%d losses=%d", wins, losses)
	}
}

func driverName(n int) string { return string(rune('a' + n)) }

func TestStartRequiresAssignedDriver(t *testing.T) {
	s, _, _ := newService(storage.NewMemoryStore())
	ctx := context.Background()
	ride := createTestRide(t, s)
	if _, err := s.AssignDriver(ctx, ride.ID, "d1", 18.0); err != nil {
		t.Fatal(err)
	}

	_, err := s.Start(ctx, Actor{ID: "d2", Role: RoleDriver}, ride.ID)
	if !errors.Is(err, ErrUnauthorizedAction) {
		t.Fatalf("expected ErrUnauthorizedAction, got %v", err)
	}
	cur, _ := s.Get(ctx, ride.ID)
	if cur.Status != models.RideAccepted {
		t.Fatalf("failed start mutated state: %s", cur.Status)
	}
}

func TestInvalidTransitionsLeaveStateUnchanged(t *testing.T) {
	s, _, _ := newService(storage.NewMemoryStore())
	ctx := context.Background()
	ride := createTestRide(t, s)
	passenger := Actor{ID: "p1", Role: RolePassenger}

	// Completing a pending ride is not in the table.
	if _, err := s.Complete(ctx, passenger, ride.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	cur, _ := s.Get(ctx, ride.ID)
	if cur.Status != models.RidePending {
		t.Fatalf("state changed on invalid transition: %s", cur.Status)
	}

	// Cancel is terminal: nothing moves a cancelled ride.
	if _, err := s.Cancel(ctx, passenger, ride.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AssignDriver(ctx, ride.ID, "d1", 10); !errors.Is(err, ErrRideAlreadyAssigned) {
		t.Fatalf("expected assignment on cancelled ride to fail, got %v", err)
	}
	if _, err := s.Cancel(ctx, passenger, ride.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected double cancel to fail, got %v", err)
	}
}

func TestCancelRequiresParty(t *testing.T) {
	s, _, sess := newService(storage.NewMemoryStore())
	ctx := context.Background()
	ride := createTestRide(t, s)

	if _, err := s.Cancel(ctx, Actor{ID: "stranger"}, ride.ID); !errors.Is(err, ErrUnauthorizedAction) {
		t.Fatalf("expected ErrUnauthorizedAction, got %v", err)
	}

	if _, err := s.AssignDriver(ctx, ride.ID, "d1", 18); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Cancel(ctx, Actor{ID: "d1", Role: RoleDriver}, ride.ID); err != nil {
		t.Fatal(err)
	}
	if len(sess.stopped) != 1 {
		t.Fatalf("cancel must release the tracking session")
	}
}

type fakePayments struct {
	mu       sync.Mutex
	held     []int64
	captured []string
	released []string
	calls    chan string
}

func newFakePayments() *fakePayments {
	return &fakePayments{calls: make(chan string, 8)}
}

func (f *fakePayments) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	f.mu.Lock()
	f.held = append(f.held, amount)
	f.mu.Unlock()
	f.calls <- "hold"
	return "pi_test", nil
}

func (f *fakePayments) Capture(ctx context.Context, paymentRef string) error {
	f.mu.Lock()
	f.captured = append(f.captured, paymentRef)
	f.mu.Unlock()
	f.calls <- "capture"
	return nil
}

func (f *fakePayments) Cancel(ctx context.Context, paymentRef string) error {
	f.mu.Lock()
	f.released = append(f.released, paymentRef)
	f.mu.Unlock()
	f.calls <- "cancel"
	return nil
}

func (f *fakePayments) await(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.calls:
		if got != want {
			t.Fatalf("payment call %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %q payment call", want)
	}
}

func TestAssignDriverHoldsCardPayment(t *testing.T) {
	store := storage.NewMemoryStore()
	s, _, _ := newService(store)
	pay := newFakePayments()
	s.Payments = pay
	ctx := context.Background()

	ride, err := s.Create(ctx, CreateRideRequest{
		PassengerID:   "p1",
		VehicleType:   models.VehicleEconomy,
		Pickup:        models.Coordinates{Lat: -23.55, Lng: -46.63},
		Dropoff:       models.Coordinates{Lat: -23.56, Lng: -46.65},
		PriceOffer:    20.0,
		PaymentMethod: "card",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AssignDriver(ctx, ride.ID, "d1", 18.5); err != nil {
		t.Fatal(err)
	}

	pay.await(t, "hold")
	pay.mu.Lock()
	held := append([]int64(nil), pay.held...)
	pay.mu.Unlock()
	if len(held) != 1 || held[0] != 1850 {
		t.Fatalf("held amounts %v, want [1850] cents", held)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		cur, err := s.Get(ctx, ride.ID)
		if err != nil {
			t.Fatal(err)
		}
		if cur.PaymentRef == "pi_test" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("payment ref not stored, ride has %q", cur.PaymentRef)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCompleteCapturesHeldPayment(t *testing.T) {
	s, _, _ := newService(storage.NewMemoryStore())
	pay := newFakePayments()
	s.Payments = pay
	ctx := context.Background()

	ride, err := s.Create(ctx, CreateRideRequest{
		PassengerID:   "p1",
		VehicleType:   models.VehicleEconomy,
		Pickup:        models.Coordinates{Lat: -23.55, Lng: -46.63},
		Dropoff:       models.Coordinates{Lat: -23.56, Lng: -46.65},
		PriceOffer:    20.0,
		PaymentMethod: "card",
		PaymentRef:    "pi_held",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AssignDriver(ctx, ride.ID, "d1", 18.0); err != nil {
		t.Fatal(err)
	}
	driver := Actor{ID: "d1", Role: RoleDriver}
	if _, err := s.Start(ctx, driver, ride.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Complete(ctx, driver, ride.ID); err != nil {
		t.Fatal(err)
	}

	pay.await(t, "capture")
	pay.mu.Lock()
	defer pay.mu.Unlock()
	if len(pay.captured) != 1 || pay.captured[0] != "pi_held" {
		t.Fatalf("captured %v, want [pi_held]", pay.captured)
	}
	if len(pay.released) != 0 {
		t.Fatalf("completion must not release the hold: %v", pay.released)
	}
}

func TestCancelReleasesHeldPayment(t *testing.T) {
	s, _, _ := newService(storage.NewMemoryStore())
	pay := newFakePayments()
	s.Payments = pay
	ctx := context.Background()

	ride, err := s.Create(ctx, CreateRideRequest{
		PassengerID:   "p1",
		VehicleType:   models.VehicleEconomy,
		Pickup:        models.Coordinates{Lat: -23.55, Lng: -46.63},
		Dropoff:       models.Coordinates{Lat: -23.56, Lng: -46.65},
		PriceOffer:    20.0,
		PaymentMethod: "card",
		PaymentRef:    "pi_held",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AssignDriver(ctx, ride.ID, "d1", 18.0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Cancel(ctx, Actor{ID: "p1", Role: RolePassenger}, ride.ID); err != nil {
		t.Fatal(err)
	}

	pay.await(t, "cancel")
	pay.mu.Lock()
	defer pay.mu.Unlock()
	if len(pay.released) != 1 || pay.released[0] != "pi_held" {
		t.Fatalf("released %v, want [pi_held]", pay.released)
	}
	if len(pay.captured) != 0 {
		t.Fatalf("cancellation must not capture: %v", pay.captured)
	}
}

// racingStore flips the ride to cancelled just before an armed transition,
// standing in for a concurrent caller winning the compare.
type racingStore struct {
	*storage.MemoryStore
	arm bool
}

func (r *racingStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, upd models.RideUpdate) (*models.Ride, error) {
	if r.arm {
		r.arm = false
		if _, err := r.MemoryStore.TransitionRide(ctx, id,
			[]models.RideStatus{models.RideInProgress}, models.RideUpdate{Status: models.RideCancelled}); err != nil {
			return nil, err
		}
	}
	return r.MemoryStore.TransitionRide(ctx, id, from, upd)
}

func TestLostCompareReportsCurrentStatus(t *testing.T) {
	store := &racingStore{MemoryStore: storage.NewMemoryStore()}
	s, _, _ := newService(store)
	ctx := context.Background()
	ride := createTestRide(t, s)

	if _, err := s.AssignDriver(ctx, ride.ID, "d1", 18.0); err != nil {
		t.Fatal(err)
	}
	driver := Actor{ID: "d1", Role: RoleDriver}
	if _, err := s.Start(ctx, driver, ride.ID); err != nil {
		t.Fatal(err)
	}

	store.arm = true
	_, err := s.Complete(ctx, driver, ride.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("error must name the status that won the race, got %q", err)
	}
}

func TestDriverEarnings(t *testing.T) {
	store := storage.NewMemoryStore()
	s, _, _ := newService(store)
	ctx := context.Background()

	for _, price := range []float64{18.0, 22.5} {
		ride := createTestRide(t, s)
		if _, err := s.AssignDriver(ctx, ride.ID, "d1", price); err != nil {
			t.Fatal(err)
		}
		driver := Actor{ID: "d1", Role: RoleDriver}
		if _, err := s.Start(ctx, driver, ride.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Complete(ctx, driver, ride.ID); err != nil {
			t.Fatal(err)
		}
	}

	sum, err := s.DriverEarningsSince(ctx, "d1", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.CompletedRides != 2 || sum.TotalEarnings != 40.5 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	future, err := s.DriverEarningsSince(ctx, "d1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if future.CompletedRides != 0 || future.TotalEarnings != 0 {
		t.Fatalf("cutoff not applied: %+v", future)
	}
}
