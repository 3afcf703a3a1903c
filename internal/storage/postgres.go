package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements RideStore and OfferStore on a rides/price_offers
// schema (see migrations/). Compare-and-set is a conditional UPDATE on the
// status column, so two conflicting transitions can never both succeed.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

const rideColumns = `id, passenger_id, COALESCE(driver_id, ''), vehicle_type,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	pickup_address, dropoff_address, distance_km,
	passenger_price_offer, COALESCE(final_price, 0),
	payment_method, COALESCE(payment_ref, ''), status, created_at,
	COALESCE(completed_at, 'epoch'::timestamptz)`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, passenger_id, vehicle_type,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			pickup_address, dropoff_address, distance_km,
			passenger_price_offer, payment_method, payment_ref, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.PassengerID, r.VehicleType,
		r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng,
		r.PickupAddress, r.DropoffAddress, r.DistanceKm,
		r.PassengerPriceOffer, r.PaymentMethod, r.PaymentRef, r.Status, r.CreatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func (p *PostgresStore) OpenRidesByVehicleType(ctx context.Context, vt models.VehicleType, limit int) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE status IN ('pending','negotiating') AND vehicle_type = $1
		ORDER BY created_at DESC LIMIT $2`, vt, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRides(rows)
}

func (p *PostgresStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, upd models.RideUpdate) (*models.Ride, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE rides SET
			status = $2,
			driver_id = COALESCE($3, driver_id),
			final_price = COALESCE($4, final_price),
			completed_at = COALESCE($5, completed_at)
		WHERE id = $1 AND status = ANY($6)
		RETURNING `+rideColumns,
		id, upd.Status, upd.DriverID, upd.FinalPrice, nullTime(upd.CompletedAt), pq.Array(states))
	r, err := scanRide(row)
	if err == ErrNotFound {
		// Distinguish a missing ride from a lost compare.
		var cur string
		if qerr := p.db.QueryRowContext(ctx, `SELECT status FROM rides WHERE id = $1`, id).Scan(&cur); qerr == sql.ErrNoRows {
			return nil, ErrNotFound
		} else if qerr != nil {
			return nil, qerr
		}
		return nil, ErrStatusConflict
	}
	return r, err
}

func (p *PostgresStore) CompletedByDriverSince(ctx context.Context, driverID string, since time.Time) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE driver_id = $1 AND status = 'completed' AND completed_at >= $2
		ORDER BY completed_at DESC`, driverID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRides(rows)
}

func (p *PostgresStore) SetRidePaymentRef(ctx context.Context, id, paymentRef string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET payment_ref = $2 WHERE id = $1`, id, paymentRef)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CreateOffer(ctx context.Context, o *models.PriceOffer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO price_offers (id, ride_id, driver_id, offered_price, message, status, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.RideID, o.DriverID, o.OfferedPrice, o.Message, o.Status, o.ExpiresAt, o.CreatedAt)
	return err
}

const offerColumns = `id, ride_id, driver_id, offered_price, message, status, expires_at, created_at`

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.PriceOffer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM price_offers WHERE id = $1`, id)
	return scanOffer(row)
}

func (p *PostgresStore) OffersByRide(ctx context.Context, rideID string) ([]*models.PriceOffer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM price_offers WHERE ride_id = $1 ORDER BY created_at DESC`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.PriceOffer, 0)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PendingOfferByDriver(ctx context.Context, rideID, driverID string) (*models.PriceOffer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM price_offers
		WHERE ride_id = $1 AND driver_id = $2 AND status = 'pending'
		ORDER BY created_at DESC LIMIT 1`, rideID, driverID)
	return scanOffer(row)
}

func (p *PostgresStore) CompareAndSetOfferStatus(ctx context.Context, id string, from, to models.OfferStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE price_offers SET status = $3 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var cur string
		if qerr := p.db.QueryRowContext(ctx, `SELECT status FROM price_offers WHERE id = $1`, id).Scan(&cur); qerr == sql.ErrNoRows {
			return false, ErrNotFound
		} else if qerr != nil {
			return false, qerr
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE price_offers SET status = 'expired' WHERE status = 'pending' AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	err := row.Scan(&r.ID, &r.PassengerID, &r.DriverID, &r.VehicleType,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Dropoff.Lat, &r.Dropoff.Lng,
		&r.PickupAddress, &r.DropoffAddress, &r.DistanceKm,
		&r.PassengerPriceOffer, &r.FinalPrice,
		&r.PaymentMethod, &r.PaymentRef, &r.Status, &r.CreatedAt, &r.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.CompletedAt.Unix() == 0 {
		r.CompletedAt = time.Time{}
	}
	return &r, nil
}

func scanRides(rows *sql.Rows) ([]*models.Ride, error) {
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanOffer(row rowScanner) (*models.PriceOffer, error) {
	var o models.PriceOffer
	err := row.Scan(&o.ID, &o.RideID, &o.DriverID, &o.OfferedPrice, &o.Message,
		&o.Status, &o.ExpiresAt, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
