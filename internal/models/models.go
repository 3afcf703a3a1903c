package models

import "time"

type VehicleType string

const (
	VehicleMoto     VehicleType = "moto"
	VehicleEconomy  VehicleType = "economy"
	VehicleElectric VehicleType = "electric"
	VehiclePremium  VehicleType = "premium"
	VehicleSUV      VehicleType = "suv"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleMoto, VehicleEconomy, VehicleElectric, VehiclePremium, VehicleSUV:
		return true
	}
	return false
}

type RideStatus string

const (
	RidePending     RideStatus = "pending"
	RideNegotiating RideStatus = "negotiating"
	RideAccepted    RideStatus = "accepted"
	RideInProgress  RideStatus = "in_progress"
	RideCompleted   RideStatus = "completed"
	RideCancelled   RideStatus = "cancelled"
)

// Terminal reports whether a ride can never leave this status.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// Open reports whether the ride is still biddable and visible on the driver feed.
func (s RideStatus) Open() bool {
	return s == RidePending || s == RideNegotiating
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Ride struct {
	ID                  string      `json:"id"`
	PassengerID         string      `json:"passenger_id"`
	DriverID            string      `json:"driver_id,omitempty"` // empty until assigned
	VehicleType         VehicleType `json:"vehicle_type"`
	Pickup              Coordinates `json:"pickup"`
	Dropoff             Coordinates `json:"dropoff"`
	PickupAddress       string      `json:"pickup_address"`
	DropoffAddress      string      `json:"dropoff_address"`
	DistanceKm          float64     `json:"distance_km"`
	PassengerPriceOffer float64     `json:"passenger_price_offer"`
	FinalPrice          float64     `json:"final_price,omitempty"` // set on assignment
	PaymentMethod       string      `json:"payment_method,omitempty"`
	PaymentRef          string      `json:"payment_ref,omitempty"` // external hold reference
	Status              RideStatus  `json:"status"`
	CreatedAt           time.Time   `json:"created_at"`
	CompletedAt         time.Time   `json:"completed_at,omitempty"`
}

// RideUpdate carries the fields a status transition may set. Nil pointers
// leave the stored value untouched.
type RideUpdate struct {
	Status      RideStatus
	DriverID    *string
	FinalPrice  *float64
	CompletedAt *time.Time
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferExpired  OfferStatus = "expired"
	OfferRejected OfferStatus = "rejected"
)

type PriceOffer struct {
	ID           string      `json:"id"`
	RideID       string      `json:"ride_id"`
	DriverID     string      `json:"driver_id"`
	OfferedPrice float64     `json:"offered_price"`
	Message      string      `json:"message,omitempty"`
	Status       OfferStatus `json:"status"`
	ExpiresAt    time.Time   `json:"expires_at"`
	CreatedAt    time.Time   `json:"created_at"`
}

// DriverLocation is the latest known position of a driver. One record per
// driver, upsert semantics, never deleted.
type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	RideID    string    `json:"ride_id,omitempty"` // ride being serviced, if any
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	Accuracy  float64   `json:"accuracy"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LocationReport is a single GPS sample as sent by a driver client. It is
// also the message shape on the Kafka ingest topic.
type LocationReport struct {
	DriverID   string    `json:"driver_id"`
	RideID     string    `json:"ride_id,omitempty"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Heading    float64   `json:"heading"`
	Speed      float64   `json:"speed"`
	Accuracy   float64   `json:"accuracy"`
	ReportedAt time.Time `json:"reported_at"`
}

// Event types carried on fan-out topics.
const (
	EventRideAvailable  = "ride_available"
	EventRideClosed     = "ride_closed"
	EventRideStatus     = "ride_status"
	EventNewOffer       = "new_offer"
	EventOfferAccepted  = "offer_accepted"
	EventDriverLocation = "driver_location"
)

// Event is the payload delivered to fan-out subscribers.
type Event struct {
	Type       string          `json:"type"`
	RideID     string          `json:"ride_id,omitempty"`
	Status     RideStatus      `json:"status,omitempty"`
	Ride       *Ride           `json:"ride,omitempty"`
	Offer      *PriceOffer     `json:"offer,omitempty"`
	Location   *DriverLocation `json:"location,omitempty"`
	ETAMinutes *int            `json:"eta_minutes,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
