package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// LocationUpdate is the message carried on the driver location topic. It
// carries a position, an availability change, or both. A nil IsActive leaves
// the driver's availability untouched; a missing position leaves the driver
// where it was.
type LocationUpdate struct {
	DriverID  string    `json:"driverId"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	IsActive  *bool     `json:"isActive,omitempty"`
	At        time.Time `json:"at"`
}

// Position builds a position report.
func Position(driverID string, lat, lon float64, at time.Time) LocationUpdate {
	return LocationUpdate{DriverID: driverID, Latitude: &lat, Longitude: &lon, At: at}
}

// Availability builds an availability change without a position.
func Availability(driverID string, active bool, at time.Time) LocationUpdate {
	return LocationUpdate{DriverID: driverID, IsActive: &active, At: at}
}

func (u LocationUpdate) HasPosition() bool {
	return u.Latitude != nil && u.Longitude != nil
}

func (u LocationUpdate) Validate() error {
	if strings.TrimSpace(u.DriverID) == "" {
		return errors.New("driverId is required")
	}
	if (u.Latitude == nil) != (u.Longitude == nil) {
		return errors.New("latitude and longitude must be sent together")
	}
	if !u.HasPosition() {
		if u.IsActive == nil {
			return errors.New("message carries neither a position nor isActive")
		}
		return nil
	}
	lat, lon := *u.Latitude, *u.Longitude
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("coordinates out of range: %f,%f", lat, lon)
	}
	return nil
}

// Decode parses and validates a message value.
func Decode(value []byte) (LocationUpdate, error) {
	var u LocationUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return LocationUpdate{}, err
	}
	return u, u.Validate()
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, u LocationUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
