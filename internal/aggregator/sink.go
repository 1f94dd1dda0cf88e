package aggregator

import (
	"errors"
	"fmt"

	"github.com/banshee-data/mocap-obstacles/internal/snapshot"
)

// Publisher is the bus side of BusSink.
type Publisher interface {
	Publish(topic string, payload any) error
}

// BusSink publishes the three payloads of a snapshot on the objects,
// static_objects and dynamic_objects topics.
type BusSink struct {
	pub Publisher
}

// NewBusSink returns a sink publishing through pub.
func NewBusSink(pub Publisher) *BusSink {
	return &BusSink{pub: pub}
}

// PublishSnapshot publishes all three payloads even if one fails.
func (s *BusSink) PublishSnapshot(snap *snapshot.Snapshot) error {
	var errs []error
	for _, topic := range snapshot.Topics {
		if err := s.pub.Publish(topic, snap.Payload(topic)); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}
