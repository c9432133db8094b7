package service

import (
	"fmt"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
)

// Proximity is a pre-parsed beacon sighting supplied by the caller.
type Proximity struct {
	BeaconID string `json:"beaconId"`
	RSSI     int    `json:"rssi"`
}

// ValidateProximity checks that the beacon belongs to the door and the
// signal is at least minRSSI dBm.
func ValidateProximity(door *domain.Door, p *Proximity, minRSSI int) error {
	switch {
	case p == nil || p.BeaconID == "":
		return fmt.Errorf("%w: beacon id missing", domain.ErrProximity)
	case door.BeaconID == "":
		return fmt.Errorf("%w: door has no beacon configured", domain.ErrProximity)
	case p.BeaconID != door.BeaconID:
		return fmt.Errorf("%w: beacon %s is not mounted at this door", domain.ErrProximity, p.BeaconID)
	case p.RSSI > 0 || p.RSSI < -127:
		return fmt.Errorf("%w: rssi %d out of range", domain.ErrProximity, p.RSSI)
	case p.RSSI < minRSSI:
		return fmt.Errorf("%w: signal %d dBm below %d dBm", domain.ErrProximity, p.RSSI, minRSSI)
	}
	return nil
}
