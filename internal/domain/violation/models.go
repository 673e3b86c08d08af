package violation

import (
	"time"
)

type Status string

const (
	StatusOpen         Status = "OPEN"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// CriticalThreshold is the occupancy percentage above which a violation is critical.
const CriticalThreshold = 110.0

type ParkingLot struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	Location         string   `json:"location"`
	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
	LegalCapacity    int      `json:"legal_capacity"`
	CurrentOccupancy int      `json:"current_occupancy"`
	IsActive         bool     `json:"is_active,omitempty"`
}

type Violation struct {
	ID                  int64                  `json:"id"`
	ParkingLotID        int64                  `json:"parking_lot_id"`
	ParkingLot          *ParkingLot            `json:"parking_lot,omitempty"`
	OccupancyPercentage float64                `json:"occupancy_percentage"`
	OccupancyCount      int                    `json:"occupancy_count"`
	LegalCapacity       int                    `json:"legal_capacity"`
	Status              Status                 `json:"status"`
	DetectedAt          time.Time              `json:"detected_at"`
	AcknowledgedAt      *time.Time             `json:"acknowledged_at,omitempty"`
	ResolvedAt          *time.Time             `json:"resolved_at,omitempty"`
	Notes               *string                `json:"notes,omitempty"`
	EvidenceReportURL   *string                `json:"evidence_report_url,omitempty"`
	PhotoEvidenceURL    *string                `json:"photo_evidence_url,omitempty"`
	AcknowledgedBy      *string                `json:"acknowledged_by,omitempty"`
	ResolvedBy          *string                `json:"resolved_by,omitempty"`
	RawPayload          map[string]interface{} `json:"raw_payload,omitempty"`
	Critical            bool                   `json:"is_critical"`
}

// IsCritical reports whether occupancy exceeds CriticalThreshold.
func (v Violation) IsCritical() bool {
	return v.OccupancyPercentage > CriticalThreshold
}

// LotName returns the embedded lot name, or "" when the lot was not joined.
func (v Violation) LotName() string {
	if v.ParkingLot == nil {
		return ""
	}
	return v.ParkingLot.Name
}

// OccupancyPercentage derives the percentage from a count and a legal capacity.
func OccupancyPercentage(count, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(count) / float64(capacity) * 100
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	Status            *Status `json:"status,omitempty"`
	Notes             *string `json:"notes,omitempty"`
	EvidenceReportURL *string `json:"evidence_report_url,omitempty"`
	PhotoEvidenceURL  *string `json:"photo_evidence_url,omitempty"`
	AcknowledgedBy    *string `json:"acknowledged_by,omitempty"`
	ResolvedBy        *string `json:"resolved_by,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Status == nil && p.Notes == nil && p.EvidenceReportURL == nil &&
		p.PhotoEvidenceURL == nil && p.AcknowledgedBy == nil && p.ResolvedBy == nil
}

type Counts struct {
	OpenViolations     int64 `json:"open_violations"`
	CriticalViolations int64 `json:"critical_violations"`
}

type Page struct {
	Total      int64       `json:"total"`
	Violations []Violation `json:"violations"`
}

// Detection is the payload a sensor posts when a lot goes over capacity.
type Detection struct {
	ParkingLotID   int64                  `json:"parking_lot_id"`
	OccupancyCount int                    `json:"occupancy_count"`
	LegalCapacity  int                    `json:"legal_capacity"`
	DetectedAt     *time.Time             `json:"detected_at,omitempty"`
	RawPayload     map[string]interface{} `json:"raw_payload,omitempty"`
}

type OccupancyPoint struct {
	Timestamp           time.Time `json:"timestamp"`
	Occupancy           int       `json:"occupancy"`
	OccupancyPercentage float64   `json:"occupancy_percentage"`
}

// OccupancyHistory holds one point per hour, oldest first.
type OccupancyHistory struct {
	ParkingLotID   int64            `json:"parking_lot_id"`
	ParkingLotName string           `json:"parking_lot_name"`
	History        []OccupancyPoint `json:"history"`
}
