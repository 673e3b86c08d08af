package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"parking-monitor/internal/domain/violation"
)

type ViolationRepository struct {
	db *gorm.DB
}

func NewViolationRepository(db *gorm.DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

type ParkingLot struct {
	ID               int64  `gorm:"primaryKey"`
	Name             string `gorm:"not null"`
	Location         string `gorm:"not null"`
	Latitude         *float64
	Longitude        *float64
	LegalCapacity    int  `gorm:"not null"`
	CurrentOccupancy int  `gorm:"not null;default:0"`
	IsActive         bool `gorm:"not null;default:true"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Violation struct {
	ID                  int64 `gorm:"primaryKey"`
	ParkingLotID        int64 `gorm:"not null"`
	ParkingLot          *ParkingLot
	OccupancyPercentage float64   `gorm:"not null"`
	OccupancyCount      int       `gorm:"not null"`
	LegalCapacity       int       `gorm:"not null"`
	Status              string    `gorm:"not null;default:OPEN"`
	DetectedAt          time.Time `gorm:"not null"`
	AcknowledgedAt      *time.Time
	ResolvedAt          *time.Time
	Notes               *string
	EvidenceReportURL   *string
	PhotoEvidenceURL    *string
	AcknowledgedBy      *string
	ResolvedBy          *string
	RawPayload          datatypes.JSONMap `gorm:"type:jsonb"`
}

// ListQuery selects one page of violations. From and To are already widened
// to whole days by the caller.
type ListQuery struct {
	Status   *string
	LotID    *int64
	From, To *time.Time
	SortBy   violation.SortKey
	Skip     int
	Limit    int
}

func (r *ViolationRepository) filtered(ctx context.Context, q ListQuery) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&Violation{})

	if q.Status != nil {
		query = query.Where("violations.status = ?", *q.Status)
	}
	if q.LotID != nil {
		query = query.Where("violations.parking_lot_id = ?", *q.LotID)
	}
	if q.From != nil {
		query = query.Where("violations.detected_at >= ?", *q.From)
	}
	if q.To != nil {
		query = query.Where("violations.detected_at <= ?", *q.To)
	}
	return query
}

func (r *ViolationRepository) List(ctx context.Context, q ListQuery) ([]Violation, int64, error) {
	var total int64
	if err := r.filtered(ctx, q).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query := r.filtered(ctx, q).Preload("ParkingLot")
	switch q.SortBy {
	case violation.SortSeverity:
		query = query.Order("violations.occupancy_percentage DESC")
	case violation.SortLotName:
		query = query.
			Joins("JOIN parking_lots ON parking_lots.id = violations.parking_lot_id").
			Order("parking_lots.name ASC")
	default:
		query = query.Order("violations.detected_at DESC")
	}
	query = query.Order("violations.id DESC")

	if q.Skip > 0 {
		query = query.Offset(q.Skip)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var rows []Violation
	if err := query.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// Get returns nil without error when the violation does not exist.
func (r *ViolationRepository) Get(ctx context.Context, id int64) (*Violation, error) {
	var row Violation
	err := r.db.WithContext(ctx).
		Preload("ParkingLot").
		Where("id = ?", id).
		First(&row).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *ViolationRepository) Create(ctx context.Context, row *Violation) error {
	return r.db.WithContext(ctx).Omit("ParkingLot").Create(row).Error
}

func (r *ViolationRepository) Update(ctx context.Context, row *Violation) error {
	return r.db.WithContext(ctx).Omit("ParkingLot").Save(row).Error
}

func (r *ViolationRepository) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&Violation{}).
		Where("status = ?", string(violation.StatusOpen)).
		Count(&n).Error
	return n, err
}

func (r *ViolationRepository) CountOpenCritical(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&Violation{}).
		Where("status = ? AND occupancy_percentage > ?", string(violation.StatusOpen), violation.CriticalThreshold).
		Count(&n).Error
	return n, err
}

// DetectionsSince returns a lot's violations detected at or after since,
// oldest first.
func (r *ViolationRepository) DetectionsSince(ctx context.Context, lotID int64, since time.Time) ([]Violation, error) {
	var rows []Violation
	err := r.db.WithContext(ctx).
		Where("parking_lot_id = ? AND detected_at >= ?", lotID, since).
		Order("detected_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// GetLot returns nil without error when the lot does not exist.
func (r *ViolationRepository) GetLot(ctx context.Context, id int64) (*ParkingLot, error) {
	var lot ParkingLot
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&lot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func (r *ViolationRepository) ListLots(ctx context.Context, activeOnly bool) ([]ParkingLot, error) {
	query := r.db.WithContext(ctx).Model(&ParkingLot{})
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var lots []ParkingLot
	err := query.Order("name ASC").Find(&lots).Error
	return lots, err
}
