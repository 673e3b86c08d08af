package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"parking-monitor/internal/clock"
	"parking-monitor/internal/domain/violation"
	"parking-monitor/internal/repository"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500

	DefaultHistoryHours = 24
	MaxHistoryHours     = 168
)

type Repository interface {
	List(ctx context.Context, q repository.ListQuery) ([]repository.Violation, int64, error)
	Get(ctx context.Context, id int64) (*repository.Violation, error)
	Create(ctx context.Context, row *repository.Violation) error
	Update(ctx context.Context, row *repository.Violation) error
	CountOpen(ctx context.Context) (int64, error)
	CountOpenCritical(ctx context.Context) (int64, error)
	GetLot(ctx context.Context, id int64) (*repository.ParkingLot, error)
	ListLots(ctx context.Context, activeOnly bool) ([]repository.ParkingLot, error)
	DetectionsSince(ctx context.Context, lotID int64, since time.Time) ([]repository.Violation, error)
}

// Broadcaster fans push messages out to connected dashboards.
type Broadcaster interface {
	Broadcast(msg violation.PushMessage)
}

type ViolationService struct {
	repo  Repository
	push  Broadcaster
	clock clock.Clock
	log   zerolog.Logger
}

func NewViolationService(repo Repository, push Broadcaster, clk clock.Clock, log zerolog.Logger) *ViolationService {
	return &ViolationService{
		repo:  repo,
		push:  push,
		clock: clk,
		log:   log,
	}
}

type ListParams struct {
	Filter violation.Filter
	Skip   int
	Limit  int
}

func (s *ViolationService) List(ctx context.Context, p ListParams) (violation.Page, error) {
	f := p.Filter.Normalized()
	if err := f.Validate(); err != nil {
		return violation.Page{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	skip := p.Skip
	if skip < 0 {
		skip = 0
	}

	q := repository.ListQuery{
		LotID:  f.LotID,
		SortBy: f.SortBy,
		Skip:   skip,
		Limit:  limit,
	}
	if f.Status != "" {
		status := string(f.Status)
		q.Status = &status
	}
	if f.From != nil {
		from := violation.StartOfDay(*f.From)
		q.From = &from
	}
	if f.To != nil {
		to := violation.EndOfDay(*f.To)
		q.To = &to
	}

	rows, total, err := s.repo.List(ctx, q)
	if err != nil {
		return violation.Page{}, fmt.Errorf("failed to list violations: %w", err)
	}

	page := violation.Page{
		Total:      total,
		Violations: make([]violation.Violation, 0, len(rows)),
	}
	for _, row := range rows {
		page.Violations = append(page.Violations, toViolation(row))
	}
	return page, nil
}

func (s *ViolationService) Get(ctx context.Context, id int64) (violation.Violation, error) {
	row, err := s.find(ctx, id)
	if err != nil {
		return violation.Violation{}, err
	}
	return toViolation(*row), nil
}

// Update applies a partial update. The first move to ACKNOWLEDGED or
// RESOLVED stamps the matching timestamp; actor fills the *_by field when
// the patch leaves it empty.
func (s *ViolationService) Update(ctx context.Context, id int64, patch violation.Patch, actor string) (violation.Violation, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return violation.Violation{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *patch.Status)
	}

	row, err := s.find(ctx, id)
	if err != nil {
		return violation.Violation{}, err
	}
	if patch.Empty() {
		return toViolation(*row), nil
	}

	now := s.clock.Now().UTC()
	if patch.Status != nil {
		switch *patch.Status {
		case violation.StatusAcknowledged:
			if row.AcknowledgedAt == nil {
				row.AcknowledgedAt = &now
			}
			if patch.AcknowledgedBy == nil && actor != "" {
				patch.AcknowledgedBy = &actor
			}
		case violation.StatusResolved:
			if row.ResolvedAt == nil {
				row.ResolvedAt = &now
			}
			if patch.ResolvedBy == nil && actor != "" {
				patch.ResolvedBy = &actor
			}
		}
		row.Status = string(*patch.Status)
	}
	if patch.Notes != nil {
		row.Notes = patch.Notes
	}
	if patch.EvidenceReportURL != nil {
		row.EvidenceReportURL = patch.EvidenceReportURL
	}
	if patch.PhotoEvidenceURL != nil {
		row.PhotoEvidenceURL = patch.PhotoEvidenceURL
	}
	if patch.AcknowledgedBy != nil {
		row.AcknowledgedBy = patch.AcknowledgedBy
	}
	if patch.ResolvedBy != nil {
		row.ResolvedBy = patch.ResolvedBy
	}

	if err := s.repo.Update(ctx, row); err != nil {
		s.log.Error().Err(err).Int64("violation_id", id).Msg("failed to update violation")
		return violation.Violation{}, fmt.Errorf("failed to update violation: %w", err)
	}

	v := toViolation(*row)
	s.log.Info().
		Int64("violation_id", v.ID).
		Str("status", string(v.Status)).
		Str("actor", actor).
		Msg("violation updated")

	s.push.Broadcast(violation.NewStatusMessage(v, now))
	return v, nil
}

// Create records a detection for an existing lot. A zero legal capacity
// falls back to the lot's capacity.
func (s *ViolationService) Create(ctx context.Context, d violation.Detection) (violation.Violation, error) {
	if d.ParkingLotID <= 0 {
		return violation.Violation{}, fmt.Errorf("%w: parking_lot_id is required", ErrInvalidInput)
	}
	if d.OccupancyCount < 0 || d.LegalCapacity < 0 {
		return violation.Violation{}, fmt.Errorf("%w: occupancy and capacity must not be negative", ErrInvalidInput)
	}

	lot, err := s.repo.GetLot(ctx, d.ParkingLotID)
	if err != nil {
		return violation.Violation{}, fmt.Errorf("failed to get parking lot: %w", err)
	}
	if lot == nil {
		return violation.Violation{}, fmt.Errorf("%w: parking lot %d", ErrNotFound, d.ParkingLotID)
	}

	capacity := d.LegalCapacity
	if capacity == 0 {
		capacity = lot.LegalCapacity
	}
	if capacity <= 0 {
		return violation.Violation{}, fmt.Errorf("%w: legal_capacity is required", ErrInvalidInput)
	}

	now := s.clock.Now().UTC()
	detectedAt := now
	if d.DetectedAt != nil {
		detectedAt = d.DetectedAt.UTC()
	}

	row := &repository.Violation{
		ParkingLotID:        lot.ID,
		ParkingLot:          lot,
		OccupancyPercentage: violation.OccupancyPercentage(d.OccupancyCount, capacity),
		OccupancyCount:      d.OccupancyCount,
		LegalCapacity:       capacity,
		Status:              string(violation.StatusOpen),
		DetectedAt:          detectedAt,
	}
	if len(d.RawPayload) > 0 {
		row.RawPayload = d.RawPayload
	}

	if err := s.repo.Create(ctx, row); err != nil {
		s.log.Error().Err(err).Int64("parking_lot_id", lot.ID).Msg("failed to create violation")
		return violation.Violation{}, fmt.Errorf("failed to create violation: %w", err)
	}

	v := toViolation(*row)
	s.log.Info().
		Int64("violation_id", v.ID).
		Int64("parking_lot_id", v.ParkingLotID).
		Float64("occupancy_percentage", v.OccupancyPercentage).
		Bool("critical", v.Critical).
		Msg("violation recorded")

	s.push.Broadcast(violation.NewCreatedMessage(v, now))
	return v, nil
}

func (s *ViolationService) Counts(ctx context.Context) (violation.Counts, error) {
	open, err := s.repo.CountOpen(ctx)
	if err != nil {
		return violation.Counts{}, fmt.Errorf("failed to count open violations: %w", err)
	}
	critical, err := s.repo.CountOpenCritical(ctx)
	if err != nil {
		return violation.Counts{}, fmt.Errorf("failed to count critical violations: %w", err)
	}
	return violation.Counts{OpenViolations: open, CriticalViolations: critical}, nil
}

func (s *ViolationService) ListLots(ctx context.Context) ([]violation.ParkingLot, error) {
	lots, err := s.repo.ListLots(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list parking lots: %w", err)
	}

	result := make([]violation.ParkingLot, 0, len(lots))
	for _, lot := range lots {
		result = append(result, toParkingLot(lot))
	}
	return result, nil
}

// OccupancyHistory rebuilds a lot's hourly occupancy from its recorded
// detections. Each point covers one hour ending with the current one and
// carries the highest count detected in it. Hours without a detection repeat
// the previous point; before the first detection they show the lot's
// current occupancy.
func (s *ViolationService) OccupancyHistory(ctx context.Context, lotID int64, hours int) (violation.OccupancyHistory, error) {
	if lotID <= 0 {
		return violation.OccupancyHistory{}, fmt.Errorf("%w: invalid parking lot id", ErrInvalidInput)
	}
	if hours == 0 {
		hours = DefaultHistoryHours
	}
	if hours < 0 || hours > MaxHistoryHours {
		return violation.OccupancyHistory{}, fmt.Errorf("%w: hours must be between 1 and %d", ErrInvalidInput, MaxHistoryHours)
	}

	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return violation.OccupancyHistory{}, fmt.Errorf("failed to get parking lot: %w", err)
	}
	if lot == nil {
		return violation.OccupancyHistory{}, fmt.Errorf("%w: parking lot %d", ErrNotFound, lotID)
	}

	start := s.clock.Now().UTC().Truncate(time.Hour).Add(-time.Duration(hours-1) * time.Hour)
	rows, err := s.repo.DetectionsSince(ctx, lotID, start)
	if err != nil {
		return violation.OccupancyHistory{}, fmt.Errorf("failed to load detections: %w", err)
	}

	peaks := make([]int, hours)
	seen := make([]bool, hours)
	for _, row := range rows {
		i := int(row.DetectedAt.UTC().Sub(start) / time.Hour)
		if i < 0 || i >= hours {
			continue
		}
		if !seen[i] || row.OccupancyCount > peaks[i] {
			peaks[i] = row.OccupancyCount
			seen[i] = true
		}
	}

	history := violation.OccupancyHistory{
		ParkingLotID:   lot.ID,
		ParkingLotName: lot.Name,
		History:        make([]violation.OccupancyPoint, 0, hours),
	}
	current := lot.CurrentOccupancy
	for i := 0; i < hours; i++ {
		if seen[i] {
			current = peaks[i]
		}
		history.History = append(history.History, violation.OccupancyPoint{
			Timestamp:           start.Add(time.Duration(i) * time.Hour),
			Occupancy:           current,
			OccupancyPercentage: violation.OccupancyPercentage(current, lot.LegalCapacity),
		})
	}
	return history, nil
}

func (s *ViolationService) find(ctx context.Context, id int64) (*repository.Violation, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: invalid violation id", ErrInvalidInput)
	}
	row, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get violation: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("%w: violation %d", ErrNotFound, id)
	}
	return row, nil
}

func toViolation(row repository.Violation) violation.Violation {
	v := violation.Violation{
		ID:                  row.ID,
		ParkingLotID:        row.ParkingLotID,
		OccupancyPercentage: row.OccupancyPercentage,
		OccupancyCount:      row.OccupancyCount,
		LegalCapacity:       row.LegalCapacity,
		Status:              violation.Status(row.Status),
		DetectedAt:          row.DetectedAt,
		AcknowledgedAt:      row.AcknowledgedAt,
		ResolvedAt:          row.ResolvedAt,
		Notes:               row.Notes,
		EvidenceReportURL:   row.EvidenceReportURL,
		PhotoEvidenceURL:    row.PhotoEvidenceURL,
		AcknowledgedBy:      row.AcknowledgedBy,
		ResolvedBy:          row.ResolvedBy,
	}
	if len(row.RawPayload) > 0 {
		v.RawPayload = map[string]interface{}(row.RawPayload)
	}
	if row.ParkingLot != nil {
		lot := toParkingLot(*row.ParkingLot)
		v.ParkingLot = &lot
	}
	v.Critical = v.IsCritical()
	return v
}

func toParkingLot(lot repository.ParkingLot) violation.ParkingLot {
	return violation.ParkingLot{
		ID:               lot.ID,
		Name:             lot.Name,
		Location:         lot.Location,
		Latitude:         lot.Latitude,
		Longitude:        lot.Longitude,
		LegalCapacity:    lot.LegalCapacity,
		CurrentOccupancy: lot.CurrentOccupancy,
		IsActive:         lot.IsActive,
	}
}
