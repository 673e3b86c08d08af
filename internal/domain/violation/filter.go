package violation

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

type SortKey string

const (
	SortNewest   SortKey = "newest"
	SortSeverity SortKey = "severity"
	SortLotName  SortKey = "lot_name"
)

const DateLayout = "2006-01-02"

var ErrInvalidFilter = errors.New("invalid filter")

func (k SortKey) Valid() bool {
	switch k {
	case SortNewest, SortSeverity, SortLotName:
		return true
	}
	return false
}

// Filter selects violations. A zero Status matches any status. From and To are
// calendar dates: From is inclusive from local midnight, To is inclusive to the
// end of its day.
type Filter struct {
	Status Status
	LotID  *int64
	From   *time.Time
	To     *time.Time
	SortBy SortKey
}

// Normalized returns a copy with the default sort key filled in.
func (f Filter) Normalized() Filter {
	if f.SortBy == "" {
		f.SortBy = SortNewest
	}
	return f
}

func (f Filter) Validate() error {
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, f.Status)
	}
	if f.SortBy != "" && !f.SortBy.Valid() {
		return fmt.Errorf("%w: unknown sort key %q", ErrInvalidFilter, f.SortBy)
	}
	if f.From != nil && f.To != nil && StartOfDay(*f.From).After(EndOfDay(*f.To)) {
		return fmt.Errorf("%w: from_date after to_date", ErrInvalidFilter)
	}
	return nil
}

// Matches evaluates membership locally. Used for push events, where no
// round trip to the server is possible.
func (f Filter) Matches(v Violation) bool {
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	if f.LotID != nil && v.ParkingLotID != *f.LotID {
		return false
	}
	if f.From != nil && v.DetectedAt.Before(StartOfDay(*f.From)) {
		return false
	}
	if f.To != nil && v.DetectedAt.After(EndOfDay(*f.To)) {
		return false
	}
	return true
}

func (f Filter) Equal(other Filter) bool {
	return f.Status == other.Status &&
		f.Normalized().SortBy == other.Normalized().SortBy &&
		equalInt64(f.LotID, other.LotID) &&
		equalDate(f.From, other.From) &&
		equalDate(f.To, other.To)
}

// Query serializes the filter to the fetch endpoint's query parameters.
func (f Filter) Query() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.LotID != nil {
		q.Set("lot_id", strconv.FormatInt(*f.LotID, 10))
	}
	if f.From != nil {
		q.Set("from_date", f.From.Format(DateLayout))
	}
	if f.To != nil {
		q.Set("to_date", f.To.Format(DateLayout))
	}
	q.Set("sort_by", string(f.Normalized().SortBy))
	return q
}

// ParseFilter is the inverse of Query.
func ParseFilter(q url.Values) (Filter, error) {
	f := Filter{
		Status: Status(q.Get("status")),
		SortBy: SortKey(q.Get("sort_by")),
	}
	if raw := q.Get("lot_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: invalid lot_id", ErrInvalidFilter)
		}
		f.LotID = &id
	}
	if raw := q.Get("from_date"); raw != "" {
		d, err := ParseDate(raw)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: invalid from_date", ErrInvalidFilter)
		}
		f.From = &d
	}
	if raw := q.Get("to_date"); raw != "" {
		d, err := ParseDate(raw)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: invalid to_date", ErrInvalidFilter)
		}
		f.To = &d
	}
	f = f.Normalized()
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}
	return f, nil
}

// ParseDate parses a YYYY-MM-DD date at local midnight.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.Local)
}

func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

func equalInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return StartOfDay(*a).Equal(StartOfDay(*b))
}
