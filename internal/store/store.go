// Package store keeps the live, filter-scoped snapshot of violations.
//
// Three kinds of reaction mutate a Store: fetch completions, push messages
// and removal timer expiries. They are serialised by one mutex and network
// calls always run outside it, so no reaction ever observes another one
// half-applied. Change listeners are invoked after the mutex is released.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-monitor/internal/channel"
	"parking-monitor/internal/clock"
	"parking-monitor/internal/domain/violation"
	"parking-monitor/internal/view"
)

var (
	// ErrTransientFetch wraps network and HTTP failures of load, counts and
	// mutate. The snapshot is left untouched; retry by calling again.
	ErrTransientFetch = errors.New("transient fetch error")
	// ErrSuperseded is returned by a load whose response arrived after a
	// newer load was issued. The response is discarded.
	ErrSuperseded = errors.New("load superseded")
)

type API interface {
	FetchViolations(ctx context.Context, f violation.Filter) (violation.Page, error)
	FetchCounts(ctx context.Context) (violation.Counts, error)
	PatchViolation(ctx context.Context, id int64, patch violation.Patch) (violation.Violation, error)
}

type Channel interface {
	Connect(ctx context.Context, name string) error
	Subscribe(id string, handler channel.Handler)
	Unsubscribe(id string)
}

type Options struct {
	ChannelName   string
	RemovalGrace  time.Duration
	CountsTimeout time.Duration
	// OnChange runs after every state change, outside the store lock.
	OnChange func()
}

func DefaultOptions() Options {
	return Options{
		ChannelName:   "violations",
		RemovalGrace:  350 * time.Millisecond,
		CountsTimeout: 10 * time.Second,
	}
}

type removal struct {
	timer clock.Timer
}

type Store struct {
	api          API
	channel      Channel
	clock        clock.Clock
	opts         Options
	log          zerolog.Logger
	subscriberID string

	mu            sync.Mutex
	filter        violation.Filter
	records       []violation.Violation
	index         map[int64]int
	total         int64
	counts        violation.Counts
	loading       bool
	err           error
	loadSeq       uint64
	countsSeq     uint64
	countsApplied uint64
	removing      map[int64]*removal
	saving        map[int64]int
	closed        bool

	background sync.WaitGroup
}

func New(api API, ch Channel, clk clock.Clock, opts Options, log zerolog.Logger) *Store {
	defaults := DefaultOptions()
	if opts.ChannelName == "" {
		opts.ChannelName = defaults.ChannelName
	}
	if opts.RemovalGrace <= 0 {
		opts.RemovalGrace = defaults.RemovalGrace
	}
	if opts.CountsTimeout <= 0 {
		opts.CountsTimeout = defaults.CountsTimeout
	}
	return &Store{
		api:          api,
		channel:      ch,
		clock:        clk,
		opts:         opts,
		log:          log,
		subscriberID: "store-" + uuid.NewString(),
		filter:       violation.Filter{}.Normalized(),
		index:        make(map[int64]int),
		removing:     make(map[int64]*removal),
		saving:       make(map[int64]int),
	}
}

// Open subscribes to the push channel, connects it and performs the initial
// load and counts fetch. A channel that cannot connect keeps retrying in the
// background and does not fail Open.
func (s *Store) Open(ctx context.Context, f violation.Filter) error {
	s.channel.Subscribe(s.subscriberID, s.handleMessage)
	if err := s.channel.Connect(ctx, s.opts.ChannelName); err != nil {
		s.log.Warn().Err(err).Str("channel", s.opts.ChannelName).Msg("push channel unavailable, retrying in background")
	}

	loadErr := s.Load(ctx, f)
	if err := s.RefreshCounts(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial counts fetch failed")
	}
	return loadErr
}

// Close unsubscribes from the channel, cancels pending removals and waits
// for background count refreshes. The channel itself stays owned by the caller.
func (s *Store) Close() {
	s.channel.Unsubscribe(s.subscriberID)

	s.mu.Lock()
	s.closed = true
	s.cancelRemovalsLocked()
	s.mu.Unlock()

	s.background.Wait()
}

// Load replaces the snapshot with the server's result for f and makes f the
// active filter once that result arrives. A failed load keeps both the
// snapshot and the filter it belongs to. A response overtaken by a newer
// load is dropped.
func (s *Store) Load(ctx context.Context, f violation.Filter) error {
	f = f.Normalized()
	if err := f.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	s.loading = true
	s.err = nil
	s.mu.Unlock()
	s.notify()

	page, err := s.api.FetchViolations(ctx, f)

	s.mu.Lock()
	if seq != s.loadSeq {
		s.mu.Unlock()
		s.log.Debug().Uint64("load_seq", seq).Msg("discarding superseded load")
		return ErrSuperseded
	}
	s.loading = false
	if err != nil {
		s.err = fmt.Errorf("%w: %w", ErrTransientFetch, err)
		loadErr := s.err
		s.mu.Unlock()
		s.log.Error().Err(err).Str("status", string(f.Status)).Msg("failed to load violations")
		s.notify()
		return loadErr
	}

	s.cancelRemovalsLocked()
	s.filter = f
	s.records = append(make([]violation.Violation, 0, len(page.Violations)), page.Violations...)
	view.Sort(s.records, f.SortBy)
	s.reindexLocked()
	s.total = page.Total
	size := len(s.records)
	s.mu.Unlock()

	s.log.Info().
		Int("loaded", size).
		Int64("total", page.Total).
		Str("status", string(f.Status)).
		Str("sort_by", string(f.SortBy)).
		Msg("loaded violations")
	s.notify()
	return nil
}

// SetFilter is Load under another name: a filter change always goes back
// to the server rather than refiltering the current snapshot.
func (s *Store) SetFilter(ctx context.Context, f violation.Filter) error {
	return s.Load(ctx, f)
}

// RefreshCounts fetches the global open and critical counts. They do not
// depend on the active filter.
func (s *Store) RefreshCounts(ctx context.Context) error {
	s.mu.Lock()
	s.countsSeq++
	seq := s.countsSeq
	s.mu.Unlock()

	counts, err := s.api.FetchCounts(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to fetch violation counts")
		return fmt.Errorf("%w: %w", ErrTransientFetch, err)
	}

	s.mu.Lock()
	if seq < s.countsApplied {
		s.mu.Unlock()
		return nil
	}
	s.countsApplied = seq
	s.counts = counts
	s.mu.Unlock()
	s.notify()
	return nil
}

// ApplyCreate handles a newly detected violation. It enters the snapshot only
// if it matches the filter active now. Counts are refreshed either way since
// they are global.
func (s *Store) ApplyCreate(v violation.Violation) bool {
	s.mu.Lock()
	matched := s.filter.Matches(v)
	if matched {
		if _, ok := s.index[v.ID]; ok {
			s.replaceLocked(v)
		} else {
			s.insertLocked(v)
		}
	}
	s.mu.Unlock()

	if matched {
		s.log.Debug().Int64("violation_id", v.ID).Msg("inserted new violation")
		s.notify()
	}
	s.refreshCountsAsync()
	return matched
}

// ApplyUpdate reconciles the full record of a changed violation.
func (s *Store) ApplyUpdate(id int64, v violation.Violation) {
	v.ID = id

	s.mu.Lock()
	s.reconcileLocked(v)
	s.mu.Unlock()

	s.notify()
	s.refreshCountsAsync()
}

// Mutate sends a user change to the server and reconciles the record the
// server returns. The patch itself is never written into the snapshot; while
// the request is in flight the record is only flagged as saving.
func (s *Store) Mutate(ctx context.Context, id int64, patch violation.Patch) (violation.Violation, error) {
	s.mu.Lock()
	s.saving[id]++
	s.mu.Unlock()
	s.notify()

	updated, err := s.api.PatchViolation(ctx, id, patch)

	s.mu.Lock()
	if s.saving[id]--; s.saving[id] <= 0 {
		delete(s.saving, id)
	}
	if err != nil {
		s.err = fmt.Errorf("%w: %w", ErrTransientFetch, err)
		mutateErr := s.err
		s.mu.Unlock()
		s.log.Error().Err(err).Int64("violation_id", id).Msg("failed to update violation")
		s.notify()
		return violation.Violation{}, mutateErr
	}
	updated.ID = id
	s.reconcileLocked(updated)
	s.mu.Unlock()

	s.log.Info().
		Int64("violation_id", id).
		Str("status", string(updated.Status)).
		Msg("updated violation")
	s.notify()

	_ = s.RefreshCounts(ctx)
	return updated, nil
}

// ScheduleRemoval marks id as removing and evicts it after the grace
// interval. Scheduling an id that is already pending does nothing.
func (s *Store) ScheduleRemoval(id int64) {
	s.mu.Lock()
	s.scheduleRemovalLocked(id)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) reconcileLocked(v violation.Violation) {
	matches := s.filter.Matches(v)
	if _, ok := s.index[v.ID]; ok {
		s.replaceLocked(v)
		if !matches {
			s.scheduleRemovalLocked(v.ID)
		}
		return
	}
	if matches {
		s.insertLocked(v)
	}
}

// insertLocked adds a record under the active sort. Under newest a new record
// is normally the latest detection, so it is put first; the stable sort that
// follows fixes the order if it was not.
func (s *Store) insertLocked(v violation.Violation) {
	if s.filter.SortBy == violation.SortNewest {
		s.records = append([]violation.Violation{v}, s.records...)
	} else {
		s.records = append(s.records, v)
	}
	view.Sort(s.records, s.filter.SortBy)
	s.reindexLocked()
}

func (s *Store) replaceLocked(v violation.Violation) {
	s.records[s.index[v.ID]] = v
	view.Sort(s.records, s.filter.SortBy)
	s.reindexLocked()
}

func (s *Store) removeLocked(id int64) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	s.reindexLocked()
	return true
}

func (s *Store) reindexLocked() {
	s.index = make(map[int64]int, len(s.records))
	for i, r := range s.records {
		s.index[r.ID] = i
	}
}

func (s *Store) scheduleRemovalLocked(id int64) {
	if _, ok := s.removing[id]; ok {
		return
	}
	r := &removal{}
	s.removing[id] = r
	r.timer = s.clock.AfterFunc(s.opts.RemovalGrace, func() { s.expire(id, r) })
	s.log.Debug().Int64("violation_id", id).Dur("grace", s.opts.RemovalGrace).Msg("scheduled removal")
}

// expire evicts id regardless of whether it would match the filter again by
// now. A removal cancelled by a later load is ignored.
func (s *Store) expire(id int64, r *removal) {
	s.mu.Lock()
	if s.removing[id] != r {
		s.mu.Unlock()
		return
	}
	delete(s.removing, id)
	removed := s.removeLocked(id)
	s.mu.Unlock()

	if removed {
		s.log.Debug().Int64("violation_id", id).Msg("removed violation after grace interval")
	}
	s.notify()
}

func (s *Store) cancelRemovalsLocked() {
	for id, r := range s.removing {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(s.removing, id)
	}
}

func (s *Store) refreshCountsAsync() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.background.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.CountsTimeout)
		defer cancel()
		_ = s.RefreshCounts(ctx)
	}()
}

func (s *Store) handleMessage(msg channel.Message) {
	push, err := violation.DecodePush(msg.Raw)
	if err != nil {
		s.log.Debug().Err(err).Str("type", msg.Type).Msg("dropping push message")
		return
	}

	switch push.Type {
	case violation.TypeViolationUpdate:
		s.ApplyCreate(*push.Data)
	case violation.TypeViolationStatusUpdate:
		s.ApplyUpdate(push.ViolationID, *push.Data)
	}
}

func (s *Store) notify() {
	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}

// State is a consistent read of everything the dashboard renders.
type State struct {
	Filter  violation.Filter
	Items   []view.Item
	Total   int64
	Counts  violation.Counts
	Loading bool
	Err     error
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	removing := make(map[int64]bool, len(s.removing))
	for id := range s.removing {
		removing[id] = true
	}
	saving := make(map[int64]bool, len(s.saving))
	for id := range s.saving {
		saving[id] = true
	}

	return State{
		Filter:  s.filter,
		Items:   view.Project(s.records, s.filter.SortBy, removing, saving),
		Total:   s.total,
		Counts:  s.counts,
		Loading: s.loading,
		Err:     s.err,
	}
}

// Snapshot returns a copy of the records currently held, keyed by id.
func (s *Store) Snapshot() map[int64]violation.Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]violation.Violation, len(s.records))
	for _, r := range s.records {
		out[r.ID] = r
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Removing lists ids waiting out their grace interval, ascending.
func (s *Store) Removing() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.removing))
	for id := range s.removing {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) Counts() violation.Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

func (s *Store) SubscriberID() string {
	return s.subscriberID
}
