// Package patienttest provides an in-memory patient.Store for tests.
package patienttest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/patient"
)

// Store is a concurrency-safe in-memory patient.Store
type Store struct {
	mu      sync.Mutex
	records map[string]*patient.Record
	events  []*patient.Event

	// Err, when set, is returned by every call
	Err error
	// BeforeWrite runs inside update calls before the version check
	BeforeWrite func(id string)
	// Writes counts successful writes
	Writes int
}

// NewStore creates a store seeded with recs
func NewStore(recs ...*patient.Record) *Store {
	s := &Store{records: make(map[string]*patient.Record)}
	for _, r := range recs {
		c := r.Clone()
		if c.Version == 0 {
			c.Version = 1
		}
		s.records[c.ID] = c
	}
	return s
}

// Events returns the events bound by writes, in order
func (s *Store) Events() []*patient.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*patient.Event(nil), s.events...)
}

// Remove deletes a record without an event, simulating another client
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// Bump increments a record's version, simulating a concurrent edit
func (s *Store) Bump(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.Version++
	}
}

func (s *Store) List(ctx context.Context, f patient.Filter) ([]*patient.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []*patient.Record
	for _, r := range s.records {
		if !r.Matches(f.Query) {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.PaymentStatus != "" && r.PaymentStatus != f.PaymentStatus {
			continue
		}
		if f.ReminderStatus != "" && r.ReminderStatus != f.ReminderStatus {
			continue
		}
		if f.Email != "" && r.Email != f.Email {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (*patient.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	r, ok := s.records[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) Insert(ctx context.Context, rec *patient.Record, ev *patient.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	rec.Version = 1
	s.records[rec.ID] = rec.Clone()
	s.record(ev.Bind(rec))
	return nil
}

func (s *Store) Delete(ctx context.Context, id string, ev *patient.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	r, ok := s.records[id]
	if !ok {
		return patient.ErrNotFound
	}
	delete(s.records, id)
	s.record(ev.Bind(r))
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, to delivery.Status, v int64, ev *patient.Event) (*patient.Record, error) {
	return s.update(ctx, id, v, ev, func(r *patient.Record) { r.Status = to })
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, id string, to delivery.PaymentStatus, v int64, ev *patient.Event) (*patient.Record, error) {
	return s.update(ctx, id, v, ev, func(r *patient.Record) { r.PaymentStatus = to })
}

func (s *Store) UpdateReminderStatus(ctx context.Context, id string, to delivery.ReminderStatus, v int64, ev *patient.Event) (*patient.Record, error) {
	return s.update(ctx, id, v, ev, func(r *patient.Record) { r.ReminderStatus = to })
}

func (s *Store) update(ctx context.Context, id string, v int64, ev *patient.Event, mutate func(*patient.Record)) (*patient.Record, error) {
	if s.BeforeWrite != nil {
		s.BeforeWrite(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	r, ok := s.records[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	if v > 0 && r.Version != v {
		return nil, patient.ErrConflict
	}
	mutate(r)
	r.Version++
	r.UpdatedAt = time.Now().UTC()
	s.Writes++
	s.record(ev.Bind(r))
	return r.Clone(), nil
}

func (s *Store) Stats(ctx context.Context) (*patient.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	st := &patient.Stats{
		ByStatus:        make(map[delivery.Status]int64),
		ByPaymentStatus: make(map[delivery.PaymentStatus]int64),
	}
	for _, r := range s.records {
		st.Total++
		st.ByStatus[r.Status]++
		st.ByPaymentStatus[r.PaymentStatus]++
		if r.PaymentStatus != delivery.PaymentPaid {
			st.OutstandingAmount += r.Amount
		}
	}
	return st, nil
}

func (s *Store) check(ctx context.Context) error {
	if s.Err != nil {
		return s.Err
	}
	return ctx.Err()
}

func (s *Store) record(ev *patient.Event) {
	if ev != nil {
		s.events = append(s.events, ev)
	}
}

var _ patient.Store = (*Store)(nil)
