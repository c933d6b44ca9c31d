package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"voicegate/internal/audit/domain"
)

type fakeRepo struct {
	mu      sync.Mutex
	records []*domain.Record
	err     error
	created chan struct{}
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{created: make(chan struct{}, 16)}
}

func (f *fakeRepo) Create(_ context.Context, rec *domain.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() { f.created <- struct{}{} }()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRepo) ListByActor(_ context.Context, actor string, limit, offset int32) ([]*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Record
	for _, r := range f.records {
		if r.Actor == actor {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []*domain.Record
	err       error
	done      chan struct{}
}

func (f *fakePublisher) Publish(_ context.Context, rec *domain.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() { f.done <- struct{}{} }()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, rec)
	return nil
}

func waitSignal(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async audit write")
	}
}

func TestRecordFillsIDAndTimestamp(t *testing.T) {
	repo := newFakeRepo()
	sink := NewSink(repo, nil, zerolog.Nop())

	sink.Record(context.Background(), &domain.Record{
		Actor:      "identity-1",
		Action:     "phrase_submitted",
		EntityType: "challenge",
		EntityID:   "ch-1",
		Success:    true,
	})
	waitSignal(t, repo.created)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(repo.records))
	}
	rec := repo.records[0]
	if rec.ID == "" {
		t.Error("ID must be filled in")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt must be filled in")
	}
}

func TestRecordDoesNotBlockOnRepoError(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("store down")
	sink := NewSink(repo, nil, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		sink.Record(context.Background(), &domain.Record{Actor: "identity-1", Action: "x"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record must not block the caller")
	}
	waitSignal(t, repo.created)
}

func TestRecordPublishes(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{done: make(chan struct{}, 16)}
	sink := NewSink(repo, pub, zerolog.Nop())

	sink.Record(context.Background(), &domain.Record{Actor: "identity-1", Action: "verification_session_resolved"})
	waitSignal(t, repo.created)
	waitSignal(t, pub.done)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 published record, got %d", len(pub.published))
	}
}

func TestRecordPublishFailureStillPersists(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{done: make(chan struct{}, 16), err: errors.New("broker down")}
	sink := NewSink(repo, pub, zerolog.Nop())

	sink.Record(context.Background(), &domain.Record{Actor: "identity-1", Action: "x"})
	waitSignal(t, repo.created)
	waitSignal(t, pub.done)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.records) != 1 {
		t.Fatal("record must persist even when publishing fails")
	}
}

func TestRecordNilSafe(t *testing.T) {
	var sink *Sink
	sink.Record(context.Background(), &domain.Record{}) // must not panic
	s := NewSink(nil, nil, zerolog.Nop())
	s.Record(context.Background(), nil) // must not panic
}
