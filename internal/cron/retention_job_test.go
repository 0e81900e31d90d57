package cron

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePurger struct {
	cutoff  time.Time
	deleted int64
	err     error
}

func (f *fakePurger) DeleteSentBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.deleted, f.err
}

func (f *fakePurger) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.deleted, f.err
}

func TestOutboxRetentionJobUsesConfiguredWindow(t *testing.T) {
	purger := &fakePurger{deleted: 3}
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     testLogger(),
		Repository: purger,
		MaxAge:     48 * time.Hour,
	})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job.(*outboxRetentionJob).now = func() time.Time { return frozen }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run job: %v", err)
	}
	want := frozen.Add(-48 * time.Hour)
	if !purger.cutoff.Equal(want) {
		t.Fatalf("cutoff %v, want %v", purger.cutoff, want)
	}
}

func TestOutboxRetentionJobWrapsRepositoryError(t *testing.T) {
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     testLogger(),
		Repository: &fakePurger{err: errors.New("db down")},
	})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error from failing purge")
	}
}

func TestInboxRetentionJobUsesConfiguredWindow(t *testing.T) {
	purger := &fakePurger{deleted: 5}
	job, err := NewInboxRetentionJob(InboxRetentionJobParams{
		Logger:     testLogger(),
		Repository: purger,
		MaxAge:     72 * time.Hour,
	})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job.(*inboxRetentionJob).now = func() time.Time { return frozen }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run job: %v", err)
	}
	want := frozen.Add(-72 * time.Hour)
	if !purger.cutoff.Equal(want) {
		t.Fatalf("cutoff %v, want %v", purger.cutoff, want)
	}
}

func TestRetentionJobsRequireRepository(t *testing.T) {
	if _, err := NewOutboxRetentionJob(OutboxRetentionJobParams{Logger: testLogger()}); err == nil {
		t.Fatal("expected error without outbox repository")
	}
	if _, err := NewInboxRetentionJob(InboxRetentionJobParams{Logger: testLogger()}); err == nil {
		t.Fatal("expected error without inbox repository")
	}
}
