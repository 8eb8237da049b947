package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/tg-compressor/internal/jobs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertUserTwice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, 42, "alice", "Alice", ""); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertUser(ctx, 42, "alice_new", "Alice", "Smith"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
}

func TestJobRoundTripAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, 7, "bob", "Bob", ""); err != nil {
		t.Fatal(err)
	}

	j := jobs.New(7, "/tmp/in.mp4", "in.mp4")
	if err := s.CreateJob(ctx, j, 1000); err != nil {
		t.Fatalf("create job: %v", err)
	}

	_ = j.Advance(jobs.StateRunning)
	_ = j.Advance(jobs.StateSucceeded)
	j.Result = &jobs.Result{
		OutputPath: "/tmp/out.mkv",
		OrigBytes:  1000,
		OutBytes:   400,
		Width:      854,
		Height:     480,
		Elapsed:    3 * time.Second,
	}
	if err := s.FinishJob(ctx, j); err != nil {
		t.Fatalf("finish job: %v", err)
	}

	st, err := s.UserStats(ctx, 7)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 1 || st.Succeeded != 1 {
		t.Fatalf("stats = %+v, want 1 total, 1 succeeded", st)
	}
	if st.BytesIn != 1000 || st.BytesOut != 400 {
		t.Fatalf("stats bytes = %d in, %d out", st.BytesIn, st.BytesOut)
	}
}

func TestFailedJobCountsTowardsTotalOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, 8, "carol", "Carol", ""); err != nil {
		t.Fatal(err)
	}

	j := jobs.New(8, "/tmp/in.mp4", "in.mp4")
	if err := s.CreateJob(ctx, j, 500); err != nil {
		t.Fatal(err)
	}
	_ = j.Advance(jobs.StateRunning)
	_ = j.Advance(jobs.StateFailed)
	j.Failure = &jobs.Failure{Kind: jobs.KindTimeout, Message: "Processing took too long and was stopped."}
	if err := s.FinishJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	st, err := s.UserStats(ctx, 8)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 1 || st.Succeeded != 0 {
		t.Fatalf("stats = %+v, want 1 total, 0 succeeded", st)
	}
	if st.BytesIn != 0 {
		t.Fatalf("failed job contributed %d bytes in", st.BytesIn)
	}
}

func TestStatsForUnknownUser(t *testing.T) {
	s := openTestStore(t)
	st, err := s.UserStats(context.Background(), 999)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 0 {
		t.Fatalf("unknown user total = %d", st.Total)
	}
}
