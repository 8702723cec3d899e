package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStatusBufferToggleReportsChange(t *testing.T) {
	t.Parallel()

	buf := NewStatusBuffer(nil)
	load := func(context.Context, string) (bool, bool, error) {
		return false, false, nil
	}

	changed, err := buf.Toggle(context.Background(), "post.rec-1.like.user-1", true, load)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !changed {
		t.Fatal("first activation should report a change")
	}
	changed, err = buf.Toggle(context.Background(), "post.rec-1.like.user-1", true, load)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if changed {
		t.Fatal("redundant activation should not report a change")
	}
	changed, err = buf.Toggle(context.Background(), "post.rec-1.like.user-1", false, load)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !changed {
		t.Fatal("deactivation should report a change")
	}
}

func TestStatusBufferToggleSeedsFromLoader(t *testing.T) {
	t.Parallel()

	buf := NewStatusBuffer(nil)
	load := func(context.Context, string) (bool, bool, error) {
		return true, true, nil
	}

	changed, err := buf.Toggle(context.Background(), "post.rec-1.like.user-1", true, load)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if changed {
		t.Fatal("activation matching the stored state should not report a change")
	}
}

func TestStatusBufferConcurrentTogglesSingleChange(t *testing.T) {
	t.Parallel()

	buf := NewStatusBuffer(nil)
	load := func(context.Context, string) (bool, bool, error) {
		return false, false, nil
	}

	const workers = 32
	var wg sync.WaitGroup
	var changes sync.Map
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			changed, err := buf.Toggle(context.Background(), "post.rec-1.like.user-1", true, load)
			if err != nil {
				t.Errorf("toggle: %v", err)
				return
			}
			changes.Store(i, changed)
		}(i)
	}
	wg.Wait()

	total := 0
	changes.Range(func(_, v any) bool {
		if v.(bool) {
			total++
		}
		return true
	})
	if total != 1 {
		t.Fatalf("expected exactly one observed change, got %d", total)
	}
}

func TestStatusBufferLoaderErrorRetries(t *testing.T) {
	t.Parallel()

	buf := NewStatusBuffer(nil)
	failed := errors.New("storage down")
	calls := 0
	load := func(context.Context, string) (bool, bool, error) {
		calls++
		if calls == 1 {
			return false, false, failed
		}
		return false, false, nil
	}

	if _, err := buf.Toggle(context.Background(), "post.rec-1.like.user-1", true, load); !errors.Is(err, failed) {
		t.Fatalf("expected load error, got %v", err)
	}
	changed, err := buf.Toggle(context.Background(), "post.rec-1.like.user-1", true, load)
	if err != nil {
		t.Fatalf("retry toggle: %v", err)
	}
	if !changed {
		t.Fatal("retried activation should report a change")
	}
}

func TestStatusBufferSetAndBatchGet(t *testing.T) {
	t.Parallel()

	buf := NewStatusBuffer(nil)
	buf.Set("post.rec-1.view.user-1", "post.rec-2.view.user-1")

	values := buf.BatchGet([]string{
		"post.rec-1.view.user-1",
		"post.rec-2.view.user-1",
		"post.rec-3.view.user-1",
	})
	if len(values) != 2 {
		t.Fatalf("expected 2 cached flags, got %d", len(values))
	}
	if !values["post.rec-1.view.user-1"] || !values["post.rec-2.view.user-1"] {
		t.Fatalf("expected set keys active, got %v", values)
	}
	if _, ok := values["post.rec-3.view.user-1"]; ok {
		t.Fatal("uncached key should be skipped, not defaulted")
	}
}

func TestStatusBufferGetAfterLastFlush(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := now
	buf := NewStatusBuffer(func() time.Time { return clock })

	buf.Set("post.rec-1.view.user-1")
	clock = now.Add(2 * time.Minute)
	if _, err := buf.Toggle(context.Background(), "post.rec-1.like.user-1", true, nil); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	changed := buf.GetAfterLastFlush(now.Add(time.Minute))
	if len(changed) != 1 {
		t.Fatalf("expected one changed key, got %d", len(changed))
	}
	if !changed["post.rec-1.like.user-1"] {
		t.Fatalf("expected toggled key active, got %v", changed)
	}
}
