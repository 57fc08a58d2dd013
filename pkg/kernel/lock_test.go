package kernel

import (
	"context"
	"testing"
	"time"
)

func TestClaimSet_OverlappingRunsSerialize(t *testing.T) {
	claims := newClaimSet()
	ctx := context.Background()

	if err := claims.acquire(ctx, []string{"A", "B"}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		_ = claims.acquire(ctx, []string{"B", "C"})
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Overlapping claim must wait")
	case <-time.After(30 * time.Millisecond):
	}

	// Disjoint claims proceed while the overlapping one waits.
	disjoint, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := claims.acquire(disjoint, []string{"D"}); err != nil {
		t.Fatalf("Disjoint claim blocked: %v", err)
	}

	claims.release([]string{"A", "B"})
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Overlapping claim not granted after release")
	}
}

func TestClaimSet_AcquireHonorsContext(t *testing.T) {
	claims := newClaimSet()
	_ = claims.acquire(context.Background(), []string{"A"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := claims.acquire(ctx, []string{"A"}); err == nil {
		t.Error("Expected acquire to fail when the context expires")
	}
}
