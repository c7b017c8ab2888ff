package accesskit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryKeysetStoreRotateLifecycle(t *testing.T) {
	store := NewMemoryKeysetStore()
	ctx := context.Background()

	if err := store.Upsert(ctx, "shop-1", "access", "refresh", "token-1"); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if err := store.Rotate(ctx, "shop-1", "token-2", "token-1"); err != nil {
		t.Fatalf("rotate error: %v", err)
	}

	keyset, findErr := store.FindByShop(ctx, "shop-1")
	if findErr != nil {
		t.Fatalf("find error: %v", findErr)
	}
	if keyset.RefreshToken != "token-2" {
		t.Fatalf("expected current token token-2, got %q", keyset.RefreshToken)
	}
	if len(keyset.UsedRefreshTokens) != 1 || keyset.UsedRefreshTokens[0] != "token-1" {
		t.Fatalf("expected used set [token-1], got %v", keyset.UsedRefreshTokens)
	}

	if _, err := store.FindByCurrentRefreshToken(ctx, "token-1"); !errors.Is(err, ErrKeysetNotFound) {
		t.Fatalf("rotated-out token must leave the current index, got %v", err)
	}
	used, usedErr := store.FindByUsedRefreshToken(ctx, "token-1")
	if usedErr != nil {
		t.Fatalf("used lookup error: %v", usedErr)
	}
	if used.ShopID != "shop-1" {
		t.Fatalf("unexpected shop %q", used.ShopID)
	}
}

func TestMemoryKeysetStoreRotateConflicts(t *testing.T) {
	store := NewMemoryKeysetStore()
	ctx := context.Background()

	if err := store.Rotate(ctx, "shop-missing", "new", "old"); !errors.Is(err, ErrKeysetNotFound) {
		t.Fatalf("expected not found for missing keyset, got %v", err)
	}

	if err := store.Upsert(ctx, "shop-1", "access", "refresh", "token-1"); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if err := store.Rotate(ctx, "shop-1", "token-2", "token-1"); err != nil {
		t.Fatalf("rotate error: %v", err)
	}
	if err := store.Rotate(ctx, "shop-1", "token-3", "token-1"); !errors.Is(err, ErrRotateConflict) {
		t.Fatalf("expected conflict on used token, got %v", err)
	}
	if err := store.Rotate(ctx, "shop-1", "token-3", "token-never-issued"); !errors.Is(err, ErrRotateConflict) {
		t.Fatalf("expected conflict on unknown token, got %v", err)
	}
}

func TestMemoryKeysetStoreConcurrentRotateSingleWinner(t *testing.T) {
	store := NewMemoryKeysetStore()
	ctx := context.Background()

	if err := store.Upsert(ctx, "shop-1", "access", "refresh", "token-0"); err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	const contenders = 32
	var wg sync.WaitGroup
	results := make(chan error, contenders)
	for index := 0; index < contenders; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			results <- store.Rotate(ctx, "shop-1", fmt.Sprintf("token-new-%d", index), "token-0")
		}(index)
	}
	wg.Wait()
	close(results)

	winners, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrRotateConflict):
			conflicts++
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning rotation, got %d", winners)
	}
	if conflicts != contenders-1 {
		t.Fatalf("expected %d conflicts, got %d", contenders-1, conflicts)
	}
}

func TestMemoryKeysetStoreUpsertClearsUsedSet(t *testing.T) {
	store := NewMemoryKeysetStore()
	ctx := context.Background()

	if err := store.Upsert(ctx, "shop-1", "access", "refresh", "token-1"); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if err := store.Rotate(ctx, "shop-1", "token-2", "token-1"); err != nil {
		t.Fatalf("rotate error: %v", err)
	}
	if err := store.Upsert(ctx, "shop-1", "access-2", "refresh-2", "token-3"); err != nil {
		t.Fatalf("second upsert error: %v", err)
	}

	keyset, findErr := store.FindByShop(ctx, "shop-1")
	if findErr != nil {
		t.Fatalf("find error: %v", findErr)
	}
	if len(keyset.UsedRefreshTokens) != 0 {
		t.Fatalf("expected cleared used set, got %v", keyset.UsedRefreshTokens)
	}
	if _, err := store.FindByUsedRefreshToken(ctx, "token-1"); !errors.Is(err, ErrKeysetNotFound) {
		t.Fatalf("expected used index cleared, got %v", err)
	}
	if _, err := store.FindByCurrentRefreshToken(ctx, "token-2"); !errors.Is(err, ErrKeysetNotFound) {
		t.Fatalf("expected stale current index cleared, got %v", err)
	}
}

func TestMemoryKeysetStoreDelete(t *testing.T) {
	store := NewMemoryKeysetStore()
	ctx := context.Background()

	if err := store.DeleteByShop(ctx, "shop-1"); !errors.Is(err, ErrKeysetNotFound) {
		t.Fatalf("expected not found for missing keyset, got %v", err)
	}

	if err := store.Upsert(ctx, "shop-1", "access", "refresh", "token-1"); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if err := store.Rotate(ctx, "shop-1", "token-2", "token-1"); err != nil {
		t.Fatalf("rotate error: %v", err)
	}
	if err := store.DeleteByShop(ctx, "shop-1"); err != nil {
		t.Fatalf("delete error: %v", err)
	}

	if _, err := store.FindByShop(ctx, "shop-1"); !errors.Is(err, ErrKeysetNotFound) {
		t.Fatalf("expected keyset gone, got %v", err)
	}
	if _, err := store.FindByCurrentRefreshToken(ctx, "token-2"); !errors.Is(err, ErrKeysetNotFound) {
		t.Fatalf("expected current index gone, got %v", err)
	}
	if _, err := store.FindByUsedRefreshToken(ctx, "token-1"); !errors.Is(err, ErrKeysetNotFound) {
		t.Fatalf("expected used index gone, got %v", err)
	}
}
