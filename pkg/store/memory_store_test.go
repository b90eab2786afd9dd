package store

import (
	"errors"
	"sync"
	"testing"

	"web3university/pkg/domain"
)

func TestUpsertPurchaseIdempotent(t *testing.T) {
	s := NewMemoryStore()
	record := domain.PurchaseRecord{
		CourseID:    "course-1",
		Buyer:       "0xBBB",
		PriceYD:     "1000",
		EventID:     "0xabc:0",
		BlockNumber: 7,
	}

	applied, err := s.UpsertPurchase(record)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !applied {
		t.Fatal("first upsert should apply")
	}

	applied, err = s.UpsertPurchase(record)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if applied {
		t.Fatal("second upsert of the same record must be a no-op")
	}

	rows, err := s.ListPurchasesByBuyer("0xbbb")
	if err != nil {
		t.Fatalf("list purchases: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(rows))
	}
	if rows[0].PriceYD != "1000" {
		t.Fatalf("unexpected price: %s", rows[0].PriceYD)
	}
}

func TestUpsertPurchaseConcurrentSamePair(t *testing.T) {
	s := NewMemoryStore()
	record := domain.PurchaseRecord{CourseID: "c", Buyer: "0xAAA", PriceYD: "5"}

	const n = 32
	results := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := s.UpsertPurchase(record)
			if err != nil {
				t.Errorf("upsert: %v", err)
			}
			results <- applied
		}()
	}
	wg.Wait()
	close(results)

	appliedCount := 0
	for applied := range results {
		if applied {
			appliedCount++
		}
	}
	if appliedCount != 1 {
		t.Fatalf("exactly one concurrent insert must win, got %d", appliedCount)
	}
}

func TestPurchaseKeyIsCaseInsensitiveOnBuyer(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.UpsertPurchase(domain.PurchaseRecord{CourseID: "c", Buyer: "0xAbCd", PriceYD: "1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	applied, err := s.UpsertPurchase(domain.PurchaseRecord{CourseID: "c", Buyer: "0xABCD", PriceYD: "1"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if applied {
		t.Fatal("differently-cased buyer must hit the same row")
	}
	if _, ok, _ := s.GetPurchase("c", "0xabcd"); !ok {
		t.Fatal("lookup by lowercase buyer should find the row")
	}
}

func TestUpdateNicknameRequiresRegistration(t *testing.T) {
	s := NewMemoryStore()
	if err := s.UpdateNickname("0xAAA", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.UpsertUser(domain.User{Address: "0xAAA", LastSignature: "0xsig"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := s.UpdateNickname("0xaaa", "alice"); err != nil {
		t.Fatalf("update nickname: %v", err)
	}
	u, ok, err := s.GetUser("0xAAA")
	if err != nil || !ok {
		t.Fatalf("get user: ok=%v err=%v", ok, err)
	}
	if u.Nickname != "alice" {
		t.Fatalf("nickname not updated: %q", u.Nickname)
	}
}

func TestUpsertUserKeepsCreatedAt(t *testing.T) {
	s := NewMemoryStore()
	if err := s.UpsertUser(domain.User{Address: "0xAAA", Nickname: ""}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	first, _, _ := s.GetUser("0xaaa")
	if err := s.UpsertUser(domain.User{Address: "0xAAA", Nickname: "bob", LastSignature: "0x1"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	second, _, _ := s.GetUser("0xaaa")
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("re-login must not reset createdAt")
	}
	if second.Nickname != "bob" || second.LastSignature != "0x1" {
		t.Fatalf("re-login should refresh nickname and signature, got %+v", second)
	}
}

func TestListCoursesByBuyer(t *testing.T) {
	s := NewMemoryStore()
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := s.SaveCourse(domain.Course{ID: id, Author: "0xA", Title: id}); err != nil {
			t.Fatalf("save course: %v", err)
		}
	}
	if _, err := s.UpsertPurchase(domain.PurchaseRecord{CourseID: "c2", Buyer: "0xB", PriceYD: "1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	mine, err := s.ListCoursesByBuyer("0xb")
	if err != nil {
		t.Fatalf("list by buyer: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "c2" {
		t.Fatalf("expected [c2], got %+v", mine)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	if _, ok, _ := s.GetCheckpoint(); ok {
		t.Fatal("fresh store should have no checkpoint")
	}
	if err := s.SaveCheckpoint(domain.Checkpoint{BlockNumber: 42, EventID: "0xabc:1"}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	cp, ok, err := s.GetCheckpoint()
	if err != nil || !ok {
		t.Fatalf("get checkpoint: ok=%v err=%v", ok, err)
	}
	if cp.BlockNumber != 42 || cp.EventID != "0xabc:1" {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}
}
