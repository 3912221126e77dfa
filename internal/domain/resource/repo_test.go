package resource

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ehr/screening/internal/platform/fhir"
)

func withMeta(r Resource, version string, at time.Time) Resource {
	r.SetMeta(&fhir.Meta{VersionID: version, LastUpdated: &at})
	return r
}

// runStoreContract exercises the behaviour every Store backend shares.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer s.Shutdown(ctx)

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := withMeta(testPatient("p1", "female", "1975-06-01"), "1", base)
	if err := s.Put(ctx, p); err != nil {
		t.Fatalf("Put patient: %v", err)
	}
	obs := []Resource{
		withMeta(testObservation("o-b", "p1", "laboratory", "4548-4", "2024-01-01"), "1", base.Add(time.Hour)),
		withMeta(testObservation("o-a", "p1", "laboratory", "4548-4", "2024-01-02"), "1", base.Add(time.Hour)),
		withMeta(testObservation("o-c", "p1", "vital-signs", "8480-6", "2024-01-03"), "1", base.Add(2*time.Hour)),
		withMeta(testObservation("o-x", "p2", "laboratory", "4548-4", "2024-01-03"), "1", base.Add(3*time.Hour)),
	}
	for _, o := range obs {
		if err := s.Put(ctx, o); err != nil {
			t.Fatalf("Put %s: %v", o.GetID(), err)
		}
	}

	t.Run("get round trip", func(t *testing.T) {
		got, err := s.Get(ctx, TypePatient, "p1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		gp := got.(*Patient)
		if gp.BirthDate != "1975-06-01" || VersionID(gp) != "1" || !LastUpdated(gp).Equal(base) {
			t.Errorf("unexpected patient %+v", gp)
		}
		if _, err := s.Get(ctx, TypePatient, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("query order and paging", func(t *testing.T) {
		got, total, err := s.Query(ctx, Query{ResourceType: TypeObservation, PatientID: "p1"})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if total != 3 {
			t.Fatalf("expected 3 matches, got %d", total)
		}
		want := []string{"o-c", "o-a", "o-b"}
		for i, w := range want {
			if got[i].GetID() != w {
				t.Errorf("position %d = %s, want %s", i, got[i].GetID(), w)
			}
		}

		page, total, err := s.Query(ctx, Query{ResourceType: TypeObservation, Offset: 1, Limit: 2})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if total != 4 || len(page) != 2 || page[0].GetID() != "o-c" {
			t.Errorf("unexpected page total=%d %v", total, page)
		}
	})

	t.Run("query predicate", func(t *testing.T) {
		got, total, err := s.Query(ctx, Query{
			ResourceType: TypeObservation,
			Match:        func(r Resource) bool { return r.(*Observation).Code.FirstCode() == "8480-6" },
		})
		if err != nil || total != 1 || got[0].GetID() != "o-c" {
			t.Errorf("unexpected predicate result %v %d %v", got, total, err)
		}
	})

	t.Run("tombstone", func(t *testing.T) {
		at := base.Add(24 * time.Hour)
		if err := s.Tombstone(ctx, TypeObservation, "o-a", "2", at); err != nil {
			t.Fatalf("Tombstone: %v", err)
		}
		got, err := s.Get(ctx, TypeObservation, "o-a")
		if !errors.Is(err, ErrDeleted) {
			t.Fatalf("expected ErrDeleted, got %v", err)
		}
		if VersionID(got) != "2" || !LastUpdated(got).Equal(at) {
			t.Errorf("tombstone meta not recorded: %+v", got.GetMeta())
		}
		_, total, _ := s.Query(ctx, Query{ResourceType: TypeObservation, PatientID: "p1"})
		if total != 2 {
			t.Errorf("tombstones must be excluded from queries, total=%d", total)
		}
		if err := s.Tombstone(ctx, TypeObservation, "missing", "2", at); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("put revives tombstone", func(t *testing.T) {
		o := withMeta(testObservation("o-a", "p1", "laboratory", "4548-4", "2024-01-02"), "3", base.Add(48*time.Hour))
		if err := s.Put(ctx, o); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if _, err := s.Get(ctx, TypeObservation, "o-a"); err != nil {
			t.Errorf("expected live resource, got %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	runStoreContract(t, NewBoltStore(filepath.Join(t.TempDir(), "data", "clinical.db")))
}

func TestMemoryStore_IsolatesCallers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := testPatient("p1", "female", "1975-06-01")
	if err := s.Put(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.Gender = "male"

	got, _ := s.Get(ctx, TypePatient, "p1")
	got.(*Patient).BirthDate = "2000-01-01"

	again, _ := s.Get(ctx, TypePatient, "p1")
	ap := again.(*Patient)
	if ap.Gender != "female" || ap.BirthDate != "1975-06-01" {
		t.Errorf("store state leaked to callers: %+v", ap)
	}
}

// Run with -race: searches must not observe tombstones being written.
func TestMemoryStore_ConcurrentQueryAndTombstone(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	const n = 200

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, _, err := s.Query(ctx, Query{ResourceType: TypePatient, Limit: 5}); err != nil {
				t.Errorf("Query: %v", err)
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("p%d", i)
		at := base.Add(time.Duration(i) * time.Minute)
		if err := s.Put(ctx, withMeta(testPatient(id, "female", "1975-06-01"), "1", at)); err != nil {
			t.Fatal(err)
		}
		if err := s.Tombstone(ctx, TypePatient, id, "2", at.Add(time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()

	if _, total, _ := s.Query(ctx, Query{ResourceType: TypePatient}); total != 0 {
		t.Errorf("expected every patient tombstoned, got %d live", total)
	}
	got, err := s.Get(ctx, TypePatient, "p0")
	if !errors.Is(err, ErrDeleted) || VersionID(got) != "2" {
		t.Errorf("expected tombstone at version 2, got %v %v", VersionID(got), err)
	}
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "clinical.db")

	s := NewBoltStore(path)
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, testPatient("p1", "female", "1975-06-01")); err != nil {
		t.Fatal(err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	s = NewBoltStore(path)
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(ctx)
	if _, err := s.Get(ctx, TypePatient, "p1"); err != nil {
		t.Errorf("expected patient after reopen, got %v", err)
	}
}
