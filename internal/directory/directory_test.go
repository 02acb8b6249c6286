package directory

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
)

func rec(file string, i int, replicas ...string) ChunkRecord {
	return ChunkRecord{
		ChunkID:  fmt.Sprintf("%s_chunk_%d", file, i),
		Index:    i,
		Size:     64,
		Hash:     fmt.Sprintf("h%d", i),
		Replicas: replicas,
	}
}

func TestRecordPlacementOrdering(t *testing.T) {
	d := New(2)

	err := d.RecordPlacement("f", rec("f", 2, "a", "b"))
	var ooo *OutOfOrderChunkError
	if !errors.As(err, &ooo) {
		t.Fatalf("err = %v, want *OutOfOrderChunkError", err)
	}
	if ooo.Index != 2 || ooo.Length != 0 {
		t.Fatalf("ooo = %+v", ooo)
	}
	if d.Exists("f") {
		t.Fatal("rejected placement created the file")
	}

	if err := d.RecordPlacement("f", rec("f", 0, "a", "b")); err != nil {
		t.Fatal(err)
	}
	got, err := d.Lookup("f")
	if err != nil || len(got) != 1 {
		t.Fatalf("Lookup = %v, %v", got, err)
	}

	if err := d.RecordPlacement("f", rec("f", 2, "a", "b")); !errors.As(err, &ooo) || ooo.Length != 1 {
		t.Fatalf("gap after one chunk: err = %v", err)
	}
	if err := d.RecordPlacement("f", rec("f", 1, "b", "c")); err != nil {
		t.Fatal(err)
	}
}

func TestRecordPlacementReplacesLowerIndex(t *testing.T) {
	d := New(2)
	for i := 0; i < 2; i++ {
		if err := d.RecordPlacement("f", rec("f", i, "a", "b")); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.RecordPlacement("f", rec("f", 0, "c", "d")); err != nil {
		t.Fatal(err)
	}
	got, _ := d.Lookup("f")
	if len(got) != 2 || !slices.Equal(got[0].Replicas, []string{"c", "d"}) {
		t.Fatalf("records = %+v", got)
	}
}

func TestRecordPlacementRejectsBadReplicaSets(t *testing.T) {
	d := New(2)
	for _, replicas := range [][]string{nil, {"a", "a"}, {"a", "b", "c"}, {""}} {
		err := d.RecordPlacement("f", rec("f", 0, replicas...))
		if !errors.Is(err, ErrInvalidReplicaSet) {
			t.Fatalf("replicas %v: err = %v", replicas, err)
		}
	}
}

func TestLookupNotFound(t *testing.T) {
	d := New(2)
	if _, err := d.Lookup("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := d.UpdateReplicas("missing_chunk_0", []string{"a"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	d := New(2)
	_ = d.RecordPlacement("f", rec("f", 0, "a", "b"))
	got, _ := d.Lookup("f")
	got[0].Replicas[0] = "zzz"
	again, _ := d.Lookup("f")
	if again[0].Replicas[0] != "a" {
		t.Fatal("Lookup exposed internal replica slice")
	}
}

func TestUpdateAndAddReplicas(t *testing.T) {
	d := New(3)
	_ = d.RecordPlacement("f", rec("f", 0, "a"))

	if err := d.UpdateReplicas("f_chunk_0", []string{"a", "a"}); !errors.Is(err, ErrInvalidReplicaSet) {
		t.Fatalf("duplicate update: err = %v", err)
	}
	if err := d.UpdateReplicas("f_chunk_0", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}

	got, err := d.AddReplicas("f_chunk_0", []string{"b", "c", "d"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("AddReplicas = %v", got)
	}
}

func TestAddReplicasSkipsDeadServers(t *testing.T) {
	d := New(3)
	_ = d.RecordPlacement("f", rec("f", 0, "a", "b"))
	live := func(id string) bool { return id != "b" && id != "c" }

	got, err := d.AddReplicas("f_chunk_0", []string{"c", "d"}, live)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{"a", "d"}) {
		t.Fatalf("AddReplicas = %v, want [a d]", got)
	}
	if refs := d.UnderReplicated(); len(refs) != 1 || refs[0].ChunkID != "f_chunk_0" {
		t.Fatalf("UnderReplicated = %v", refs)
	}
}

func TestRecordFile(t *testing.T) {
	d := New(2)
	recs := []ChunkRecord{rec("f", 0, "a", "b"), rec("f", 1, "b", "c")}

	got, short, err := d.RecordFile("f", recs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || len(short) != 0 {
		t.Fatalf("RecordFile = %v, %v", got, short)
	}
	recs[0].Replicas[0] = "z"
	stored, _ := d.Lookup("f")
	if stored[0].Replicas[0] != "a" {
		t.Fatal("RecordFile kept the caller's replica slice")
	}

	if _, _, err := d.RecordFile("f", []ChunkRecord{rec("f", 0, "a")}, nil); !errors.Is(err, ErrExists) {
		t.Fatalf("second RecordFile: err = %v, want ErrExists", err)
	}
	if _, _, err := d.RecordFile("g", []ChunkRecord{rec("f", 0, "a")}, nil); !errors.Is(err, ErrChunkConflict) {
		t.Fatalf("foreign chunk id: err = %v, want ErrChunkConflict", err)
	}
}

func TestRecordFileRejectsWholeFile(t *testing.T) {
	d := New(2)
	cases := map[string][]ChunkRecord{
		"gap":          {rec("f", 0, "a"), rec("f", 2, "a")},
		"bad replicas": {rec("f", 0, "a"), rec("f", 1, "a", "a")},
		"empty":        nil,
	}
	for name, recs := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := d.RecordFile("f", recs, nil); err == nil {
				t.Fatal("RecordFile accepted an invalid file")
			}
			if d.Exists("f") {
				t.Fatal("rejected file is visible")
			}
			if _, _, err := d.LookupChunk("f_chunk_0"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("rejected chunk is indexed: err = %v", err)
			}
		})
	}
}

func TestRecordFileDropsDeadReplicas(t *testing.T) {
	d := New(2)
	live := func(id string) bool { return id != "b" }
	recs := []ChunkRecord{rec("f", 0, "a", "b"), rec("f", 1, "a", "c")}

	got, short, err := d.RecordFile("f", recs, live)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got[0].Replicas, []string{"a"}) || !slices.Equal(got[1].Replicas, []string{"a", "c"}) {
		t.Fatalf("committed = %v", got)
	}
	if len(short) != 1 || short[0].ChunkID != "f_chunk_0" {
		t.Fatalf("short = %v", short)
	}
	if refs := d.UnderReplicated(); len(refs) != 1 || refs[0].ChunkID != "f_chunk_0" {
		t.Fatalf("UnderReplicated = %v", refs)
	}

	allDead := func(string) bool { return false }
	if _, _, err := d.RecordFile("g", []ChunkRecord{rec("g", 0, "a")}, allDead); !errors.Is(err, ErrInvalidReplicaSet) {
		t.Fatalf("no live replica: err = %v", err)
	}
	if d.Exists("g") {
		t.Fatal("file with a lost chunk was committed")
	}
}

func TestRecordFileIsAtomicForReaders(t *testing.T) {
	d := New(2)
	recs := make([]ChunkRecord, 16)
	for i := range recs {
		recs[i] = rec("f", i, "a", "b")
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if got, err := d.Lookup("f"); err == nil && len(got) != len(recs) {
				t.Errorf("reader saw %d of %d chunks", len(got), len(recs))
				return
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()
	if _, _, err := d.RecordFile("f", recs, nil); err != nil {
		t.Fatal(err)
	}
	close(done)
	wg.Wait()
}

func TestDropServer(t *testing.T) {
	d := New(2)
	_ = d.RecordPlacement("f", rec("f", 0, "a", "b"))
	_ = d.RecordPlacement("f", rec("f", 1, "b", "c"))
	_ = d.RecordPlacement("f", rec("f", 2, "a", "c"))
	_ = d.RecordPlacement("g", rec("g", 0, "c", "a"))

	refs := d.DropServer("a")
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ChunkID
	}
	slices.Sort(ids)
	if !slices.Equal(ids, []string{"f_chunk_0", "f_chunk_2", "g_chunk_0"}) {
		t.Fatalf("affected = %v", ids)
	}

	for _, name := range []string{"f", "g"} {
		recs, _ := d.Lookup(name)
		for _, r := range recs {
			if slices.Contains(r.Replicas, "a") {
				t.Fatalf("%s still lists dead server", r.ChunkID)
			}
		}
	}

	under := d.UnderReplicated()
	if len(under) != 3 {
		t.Fatalf("under-replicated = %v", under)
	}
}

func TestDelete(t *testing.T) {
	d := New(2)
	_ = d.RecordPlacement("f", rec("f", 0, "a", "b"))
	if _, err := d.Delete("f"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := d.LookupChunk("f_chunk_0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("chunk still resolvable after delete: %v", err)
	}
	if _, err := d.Delete("f"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestChunkIDConflict(t *testing.T) {
	d := New(2)
	_ = d.RecordPlacement("f", ChunkRecord{ChunkID: "shared", Index: 0, Replicas: []string{"a"}})
	err := d.RecordPlacement("g", ChunkRecord{ChunkID: "shared", Index: 0, Replicas: []string{"a"}})
	if !errors.Is(err, ErrChunkConflict) {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentFiles(t *testing.T) {
	d := New(2)
	var wg sync.WaitGroup
	for f := 0; f < 16; f++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := d.RecordPlacement(name, rec(name, i, "a", "b")); err != nil {
					t.Errorf("%s/%d: %v", name, i, err)
					return
				}
			}
		}(fmt.Sprintf("file-%d", f))
	}
	wg.Wait()

	if n := len(d.Files()); n != 16 {
		t.Fatalf("%d files", n)
	}
	for _, name := range d.Files() {
		recs, _ := d.Lookup(name)
		for i, r := range recs {
			if r.Index != i {
				t.Fatalf("%s: record %d has index %d", name, i, r.Index)
			}
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	d := New(2)
	_ = d.RecordPlacement("f", rec("f", 0, "a", "b"))
	_ = d.RecordPlacement("f", rec("f", 1, "b", "c"))
	d.DropServer("b")
	d.DropServer("a")

	snap := d.Snapshot()
	restored := New(2)
	if err := restored.Restore(snap); err != nil {
		t.Fatal(err)
	}
	got, err := restored.Lookup("f")
	if err != nil || len(got) != 2 {
		t.Fatalf("restored = %v, %v", got, err)
	}
	if len(got[0].Replicas) != 0 || !slices.Equal(got[1].Replicas, []string{"c"}) {
		t.Fatalf("restored replicas = %+v", got)
	}
	if _, _, err := restored.LookupChunk("f_chunk_1"); err != nil {
		t.Fatal(err)
	}
}
