package tunnel

import "testing"

func TestChannelTableAllocSmallestFirst(t *testing.T) {
	ct := NewChannelTable()

	id0 := ct.Alloc()
	id1 := ct.Alloc()
	id2 := ct.Alloc()
	if id0 != 0 || id1 != 1 || id2 != 2 {
		t.Fatalf("expected sequential ids 0,1,2, got %d,%d,%d", id0, id1, id2)
	}

	ct.Add(NewChannel(id1, nil, "host", 443, &fakeSink{}, testLogger()))
	ct.Release(id1)
	reused := ct.Alloc()
	if reused != id1 {
		t.Fatalf("expected smallest free id %d to be reused, got %d", id1, reused)
	}
}

func TestChannelTableAddGetRelease(t *testing.T) {
	ct := NewChannelTable()
	id := ct.Alloc()
	ch := NewChannel(id, nil, "host", 443, &fakeSink{}, testLogger())
	ct.Add(ch)

	got, ok := ct.Get(id)
	if !ok || got != ch {
		t.Fatalf("expected Get to return the added channel")
	}
	if ct.Len() != 1 {
		t.Fatalf("expected Len()==1, got %d", ct.Len())
	}
	if ct.Stats.String() == "" {
		t.Fatal("expected non-empty stats string")
	}

	ct.Release(id)
	if ct.Len() != 0 {
		t.Fatalf("expected Len()==0 after Release, got %d", ct.Len())
	}
	if _, ok := ct.Get(id); ok {
		t.Fatal("expected Get to fail after Release")
	}
}

func TestChannelTableAddDuplicatePanics(t *testing.T) {
	ct := NewChannelTable()
	id := ct.Alloc()
	ch := NewChannel(id, nil, "host", 443, &fakeSink{}, testLogger())
	ct.Add(ch)

	defer func() {
		if recover() == nil {
			t.Fatal("expected Add to panic on duplicate id")
		}
	}()
	ct.Add(ch)
}
