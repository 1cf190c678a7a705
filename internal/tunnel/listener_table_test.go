package tunnel

import "testing"

func TestListenerTableCheckBindAllowed(t *testing.T) {
	lt := NewListenerTable([]string{"10.0.0.5"})

	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", true},
		{"localhost", true},
		{"", true},
		{"10.0.0.5", true},
		{"192.168.1.1", false},
	}
	for _, c := range cases {
		if got := lt.CheckBindAllowed(c.addr); got != c.want {
			t.Errorf("CheckBindAllowed(%q) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestListenerTableAddGetRemove(t *testing.T) {
	lt := NewListenerTable(nil)
	l := &Listener{Port: 1234}

	lt.Add(l)
	got, ok := lt.Get(1234)
	if !ok || got != l {
		t.Fatal("expected Get to return the added listener")
	}

	removed, ok := lt.Remove(1234)
	if !ok || removed != l {
		t.Fatal("expected Remove to return the listener")
	}
	if _, ok := lt.Get(1234); ok {
		t.Fatal("expected Get to fail after Remove")
	}
}
