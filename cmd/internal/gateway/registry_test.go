package gateway

import "testing"

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if got := r.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}

	p := NewPeer(testLogger(), "conn-1", 8)
	called := ""
	r.Put("conn-1", Entry{Peer: p, Shutdown: func(reason string) { called = reason }})

	e, ok := r.Get("conn-1")
	if !ok {
		t.Fatal("Get() after Put() reported missing entry")
	}
	if e.Peer != p {
		t.Fatal("Get() returned a different peer")
	}
	if got := r.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}

	e.Shutdown("test")
	if called != "test" {
		t.Fatalf("Shutdown callback got reason %q, want %q", called, "test")
	}

	r.Remove("conn-1")
	if _, ok := r.Get("conn-1"); ok {
		t.Fatal("Get() after Remove() found the entry")
	}
	// Removing twice is a no-op.
	r.Remove("conn-1")
	if got := r.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}
