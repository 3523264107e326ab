package discovery

import (
	"net"
	"testing"
)

func TestSameIPs(t *testing.T) {
	a := []net.IP{net.ParseIP("192.168.1.10"), net.ParseIP("10.0.0.5")}
	b := []net.IP{net.ParseIP("10.0.0.5"), net.ParseIP("192.168.1.10")}
	if !sameIPs(a, b) {
		t.Fatalf("expected same IP sets regardless of order")
	}

	c := []net.IP{net.ParseIP("192.168.1.11"), net.ParseIP("10.0.0.5")}
	if sameIPs(a, c) {
		t.Fatalf("expected different IP sets to compare unequal")
	}

	if sameIPs(a, []net.IP{net.ParseIP("10.0.0.5")}) {
		t.Fatalf("expected different-length sets to compare unequal")
	}
}

func TestResponderStopWithoutStart(t *testing.T) {
	r := New()
	r.Stop() // must not panic even though Start was never called
	r.Stop() // must be idempotent
}
