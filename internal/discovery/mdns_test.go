package discovery

import (
	"net"
	"testing"

	"github.com/libp2p/zeroconf/v2"
)

func TestAdvertisementNormalized_AppliesDefaults(t *testing.T) {
	ad, err := Advertisement{Port: 8080}.normalized()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ad.Instance != DefaultInstance || ad.Service != DefaultServiceName || ad.Domain != DefaultDomain {
		t.Fatalf("unexpected defaults: %+v", ad)
	}
}

func TestAdvertisementNormalized_RejectsBadPort(t *testing.T) {
	for _, port := range []int{0, -1, 70000} {
		if _, err := (Advertisement{Port: port}).normalized(); err == nil {
			t.Fatalf("expected error for port %d", port)
		}
	}
}

func TestConvertEntry_CopiesAddressesAndText(t *testing.T) {
	raw := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "apkforge"},
		HostName:      "builder.local.",
		Port:          8080,
		Text:          []string{"version=1.0"},
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.4")},
	}
	got := convertEntry(raw)
	raw.AddrIPv4[0][len(raw.AddrIPv4[0])-1] = 9
	raw.Text[0] = "changed"

	if got.Instance != "apkforge" || got.Port != 8080 {
		t.Fatalf("unexpected entry %+v", got)
	}
	if !got.IPv4[0].Equal(net.ParseIP("192.168.1.4")) {
		t.Fatalf("address was not copied: %v", got.IPv4[0])
	}
	if got.Text[0] != "version=1.0" {
		t.Fatalf("text was not copied: %v", got.Text)
	}
}

func TestCopyIPs_SkipsNil(t *testing.T) {
	out := copyIPs([]net.IP{nil, net.ParseIP("10.0.0.1")})
	if len(out) != 1 || !out[0].Equal(net.ParseIP("10.0.0.1")) {
		t.Fatalf("unexpected copy: %v", out)
	}
	if copyIPs(nil) != nil {
		t.Fatalf("expected nil for empty input")
	}
}
