package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
)

func TestTXTRoundTrip(t *testing.T) {
	svc := Service{PinCode: "4821", DataPort: 8090, CommandPort: 8091, DeviceName: "living-room", MovieID: "ab12cd34"}

	entry := &mdns.ServiceEntry{
		Name:       instanceName(svc.PinCode) + "." + ServiceType + ".local.",
		AddrV4:     net.IPv4(192, 168, 1, 20),
		Port:       svc.DataPort,
		InfoFields: encodeTXT(svc),
	}

	resolved, ok := resolveEntry(entry)
	if !ok {
		t.Fatalf("resolveEntry() rejected a well-formed record")
	}
	if resolved.PinCode != "4821" || resolved.CommandPort != 8091 || resolved.DataPort != 8090 {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
	if resolved.DeviceName != "living-room" || resolved.MovieID != "ab12cd34" || resolved.ProtocolVersion != ProtocolVersion {
		t.Fatalf("unexpected attrs: %+v", resolved)
	}
	if resolved.IPAddress != "192.168.1.20" {
		t.Fatalf("ip = %s, want 192.168.1.20", resolved.IPAddress)
	}
}

func TestResolveEntrySkipsForeignRecords(t *testing.T) {
	cases := []*mdns.ServiceEntry{
		// no address
		{Name: "x", InfoFields: []string{"pin=1", "cmdPort=2"}},
		// no TXT attributes at all (some other _syncroom-alike service)
		{Name: "x", AddrV4: net.IPv4(10, 0, 0, 1), InfoFields: nil},
		// missing command port
		{Name: "x", AddrV4: net.IPv4(10, 0, 0, 1), InfoFields: []string{"pin=1234"}},
		// unparsable command port
		{Name: "x", AddrV4: net.IPv4(10, 0, 0, 1), InfoFields: []string{"pin=1234", "cmdPort=zero"}},
	}
	for i, entry := range cases {
		if _, ok := resolveEntry(entry); ok {
			t.Fatalf("case %d: resolveEntry() accepted a bad record", i)
		}
	}
}

func TestEndpointURLs(t *testing.T) {
	r := ResolvedService{IPAddress: "192.168.1.20", DataPort: 8090, CommandPort: 8091}
	if got := r.DataURL(); got != "http://192.168.1.20:8090" {
		t.Fatalf("DataURL() = %s", got)
	}
	if got := r.CommandURL(); got != "ws://192.168.1.20:8091/sync" {
		t.Fatalf("CommandURL() = %s", got)
	}
}
