// Package discovery advertises and finds sessions on the local network over
// mDNS. The record's instance name embeds the pairing code; TXT attributes
// carry the command-channel port, device name and protocol version. Discovery
// only exchanges endpoints — the pairing code is the sole, non-cryptographic
// trust boundary.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	// ServiceType identifies session records among mDNS traffic.
	ServiceType = "_syncroom._tcp"
	// ProtocolVersion is advertised so future peers can detect mismatches.
	ProtocolVersion = "1"

	txtPin     = "pin"
	txtCmdPort = "cmdPort"
	txtDevice  = "device"
	txtMovie   = "movie"
	txtVersion = "ver"
)

// Service describes what a master advertises.
type Service struct {
	PinCode     string
	DataPort    int
	CommandPort int
	DeviceName  string
	MovieID     string
}

// ResolvedService is a browsed record resolved to connectable endpoints.
// Ephemeral: rebuilt on every browse, never persisted.
type ResolvedService struct {
	ServiceName     string
	IPAddress       string
	DataPort        int
	CommandPort     int
	PinCode         string
	DeviceName      string
	MovieID         string
	ProtocolVersion string
}

// DataURL returns the base of the master's byte-range file server.
func (r ResolvedService) DataURL() string {
	return fmt.Sprintf("http://%s:%d", r.IPAddress, r.DataPort)
}

// CommandURL returns the websocket endpoint of the command channel.
func (r ResolvedService) CommandURL() string {
	return fmt.Sprintf("ws://%s:%d/sync", r.IPAddress, r.CommandPort)
}

// Advertiser keeps one session record published until Shutdown.
type Advertiser struct {
	server *mdns.Server
}

// Advertise publishes svc. The SRV port is the data port; everything else
// rides in TXT.
func Advertise(svc Service) (*Advertiser, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "syncroom"
	}
	instance := instanceName(svc.PinCode)

	zone, err := mdns.NewMDNSService(
		instance,
		ServiceType,
		"",
		"",
		svc.DataPort,
		nil,
		encodeTXT(svc),
	)
	if err != nil {
		return nil, fmt.Errorf("discovery: build record: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return nil, fmt.Errorf("discovery: advertise: %w", err)
	}
	log.Printf("level=info msg=\"advertising session\" instance=%s device=%s pin=%s", instance, svc.DeviceName, svc.PinCode)
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the record.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	_ = a.server.Shutdown()
}

// Browse queries the local network for session records. A non-empty pin
// filters the results to the session the user typed in.
func Browse(ctx context.Context, pin string) ([]ResolvedService, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	var found []ResolvedService

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			svc, ok := resolveEntry(entry)
			if !ok {
				continue
			}
			if pin != "" && svc.PinCode != pin {
				continue
			}
			found = append(found, svc)
		}
	}()

	timeout := 3 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if remain := time.Until(dl); remain < timeout {
			timeout = remain
		}
	}

	err := mdns.Query(&mdns.QueryParam{
		Service:     ServiceType,
		Domain:      "local",
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	<-done

	if err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	return found, nil
}

func instanceName(pin string) string {
	return "syncroom-" + pin
}

func encodeTXT(svc Service) []string {
	return []string{
		txtPin + "=" + svc.PinCode,
		txtCmdPort + "=" + strconv.Itoa(svc.CommandPort),
		txtDevice + "=" + svc.DeviceName,
		txtMovie + "=" + svc.MovieID,
		txtVersion + "=" + ProtocolVersion,
	}
}

// resolveEntry turns a raw mDNS entry into a ResolvedService. Records without
// an address or the required TXT attributes are skipped, not errors: other
// software shares the multicast group.
func resolveEntry(entry *mdns.ServiceEntry) (ResolvedService, bool) {
	var ip net.IP
	if entry.AddrV4 != nil {
		ip = entry.AddrV4
	} else if entry.Addr != nil {
		ip = entry.Addr
	}
	if ip == nil {
		return ResolvedService{}, false
	}

	attrs := parseTXT(entry.InfoFields)
	pin, okPin := attrs[txtPin]
	cmdPortStr, okPort := attrs[txtCmdPort]
	if !okPin || !okPort {
		return ResolvedService{}, false
	}
	cmdPort, err := strconv.Atoi(cmdPortStr)
	if err != nil || cmdPort <= 0 {
		return ResolvedService{}, false
	}

	return ResolvedService{
		ServiceName:     entry.Name,
		IPAddress:       ip.String(),
		DataPort:        entry.Port,
		CommandPort:     cmdPort,
		PinCode:         pin,
		DeviceName:      attrs[txtDevice],
		MovieID:         attrs[txtMovie],
		ProtocolVersion: attrs[txtVersion],
	}, true
}

func parseTXT(fields []string) map[string]string {
	attrs := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		attrs[k] = v
	}
	return attrs
}
