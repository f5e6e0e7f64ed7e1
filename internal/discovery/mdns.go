package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/libp2p/zeroconf/v2"
)

type MDBrowser struct {
	ifaces []net.Interface
}

func NewMDBrowser() (*MDBrowser, error) {
	return &MDBrowser{ifaces: pickInterfaces()}, nil
}

func (b *MDBrowser) Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error {
	if b == nil {
		return fmt.Errorf("browser is required")
	}
	service, domain = normalizeServiceDomain(service, domain)

	rawEntries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-rawEntries:
				if !ok || entry == nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case entries <- convertEntry(entry):
				}
			}
		}
	}()

	if len(b.ifaces) > 0 {
		return zeroconf.Browse(ctx, service, domain, rawEntries, zeroconf.SelectIfaces(b.ifaces))
	}
	return zeroconf.Browse(ctx, service, domain, rawEntries)
}

func convertEntry(entry *zeroconf.ServiceEntry) ServiceEntry {
	return ServiceEntry{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		IPv4:     copyIPs(entry.AddrIPv4),
		IPv6:     copyIPs(entry.AddrIPv6),
		Text:     append([]string(nil), entry.Text...),
	}
}

// Advertisement describes the service record a server registers.
type Advertisement struct {
	Instance string
	Service  string
	Domain   string
	Port     int
	Text     []string
}

func (a Advertisement) normalized() (Advertisement, error) {
	a.Service, a.Domain = normalizeServiceDomain(a.Service, a.Domain)
	if strings.TrimSpace(a.Instance) == "" {
		a.Instance = DefaultInstance
	}
	if a.Port <= 0 || a.Port > 65535 {
		return a, fmt.Errorf("invalid advertise port: %d", a.Port)
	}
	return a, nil
}

type Advertiser struct {
	server *zeroconf.Server
}

func StartAdvertiser(ad Advertisement) (*Advertiser, error) {
	ad, err := ad.normalized()
	if err != nil {
		return nil, err
	}
	server, err := zeroconf.Register(ad.Instance, ad.Service, ad.Domain, ad.Port, ad.Text, pickInterfaces())
	if err != nil {
		return nil, fmt.Errorf("start mdns advertiser: %w", err)
	}
	slog.Info("Advertising build server",
		slog.String("instance", ad.Instance),
		slog.String("service", ad.Service),
		slog.Int("port", ad.Port))
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Close() error {
	if a == nil || a.server == nil {
		return nil
	}
	a.server.Shutdown()
	return nil
}

func copyIPs(in []net.IP) []net.IP {
	if len(in) == 0 {
		return nil
	}
	out := make([]net.IP, 0, len(in))
	for _, ip := range in {
		if ip == nil {
			continue
		}
		dup := make(net.IP, len(ip))
		copy(dup, ip)
		out = append(out, dup)
	}
	return out
}

func pickInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	out := make([]net.Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		out = append(out, iface)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
