// Package discovery advertises the build server over mDNS and lets the CLI
// find it without a configured URL.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultServiceName = "_apkforge._tcp"
	DefaultDomain      = "local."
	DefaultInstance    = "apkforge"

	txtVersion    = "version"
	txtAuthHeader = "auth_header"
	txtAuth       = "auth"
)

var ErrNoServiceFound = errors.New("no discovery service found")

type ServiceEntry struct {
	Instance string
	HostName string
	Port     int
	IPv4     []net.IP
	IPv6     []net.IP
	Text     []string
}

type Endpoint struct {
	URL      string
	Instance string
	HostName string
	Port     int

	// Version and AuthHeader come from the advertised TXT record.
	Version       string
	AuthHeader    string
	TokenRequired bool
}

type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error
}

// TXTRecord builds the TXT entries a server advertises next to its port.
func TXTRecord(version, authHeader string, tokenRequired bool) []string {
	txt := []string{txtVersion + "=" + version}
	if authHeader != "" {
		txt = append(txt, txtAuthHeader+"="+authHeader)
	}
	if tokenRequired {
		txt = append(txt, txtAuth+"=token")
	}
	return txt
}

func parseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, kv := range txt {
		k, v, _ := strings.Cut(kv, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

// Discover browses mDNS for the service. When nothing answers and the
// dns-sd tool is installed, the last third of the deadline is spent on a
// dns-sd browse, which sees services that only the system responder knows.
func Discover(ctx context.Context, service, domain string) (Endpoint, error) {
	browser, err := NewMDBrowser()
	if err != nil {
		return Endpoint{}, err
	}
	fallback, fallbackErr := NewDNSSDBrowser()

	mdnsCtx := ctx
	if deadline, ok := ctx.Deadline(); ok && fallbackErr == nil {
		var cancel context.CancelFunc
		mdnsCtx, cancel = context.WithTimeout(ctx, time.Until(deadline)*2/3)
		defer cancel()
	}
	endpoint, err := DiscoverWithBrowser(mdnsCtx, browser, service, domain)
	if err == nil || !errors.Is(err, ErrNoServiceFound) || ctx.Err() != nil || fallbackErr != nil {
		return endpoint, err
	}
	return DiscoverWithBrowser(ctx, fallback, service, domain)
}

func DiscoverWithBrowser(ctx context.Context, browser Browser, service, domain string) (Endpoint, error) {
	if browser == nil {
		return Endpoint{}, errors.New("browser is required")
	}
	service, domain = normalizeServiceDomain(service, domain)

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan ServiceEntry, 32)
	errCh := make(chan error, 1)
	go func() {
		errCh <- browser.Browse(scanCtx, service, domain, entries)
	}()
	browseFinished := false

	for {
		select {
		case <-scanCtx.Done():
			if errors.Is(scanCtx.Err(), context.DeadlineExceeded) || errors.Is(scanCtx.Err(), context.Canceled) || browseFinished {
				return Endpoint{}, fmt.Errorf("discover %s failed: %w", service, ErrNoServiceFound)
			}
			return Endpoint{}, scanCtx.Err()
		case err := <-errCh:
			if err != nil {
				return Endpoint{}, fmt.Errorf("browse discovery service %s: %w", service, err)
			}
			browseFinished = true
			errCh = nil
		case entry := <-entries:
			endpoint, ok := EndpointFromEntry(entry)
			if !ok {
				continue
			}
			return endpoint, nil
		}
	}
}

func EndpointFromEntry(entry ServiceEntry) (Endpoint, bool) {
	if entry.Port <= 0 {
		return Endpoint{}, false
	}
	ip := pickIP(entry.IPv4, entry.IPv6)
	if ip == nil {
		return Endpoint{}, false
	}
	host := ip.String()
	if ip.To4() == nil {
		host = "[" + host + "]"
	}
	txt := parseTXT(entry.Text)
	return Endpoint{
		URL:           "http://" + host + ":" + strconv.Itoa(entry.Port),
		Instance:      entry.Instance,
		HostName:      entry.HostName,
		Port:          entry.Port,
		Version:       txt[txtVersion],
		AuthHeader:    txt[txtAuthHeader],
		TokenRequired: txt[txtAuth] == "token",
	}, true
}

func ParseListenPort(listenAddr string) (int, error) {
	trimmed := strings.TrimSpace(listenAddr)
	if trimmed == "" {
		return 0, errors.New("listen address is required")
	}
	_, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("parse listen port %q: %w", portStr, err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen port out of range: %d", port)
	}
	return port, nil
}

func normalizeServiceDomain(service, domain string) (string, string) {
	service = strings.TrimSpace(service)
	domain = strings.TrimSpace(domain)
	if service == "" {
		service = DefaultServiceName
	}
	if domain == "" {
		domain = DefaultDomain
	}
	return service, domain
}

func pickIP(ipv4 []net.IP, ipv6 []net.IP) net.IP {
	for _, ip := range ipv4 {
		if validAdvertisedIP(ip) && !ip.IsLoopback() {
			return ip
		}
	}
	for _, ip := range ipv6 {
		if validAdvertisedIP(ip) && !ip.IsLoopback() {
			return ip
		}
	}
	for _, ip := range ipv4 {
		if validAdvertisedIP(ip) {
			return ip
		}
	}
	for _, ip := range ipv6 {
		if validAdvertisedIP(ip) {
			return ip
		}
	}
	return nil
}

func validAdvertisedIP(ip net.IP) bool {
	return ip != nil && !ip.IsUnspecified()
}
