package discovery

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/fleepzon/apkforge/internal/logfields"
)

const (
	dnssdLookupTimeout = 1500 * time.Millisecond
	healthProbeTimeout = 600 * time.Millisecond
)

// DNSSDBrowser browses through the system dns-sd tool, which also sees
// services known only to the platform responder. Entries whose /healthz
// does not answer are dropped, since the responder can hold stale records.
type DNSSDBrowser struct {
	Bin string
	// Healthy is replaceable in tests; nil probes GET /healthz.
	Healthy func(ctx context.Context, baseURL string) bool
}

// NewDNSSDBrowser returns a browser for the dns-sd on PATH.
func NewDNSSDBrowser() (*DNSSDBrowser, error) {
	bin, err := exec.LookPath("dns-sd")
	if err != nil {
		return nil, fmt.Errorf("dns-sd is unavailable: %w", err)
	}
	return &DNSSDBrowser{Bin: bin}, nil
}

func (b *DNSSDBrowser) Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error {
	domain = trimTrailingDot(domain)
	seen := map[string]bool{}
	return b.stream(ctx, []string{"-B", service, domain}, func(line string) bool {
		instance, ok := parseDNSSDBrowseLine(line, service, domain)
		if !ok || seen[instance] {
			return false
		}
		seen[instance] = true

		entry, err := b.resolve(ctx, instance, service, domain)
		if err != nil {
			slog.Debug("dns-sd resolve failed", slog.String("instance", instance), logfields.Error(err))
			return false
		}
		if endpoint, ok := EndpointFromEntry(entry); !ok || !b.healthy(ctx, endpoint.URL) {
			return false
		}
		select {
		case entries <- entry:
			return false
		case <-ctx.Done():
			return true
		}
	})
}

// resolve turns an instance name into an entry with an address and the
// TXT record, which dns-sd -L prints on the line after the target.
func (b *DNSSDBrowser) resolve(ctx context.Context, instance, service, domain string) (ServiceEntry, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, dnssdLookupTimeout)
	defer cancel()

	entry := ServiceEntry{Instance: instance}
	found := false
	err := b.stream(lookupCtx, []string{"-L", instance, service, domain}, func(line string) bool {
		if !found {
			host, port, ok := parseDNSSDLookupLine(line)
			if ok {
				entry.HostName, entry.Port, found = normalizeBonjourHost(host), port, true
			}
			return false
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			entry.Text = strings.Fields(line)
		}
		return true
	})
	if err != nil {
		return ServiceEntry{}, err
	}
	if !found || entry.HostName == "" {
		return ServiceEntry{}, fmt.Errorf("dns-sd could not resolve %q", instance)
	}

	// Go's resolver does not see .local names on every platform.
	ip := net.ParseIP(entry.HostName)
	if ip == nil {
		if ip, err = b.resolveHost(ctx, entry.HostName); err != nil {
			return ServiceEntry{}, err
		}
	}
	if ip.To4() != nil {
		entry.IPv4 = []net.IP{ip}
	} else {
		entry.IPv6 = []net.IP{ip}
	}
	return entry, nil
}

func (b *DNSSDBrowser) resolveHost(ctx context.Context, host string) (net.IP, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, dnssdLookupTimeout)
	defer cancel()

	var ip net.IP
	err := b.stream(lookupCtx, []string{"-G", "v4v6", trimTrailingDot(host)}, func(line string) bool {
		ip, _ = parseDNSSDAddressLine(line)
		return ip != nil
	})
	if err != nil {
		return nil, err
	}
	if ip == nil {
		return nil, fmt.Errorf("dns-sd found no address for %s", host)
	}
	return ip, nil
}

// stream runs dns-sd and feeds its output to onLine until onLine returns
// true, the output ends or ctx is done. dns-sd never exits on its own, so
// a ctx deadline is the normal way out and is not an error.
func (b *DNSSDBrowser) stream(ctx context.Context, args []string, onLine func(string) bool) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, b.Bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("dns-sd stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start dns-sd %s: %w", strings.Join(args, " "), err)
	}
	defer func() {
		cancel()
		_ = cmd.Wait()
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-runCtx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("scan dns-sd output: %w", err)
					}
				default:
				}
				return nil
			}
			if onLine(line) {
				return nil
			}
		}
	}
}

func (b *DNSSDBrowser) healthy(ctx context.Context, baseURL string) bool {
	if b.Healthy != nil {
		return b.Healthy(ctx, baseURL)
	}
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// parseDNSSDBrowseLine reads an "Add" row of dns-sd -B:
//
//	13:18:43.084  Add  3  25 local.  _apkforge._tcp.  apkforge
func parseDNSSDBrowseLine(line, service, domain string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 7 || !strings.EqualFold(fields[1], "Add") {
		return "", false
	}
	if !strings.EqualFold(trimTrailingDot(fields[4]), trimTrailingDot(domain)) ||
		!strings.EqualFold(trimTrailingDot(fields[5]), trimTrailingDot(service)) {
		return "", false
	}
	instance := strings.TrimSpace(strings.Join(fields[6:], " "))
	return instance, instance != ""
}

// parseDNSSDLookupLine reads the "can be reached at host:port" line of dns-sd -L.
func parseDNSSDLookupLine(line string) (string, int, bool) {
	const marker = " can be reached at "
	_, rest, ok := strings.Cut(line, marker)
	if !ok {
		return "", 0, false
	}
	rest = strings.TrimSpace(rest)
	if target, _, found := strings.Cut(rest, " ("); found {
		rest = strings.TrimSpace(target)
	}
	sep := strings.LastIndex(rest, ":")
	if sep <= 0 {
		return "", 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(rest[sep+1:]))
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return strings.TrimSpace(rest[:sep]), port, true
}

// parseDNSSDAddressLine reads an "Add" row of dns-sd -G. dns-sd reports
// a missing record as 0.0.0.0, which is skipped.
func parseDNSSDAddressLine(line string) (net.IP, bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 || !strings.EqualFold(fields[1], "Add") {
		return nil, false
	}
	addr, _, _ := strings.Cut(fields[5], "%")
	ip := net.ParseIP(addr)
	if ip == nil || ip.IsUnspecified() {
		return nil, false
	}
	return ip, true
}

// normalizeBonjourHost strips the trailing dot and the doubled ".local"
// some responders report.
func normalizeBonjourHost(host string) string {
	h := trimTrailingDot(host)
	if strings.HasSuffix(strings.ToLower(h), ".local.local") {
		h = h[:len(h)-len(".local")]
	}
	return h
}

func trimTrailingDot(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".")
}
