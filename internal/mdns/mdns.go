package mdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type of the admin API
const ServiceType = "_deploy-agent._tcp"

const domain = "local."

const (
	envInterface = "DEPLOY_AGENT_INTERFACE"
	envIP        = "DEPLOY_AGENT_IP"
)

var errNoInterfaces = errors.New("no suitable network interfaces found")

// Info is announced in the TXT records
type Info struct {
	ClientID string
	AppID    string
	Version  string
}

func (i Info) records() []string {
	return []string{
		"client_id=" + i.ClientID,
		"app_id=" + i.AppID,
		"version=" + i.Version,
		"api=rest",
	}
}

// Service announces the admin API over mDNS
type Service struct {
	info   Info
	server *zeroconf.Server
	logger *slog.Logger
}

// NewService creates an announcer for the given agent
func NewService(info Info, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		info:   info,
		logger: logger,
	}
}

// Register announces the admin API listening on port
func (s *Service) Register(ctx context.Context, port int) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	ifaces, err := s.interfaces()
	if err != nil {
		return err
	}

	server, err := zeroconf.Register(hostname, ServiceType, domain, port, s.info.records(), ifaces)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	s.server = server

	names := make([]string, len(ifaces))
	for i, iface := range ifaces {
		names[i] = iface.Name
	}
	s.logger.Info("registered mDNS service",
		"hostname", hostname,
		"service", ServiceType,
		"port", port,
		"interfaces", names,
	)
	return nil
}

// interfaces picks the interfaces to announce on: an explicit interface,
// the interface owning an explicit IP, or every up, non-loopback interface
// with a LAN IPv4 address
func (s *Service) interfaces() ([]net.Interface, error) {
	if name := os.Getenv(envInterface); name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("failed to get interface %s: %w", name, err)
		}
		s.logger.Info("using manual interface", "interface", name)
		return []net.Interface{*iface}, nil
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	if manual := os.Getenv(envIP); manual != "" {
		target := net.ParseIP(manual)
		if target == nil {
			return nil, fmt.Errorf("invalid IP address: %s", manual)
		}
		for _, iface := range all {
			if hasAddr(iface, func(ip net.IP) bool { return ip.Equal(target) }) {
				s.logger.Info("using interface for IP", "ip", manual, "interface", iface.Name)
				return []net.Interface{iface}, nil
			}
		}
		return nil, fmt.Errorf("no interface found with IP %s", manual)
	}

	var ifaces []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if hasAddr(iface, isLANAddress) {
			ifaces = append(ifaces, iface)
		}
	}
	if len(ifaces) == 0 {
		return nil, errNoInterfaces
	}
	return ifaces, nil
}

func hasAddr(iface net.Interface, match func(net.IP) bool) bool {
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && match(ipnet.IP) {
			return true
		}
	}
	return false
}

var containerRanges = func() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range []string{"172.16.0.0/12", "10.0.0.0/8"} {
		_, n, _ := net.ParseCIDR(cidr)
		nets = append(nets, n)
	}
	return nets
}()

// isLANAddress reports an IPv4 address outside the container bridge ranges
func isLANAddress(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	for _, n := range containerRanges {
		if n.Contains(v4) {
			return false
		}
	}
	return true
}

// Shutdown stops the announcement
func (s *Service) Shutdown() {
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
		s.logger.Info("mDNS service shutdown")
	}
}

// Discover browses for agents on the local network until timeout
func Discover(ctx context.Context, timeout time.Duration) ([]*zeroconf.ServiceEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu      sync.Mutex
		results []*zeroconf.ServiceEntry
	)
	go func() {
		for entry := range entries {
			mu.Lock()
			results = append(results, entry)
			mu.Unlock()
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	<-ctx.Done()
	mu.Lock()
	defer mu.Unlock()
	return append([]*zeroconf.ServiceEntry(nil), results...), nil
}

// TXT returns the value of a TXT record key of a discovered entry
func TXT(entry *zeroconf.ServiceEntry, key string) string {
	for _, rec := range entry.Text {
		if v, ok := strings.CutPrefix(rec, key+"="); ok {
			return v
		}
	}
	return ""
}

// FormatServiceURL returns the HTTP URL for a discovered service
func FormatServiceURL(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		return fmt.Sprintf("http://%s:%d", entry.AddrIPv4[0].String(), entry.Port)
	}
	if len(entry.AddrIPv6) > 0 {
		return fmt.Sprintf("http://[%s]:%d", entry.AddrIPv6[0].String(), entry.Port)
	}
	return fmt.Sprintf("http://%s:%d", entry.HostName, entry.Port)
}
