package discovery

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// Service constants.
const (
	ServiceType = "_graylogic-mig._tcp"
	Domain      = "local"
)

// TXT record keys.
const (
	TXTVersion = "version"
	TXTSite    = "site"
	TXTDomains = "domains"
)

// ErrNotStarted is returned by Update before Start.
var ErrNotStarted = errors.New("discovery: advertiser not started")

// Config describes the advertised service.
type Config struct {
	// Instance defaults to "graylogic-mig-<hostname>".
	Instance string
	// Interface restricts advertisement to one network interface.
	Interface string
	Port      int
	Version   string
	Site      string
	Domains   []string
}

// Logger is the logging interface used by the advertiser.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type server interface {
	SetText(text []string)
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (server, error)

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (server, error) {
	return zeroconf.Register(instance, service, domain, port, text, ifaces)
}

// Advertiser registers the API as an mDNS service.
type Advertiser struct {
	cfg      Config
	logger   Logger
	register registerFunc

	mu     sync.Mutex
	server server
}

// NewAdvertiser creates an advertiser. Start begins advertising.
func NewAdvertiser(cfg Config, logger Logger) *Advertiser {
	if cfg.Instance == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "gateway"
		}
		cfg.Instance = "graylogic-mig-" + host
	}
	return &Advertiser{cfg: cfg, logger: logger, register: zeroconfRegister}
}

// Start registers the service. Calling it again re-registers.
func (a *Advertiser) Start() error {
	if a.cfg.Port <= 0 {
		return fmt.Errorf("discovery: invalid port %d", a.cfg.Port)
	}
	ifaces, err := a.interfaces()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	srv, err := a.register(a.cfg.Instance, ServiceType, Domain, a.cfg.Port, TXTRecords(a.cfg), ifaces)
	if err != nil {
		return fmt.Errorf("registering mDNS service: %w", err)
	}
	a.server = srv
	if a.logger != nil {
		a.logger.Info("mDNS service registered", "instance", a.cfg.Instance, "service", ServiceType, "port", a.cfg.Port)
	}
	return nil
}

// UpdateDomains replaces the advertised interface domains.
func (a *Advertiser) UpdateDomains(domains []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return ErrNotStarted
	}
	a.cfg.Domains = domains
	a.server.SetText(TXTRecords(a.cfg))
	return nil
}

// Stop withdraws the service.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func (a *Advertiser) interfaces() ([]net.Interface, error) {
	if a.cfg.Interface == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(a.cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("discovery: interface %q: %w", a.cfg.Interface, err)
	}
	return []net.Interface{*iface}, nil
}

// TXTRecords builds the key=value TXT strings for cfg. Empty values are
// left out; domains are sorted and comma separated.
func TXTRecords(cfg Config) []string {
	var txt []string
	if cfg.Version != "" {
		txt = append(txt, TXTVersion+"="+cfg.Version)
	}
	if cfg.Site != "" {
		txt = append(txt, TXTSite+"="+cfg.Site)
	}
	if len(cfg.Domains) > 0 {
		domains := append([]string(nil), cfg.Domains...)
		sort.Strings(domains)
		txt = append(txt, TXTDomains+"="+strings.Join(domains, ","))
	}
	return txt
}
