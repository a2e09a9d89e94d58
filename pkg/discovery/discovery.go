// Package discovery implements LAN peer discovery over multicast DNS
// (§4.11): it advertises this endpoint's identity, alias, and direct
// addresses in TXT records under a fixed service type, browses for peers
// doing the same, and keeps a liveness-TTL table of NearbyDevices.
package discovery

import (
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/beamshare/beam/pkg/constants"
	"github.com/beamshare/beam/pkg/identity"
	"github.com/beamshare/beam/pkg/xlog"
)

var log = xlog.New("discovery")

// ServiceType is the mDNS service this package advertises and browses.
const ServiceType = "_" + constants.Scheme + "._udp"

// NearbyDevice is one observed peer on the local broadcast domain.
type NearbyDevice struct {
	Identity  [32]byte
	Alias     string
	LastSeen  time.Time
	Addrs     []net.Addr
	Available bool
}

type deviceEntry struct {
	identity [32]byte
	alias    string
	lastSeen time.Time
	addrs    []net.Addr
}

// Config parameterizes a Discovery instance.
type Config struct {
	// Identity is this endpoint's public key, advertised under the k= key.
	Identity [32]byte
	// Alias is the human name advertised under n=. Defaults to the
	// proquint alias of Identity.
	Alias string
	// Port is the UDP port peers should dial.
	Port int
	// Addrs returns the current direct addresses to advertise. Called on
	// every (re-)announce so address changes propagate.
	Addrs func() []net.Addr
	// TTL overrides the liveness TTL; zero means the default 30 s.
	TTL time.Duration
	// BrowseInterval overrides how often the browse loop queries; zero
	// means TTL/3.
	BrowseInterval time.Duration
}

// Discovery advertises this endpoint and tracks nearby peers. The table
// follows the same expire-on-read shape as a TTL resolver cache: entries
// go unavailable after one TTL and are dropped after two.
type Discovery struct {
	cfg      Config
	ttl      time.Duration
	interval time.Duration

	mu      sync.RWMutex
	devices map[[32]byte]*deviceEntry
	server  *mdns.Server
	stopCh  chan struct{}
	running bool
	enabled bool

	// now is swapped by tests to drive TTL expiry without sleeping.
	now func() time.Time
}

// New returns a stopped Discovery.
func New(cfg Config) *Discovery {
	if cfg.Alias == "" {
		cfg.Alias = identity.ProquintAlias(cfg.Identity)
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = constants.DiscoveryLivenessTTL
	}
	interval := cfg.BrowseInterval
	if interval == 0 {
		interval = ttl / 3
	}
	return &Discovery{
		cfg:      cfg,
		ttl:      ttl,
		interval: interval,
		devices:  make(map[[32]byte]*deviceEntry),
		now:      time.Now,
	}
}

// Start begins advertising and browsing. A bind failure disables
// discovery rather than surfacing an error: callers observe an empty
// device list and Enabled() == false (§4.11 failure semantics).
func (d *Discovery) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})

	if err := d.announceLocked(); err != nil {
		log.Errorf("mdns advertise failed, discovery disabled: %v", err)
		d.enabled = false
	} else {
		d.enabled = true
	}

	go d.browseLoop(d.stopCh)
}

// Stop tears down the advertisement and the browse loop. The device table
// is retained so a restarted Discovery still shows recently seen peers.
func (d *Discovery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stopCh)
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}
	d.enabled = false
}

// Enabled reports whether the mDNS socket is live.
func (d *Discovery) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// List returns every known device, available ones first, then recently
// seen ones (unavailable, within a second TTL). Entries older than two
// TTLs are dropped. If discovery is running and either the advertisement
// socket is down or no peer has been heard from within one TTL, List
// re-binds before answering (§4.11 network change).
func (d *Discovery) List() []NearbyDevice {
	d.mu.Lock()
	now := d.now()
	if d.running {
		heard := false
		for _, e := range d.devices {
			if now.Sub(e.lastSeen) <= d.ttl {
				heard = true
				break
			}
		}
		if !d.enabled || !heard {
			d.enabled = d.announceLocked() == nil
		}
	}
	out := make([]NearbyDevice, 0, len(d.devices))
	for id, e := range d.devices {
		age := now.Sub(e.lastSeen)
		if age > 2*d.ttl {
			delete(d.devices, id)
			continue
		}
		out = append(out, NearbyDevice{
			Identity:  e.identity,
			Alias:     e.alias,
			LastSeen:  e.lastSeen,
			Addrs:     append([]net.Addr(nil), e.addrs...),
			Available: age <= d.ttl,
		})
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Available != out[j].Available {
			return out[i].Available
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// announceLocked (re)registers the mDNS service with current addresses.
func (d *Discovery) announceLocked() error {
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}

	var ips []net.IP
	var addrStrs []string
	if d.cfg.Addrs != nil {
		for _, a := range d.cfg.Addrs() {
			addrStrs = append(addrStrs, a.String())
			if ua, ok := a.(*net.UDPAddr); ok {
				ips = append(ips, ua.IP)
			}
		}
	}

	txt := []string{
		"v=" + strconv.Itoa(constants.ProtocolVersion),
		"k=" + fmt.Sprintf("%x", d.cfg.Identity),
		"n=" + d.cfg.Alias,
		"a=" + strings.Join(addrStrs, ","),
	}

	service, err := mdns.NewMDNSService(d.cfg.Alias, ServiceType, "", "", d.cfg.Port, ips, txt)
	if err != nil {
		return err
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return err
	}
	d.server = server
	return nil
}

func (d *Discovery) browseLoop(stop chan struct{}) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.browseOnce()
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (d *Discovery) browseOnce() {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			d.observe(e.InfoFields, e.AddrV4, e.Port)
		}
	}()
	err := mdns.Query(&mdns.QueryParam{
		Service:             ServiceType,
		Timeout:             2 * time.Second,
		Entries:             entries,
		DisableIPv6:         true,
		WantUnicastResponse: false,
	})
	close(entries)
	<-done
	if err != nil {
		log.Debugf("mdns query: %v", err)
	}
}

// observe folds one advertisement into the device table. Split out from
// the mdns plumbing so table behavior is testable without multicast.
func (d *Discovery) observe(txt []string, srcIP net.IP, srcPort int) {
	fields := parseTXT(txt)
	if fields["v"] != strconv.Itoa(constants.ProtocolVersion) {
		return
	}
	id, ok := parseIdentity(fields["k"])
	if !ok {
		return
	}
	if id == d.cfg.Identity {
		return // our own advertisement reflected back
	}

	var addrs []net.Addr
	for _, s := range strings.Split(fields["a"], ",") {
		if s == "" {
			continue
		}
		if ua, err := net.ResolveUDPAddr("udp", s); err == nil {
			addrs = append(addrs, ua)
		}
	}
	if len(addrs) == 0 && srcIP != nil {
		addrs = append(addrs, &net.UDPAddr{IP: srcIP, Port: srcPort})
	}

	d.mu.Lock()
	d.devices[id] = &deviceEntry{
		identity: id,
		alias:    fields["n"],
		lastSeen: d.now(),
		addrs:    addrs,
	}
	d.mu.Unlock()
}

func parseTXT(txt []string) map[string]string {
	fields := make(map[string]string, len(txt))
	for _, kv := range txt {
		if i := strings.IndexByte(kv, '='); i > 0 {
			fields[kv[:i]] = kv[i+1:]
		}
	}
	return fields
}

func parseIdentity(hexKey string) ([32]byte, bool) {
	var id [32]byte
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		return id, false
	}
	copy(id[:], raw)
	return id, true
}
