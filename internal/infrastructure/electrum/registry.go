package electrum

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/pkg/common"
)

const maxCandidates = 10

//go:embed servers.json
var seedServers []byte

// Registry keeps the known servers of one asset and ranks them.
type Registry struct {
	asset            common.Asset
	repo             domain.ServerRepository
	userHosts        []string
	noPublicFallback bool

	lock      sync.Mutex
	servers   map[string]*domain.Server
	random    func() float64
	withSeeds bool
}

type RegistryOption func(*Registry)

// WithRandomSource replaces the source of the weighted server pick.
func WithRandomSource(random func() float64) RegistryOption {
	return func(r *Registry) {
		r.random = random
	}
}

// WithoutSeeds skips the embedded list of public servers.
func WithoutSeeds() RegistryOption {
	return func(r *Registry) {
		r.withSeeds = false
	}
}

func NewRegistry(
	asset common.Asset, repo domain.ServerRepository,
	userServers []string, noPublicFallback bool, opts ...RegistryOption,
) (*Registry, error) {
	r := &Registry{
		asset:            asset,
		repo:             repo,
		noPublicFallback: noPublicFallback,
		servers:          make(map[string]*domain.Server),
		random:           rand.Float64,
		withSeeds:        true,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.withSeeds {
		seeds := make(map[string][]string)
		if err := json.Unmarshal(seedServers, &seeds); err != nil {
			return nil, fmt.Errorf("invalid seed servers: %w", err)
		}
		for _, spec := range seeds[asset.Symbol] {
			server, err := ParseServerSpec(spec, asset)
			if err != nil {
				return nil, err
			}
			r.servers[server.Host] = &server
		}
	}

	for _, spec := range userServers {
		server, err := ParseServerSpec(spec, asset)
		if err != nil {
			log.WithError(err).Warnf("electrum: ignoring %s server", asset.Symbol)
			continue
		}
		r.servers[server.Host] = &server
		r.userHosts = append(r.userHosts, server.Host)
	}
	if noPublicFallback && len(r.userHosts) <= 0 {
		return nil, fmt.Errorf("public fallback disabled but no %s server configured", asset.Symbol)
	}

	return r, nil
}

// Load merges the persisted servers into the registry.
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	servers, err := r.repo.GetAll(ctx, r.asset.Symbol)
	if err != nil {
		return fmt.Errorf("failed to load %s servers: %w", r.asset.Symbol, err)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	for _, server := range servers {
		server := server
		if current, ok := r.servers[server.Host]; ok && r.isUserHost(server.Host) {
			server.TCPPort, server.TLSPort = current.TCPPort, current.TLSPort
		}
		r.servers[server.Host] = &server
	}
	return nil
}

// Save persists every known server and forgets the ones that never answered.
func (r *Registry) Save(ctx context.Context) error {
	r.lock.Lock()
	servers := make([]domain.Server, 0, len(r.servers))
	stale := make([]string, 0)
	for host, server := range r.servers {
		if server.IsStale() && !r.isUserHost(host) {
			stale = append(stale, host)
			delete(r.servers, host)
			continue
		}
		servers = append(servers, *server)
	}
	r.lock.Unlock()

	if r.repo == nil {
		return nil
	}
	if err := r.repo.Upsert(ctx, servers...); err != nil {
		return fmt.Errorf("failed to save %s servers: %w", r.asset.Symbol, err)
	}
	if len(stale) > 0 {
		if err := r.repo.Delete(ctx, r.asset.Symbol, stale...); err != nil {
			return fmt.Errorf("failed to delete stale %s servers: %w", r.asset.Symbol, err)
		}
		log.Infof("electrum: removed %d stale %s servers", len(stale), r.asset.Symbol)
	}
	return nil
}

// Select picks a server at random among the best ranked ones. The best
// server gets the highest chance but is never guaranteed to be picked.
func (r *Registry) Select(exclude map[string]struct{}) (domain.Server, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	candidates := r.candidates(exclude)
	if len(candidates) <= 0 {
		return domain.Server{}, false
	}

	weights := make([]float64, len(candidates))
	total := 0.0
	for i := range candidates {
		weights[i] = math.Pow(100, math.Pow(0.8, float64(i)))
		total += weights[i]
	}

	pick := r.random() * total
	for i, weight := range weights {
		if pick < weight {
			return *candidates[i], true
		}
		pick -= weight
	}
	return *candidates[len(candidates)-1], true
}

func (r *Registry) candidates(exclude map[string]struct{}) []*domain.Server {
	userFirst := make([]*domain.Server, 0, len(r.userHosts))
	for _, host := range r.userHosts {
		if server, ok := r.servers[host]; ok {
			userFirst = append(userFirst, server)
		}
	}

	others := make([]*domain.Server, 0, len(r.servers))
	if !r.noPublicFallback {
		for host, server := range r.servers {
			if !r.isUserHost(host) && server.HasPorts() {
				others = append(others, server)
			}
		}
		sort.Slice(others, func(i, j int) bool {
			return others[i].Host < others[j].Host
		})
	}

	candidates := make([]*domain.Server, 0, len(userFirst)+len(others))
	for _, server := range append(userFirst, others...) {
		if _, ok := exclude[server.Host]; ok {
			continue
		}
		candidates = append(candidates, server)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Reachability(), candidates[j].Reachability()
		if ri != rj {
			return ri > rj
		}
		return candidates[i].LastSeen.After(candidates[j].LastSeen)
	})

	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	return candidates
}

func (r *Registry) RecordAttempt(host string, success bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	server, ok := r.servers[host]
	if !ok {
		server = &domain.Server{Symbol: r.asset.Symbol, Host: host}
		r.servers[host] = server
	}
	server.RecordAttempt(success, time.Now().UTC())
}

func (r *Registry) SetLatency(host string, latency time.Duration) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if server, ok := r.servers[host]; ok {
		server.Latency = latency
	}
}

func (r *Registry) Get(host string) (domain.Server, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	server, ok := r.servers[host]
	if !ok {
		return domain.Server{}, false
	}
	return *server, true
}

// Merge adds the servers not known yet and returns them.
func (r *Registry) Merge(servers ...domain.Server) []domain.Server {
	r.lock.Lock()
	defer r.lock.Unlock()

	added := make([]domain.Server, 0)
	for _, server := range servers {
		server := server
		if _, ok := r.servers[server.Host]; ok {
			continue
		}
		server.Symbol = r.asset.Symbol
		r.servers[server.Host] = &server
		added = append(added, server)
	}
	return added
}

// Unchecked returns up to limit servers not checked since the given time,
// least recently checked first.
func (r *Registry) Unchecked(since time.Time, limit int) []domain.Server {
	r.lock.Lock()
	defer r.lock.Unlock()

	servers := make([]domain.Server, 0)
	for _, server := range r.servers {
		if server.HasPorts() && server.LastCheck.Before(since) {
			servers = append(servers, *server)
		}
	}
	sort.Slice(servers, func(i, j int) bool {
		if servers[i].LastCheck.Equal(servers[j].LastCheck) {
			return servers[i].Host < servers[j].Host
		}
		return servers[i].LastCheck.Before(servers[j].LastCheck)
	})
	if len(servers) > limit {
		servers = servers[:limit]
	}
	return servers
}

// Servers returns every known server, best ranked first.
func (r *Registry) Servers() []domain.Server {
	r.lock.Lock()
	defer r.lock.Unlock()

	servers := make([]domain.Server, 0, len(r.servers))
	for _, server := range r.servers {
		servers = append(servers, *server)
	}
	sort.Slice(servers, func(i, j int) bool {
		ri, rj := servers[i].Reachability(), servers[j].Reachability()
		if ri != rj {
			return ri > rj
		}
		if !servers[i].LastSeen.Equal(servers[j].LastSeen) {
			return servers[i].LastSeen.After(servers[j].LastSeen)
		}
		return servers[i].Host < servers[j].Host
	})
	return servers
}

func (r *Registry) isUserHost(host string) bool {
	for _, h := range r.userHosts {
		if h == host {
			return true
		}
	}
	return false
}

// ParseServerSpec parses "host t50001 s50002". A bare "t" or "s" stands for
// the default port of the asset.
func ParseServerSpec(spec string, asset common.Asset) (domain.Server, error) {
	fields := strings.Fields(spec)
	if len(fields) < 2 {
		return domain.Server{}, fmt.Errorf("invalid server %q, expected host followed by ports", spec)
	}
	server := domain.Server{Symbol: asset.Symbol, Host: fields[0]}
	for _, field := range fields[1:] {
		if err := applyPortFeature(&server, field, asset); err != nil {
			return domain.Server{}, fmt.Errorf("invalid server %q: %w", spec, err)
		}
	}
	if !server.HasPorts() {
		return domain.Server{}, fmt.Errorf("invalid server %q, missing port", spec)
	}
	return server, nil
}

// parsePeer parses an entry of server.peers.subscribe:
// ["ip", "hostname", ["v1.4", "s50002", "t50001", "p10000"]].
func parsePeer(entry []json.RawMessage, asset common.Asset) (domain.Server, bool) {
	if len(entry) != 3 {
		return domain.Server{}, false
	}
	var (
		host     string
		features []any
	)
	if err := json.Unmarshal(entry[1], &host); err != nil || len(host) <= 0 {
		return domain.Server{}, false
	}
	if err := json.Unmarshal(entry[2], &features); err != nil {
		return domain.Server{}, false
	}

	server := domain.Server{Symbol: asset.Symbol, Host: host}
	for _, f := range features {
		feature := fmt.Sprint(f)
		if len(feature) <= 0 {
			continue
		}
		switch feature[0] {
		case 'v':
			server.Version = feature[1:]
		case 'p':
			if pruning, err := strconv.ParseInt(feature[1:], 10, 64); err == nil {
				server.Pruning = pruning
			}
		case 's', 't':
			if err := applyPortFeature(&server, feature, asset); err != nil {
				return domain.Server{}, false
			}
		}
	}
	return server, server.HasPorts()
}

func applyPortFeature(server *domain.Server, feature string, asset common.Asset) error {
	if len(feature) <= 0 {
		return nil
	}
	kind := feature[0]
	if kind != 's' && kind != 't' {
		return fmt.Errorf("unknown feature %q", feature)
	}

	port := asset.TCPPort
	if kind == 's' {
		port = asset.TLSPort
	}
	if len(feature) > 1 {
		p, err := strconv.Atoi(feature[1:])
		if err != nil {
			return fmt.Errorf("invalid port %q", feature)
		}
		if p > 1 && p < 65536 {
			port = p
		}
	}

	if kind == 's' {
		server.TLSPort = port
	} else {
		server.TCPPort = port
	}
	return nil
}
