// Package policy protects share ingestion from abusive clients.
// This includes IP banning, score based rate limiting and invalid share
// tracking.
package policy

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/defpool/defpool-server/internal/config"
	"github.com/defpool/defpool-server/internal/util"
)

// Action costs added to an IP's score
const (
	CostShare        int32 = 1
	CostInvalidShare int32 = 10
	CostMalformed    int32 = 25
)

const (
	resetInterval   = time.Hour
	refreshInterval = 5 * time.Minute
)

// ListStore provides the persisted black and white lists.
type ListStore interface {
	GetBlacklist() ([]string, error)
	GetWhitelist() ([]string, error)
	AddToBlacklist(entry string) error
	AddToWhitelist(ip string) error
}

// ipStats tracks per-IP statistics
type ipStats struct {
	mu             sync.Mutex
	lastBeat       time.Time
	bannedUntil    time.Time
	limitedUntil   time.Time
	validShares    int32
	invalidShares  int32
	malformed      int32
	score          int32
	lastScoreReset time.Time
}

// Server manages security policies
type Server struct {
	cfg   config.SecurityConfig
	store ListStore

	statsMu sync.Mutex
	stats   map[string]*ipStats

	listMu    sync.RWMutex
	blacklist map[string]struct{}
	whitelist map[string]struct{}

	bans atomic.Int64
	now  func() time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a policy server. store may be nil.
func NewServer(cfg config.SecurityConfig, store ListStore) *Server {
	p := &Server{
		cfg:       cfg,
		store:     store,
		stats:     make(map[string]*ipStats),
		blacklist: make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
		now:       time.Now,
		quit:      make(chan struct{}),
	}
	for _, ip := range cfg.Whitelist {
		p.whitelist[ip] = struct{}{}
	}
	return p
}

// Start loads the lists and begins the background maintenance.
func (p *Server) Start() {
	p.refreshLists()

	p.wg.Add(1)
	go p.loop()

	util.Info("Policy server started")
}

// Stop shuts down the policy server
func (p *Server) Stop() {
	close(p.quit)
	p.wg.Wait()
}

func (p *Server) loop() {
	defer p.wg.Done()

	reset := time.NewTicker(resetInterval)
	defer reset.Stop()
	refresh := time.NewTicker(refreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-reset.C:
			p.resetStats()
		case <-refresh.C:
			p.refreshLists()
		}
	}
}

// resetStats drops idle entries whose ban has expired
func (p *Server) resetStats() {
	now := p.now()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	removed := 0
	for ip, s := range p.stats {
		s.mu.Lock()
		idle := now.Sub(s.lastBeat) >= resetInterval && !now.Before(s.bannedUntil) && !now.Before(s.limitedUntil)
		s.mu.Unlock()
		if idle {
			delete(p.stats, ip)
			removed++
		}
	}

	if removed > 0 {
		util.Debugf("Policy stats reset: removed %d idle IPs", removed)
	}
}

// refreshLists reloads blacklist/whitelist from storage
func (p *Server) refreshLists() {
	if p.store == nil {
		return
	}

	if blacklist, err := p.store.GetBlacklist(); err != nil {
		util.Warnf("Failed to load blacklist: %v", err)
	} else {
		next := make(map[string]struct{}, len(blacklist))
		for _, entry := range blacklist {
			next[strings.ToLower(entry)] = struct{}{}
		}
		p.listMu.Lock()
		p.blacklist = next
		p.listMu.Unlock()
	}

	if whitelist, err := p.store.GetWhitelist(); err != nil {
		util.Warnf("Failed to load whitelist: %v", err)
	} else {
		next := make(map[string]struct{}, len(whitelist)+len(p.cfg.Whitelist))
		for _, ip := range p.cfg.Whitelist {
			next[ip] = struct{}{}
		}
		for _, ip := range whitelist {
			next[ip] = struct{}{}
		}
		p.listMu.Lock()
		p.whitelist = next
		p.listMu.Unlock()
	}
}

// getStats gets or creates stats for an IP
func (p *Server) getStats(ip string) *ipStats {
	now := p.now()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	s, ok := p.stats[ip]
	if !ok {
		s = &ipStats{lastScoreReset: now}
		p.stats[ip] = s
	}
	s.mu.Lock()
	s.lastBeat = now
	s.mu.Unlock()
	return s
}

// IsBanned reports whether requests from ip must be refused.
func (p *Server) IsBanned(ip string) bool {
	if !p.cfg.Enabled || p.IsWhitelisted(ip) {
		return false
	}
	if p.IsBlacklisted(ip) {
		return true
	}

	s := p.getStats(ip)
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.now().Before(s.bannedUntil)
}

// IsRateLimited reports whether ip spent its score and must back off until
// ScoreTempBanTime has passed.
func (p *Server) IsRateLimited(ip string) bool {
	if !p.cfg.Enabled || p.IsWhitelisted(ip) {
		return false
	}

	s := p.getStats(ip)
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.now().Before(s.limitedUntil)
}

// ApplyWalletPolicy refuses blacklisted wallets and bans the sending IP.
func (p *Server) ApplyWalletPolicy(wallet, ip string) bool {
	if !p.IsBlacklisted(wallet) {
		return true
	}
	util.Warnf("Blacklisted wallet %s from IP %s", util.TruncateAddress(wallet), ip)
	p.BanIP(ip, p.cfg.BanTimeout)
	return false
}

// ApplyMalformedPolicy tracks malformed requests
func (p *Server) ApplyMalformedPolicy(ip string) bool {
	if !p.cfg.Enabled {
		return true
	}

	s := p.getStats(ip)
	s.mu.Lock()
	s.malformed++
	exceeded := p.cfg.MalformedLimit > 0 && s.malformed >= p.cfg.MalformedLimit
	if exceeded {
		s.malformed = 0
	}
	s.mu.Unlock()

	if exceeded {
		util.Warnf("Banning %s: %d malformed submissions", ip, p.cfg.MalformedLimit)
		p.BanIP(ip, p.cfg.BanTimeout)
		return false
	}
	return p.AddScore(ip, CostMalformed)
}

// ApplySharePolicy tracks valid/invalid shares of an already recorded
// submission. A false result only affects later requests from ip. Shares
// are charged against the score only when ScoreShares is set.
func (p *Server) ApplySharePolicy(ip string, valid bool) bool {
	if !p.cfg.Enabled {
		return true
	}

	s := p.getStats(ip)
	s.mu.Lock()
	if valid {
		s.validShares++
	} else {
		s.invalidShares++
	}

	total := s.validShares + s.invalidShares
	var ratio float32
	checked := p.cfg.CheckThreshold > 0 && total >= p.cfg.CheckThreshold
	if checked {
		ratio = float32(s.invalidShares) / float32(total) * 100
		s.validShares = 0
		s.invalidShares = 0
	}
	s.mu.Unlock()

	if checked && ratio >= p.cfg.InvalidPercent {
		util.Warnf("Banning %s: invalid share ratio %.1f%% >= %.1f%%", ip, ratio, p.cfg.InvalidPercent)
		p.BanIP(ip, p.cfg.BanTimeout)
		return false
	}

	if !p.cfg.ScoreShares {
		return true
	}
	cost := CostShare
	if !valid {
		cost = CostInvalidShare
	}
	return p.AddScore(ip, cost)
}

// AddScore adds to an IP's score and returns false once the limit is hit.
// Hitting the limit rate limits ip for ScoreTempBanTime.
func (p *Server) AddScore(ip string, cost int32) bool {
	if !p.cfg.Enabled || p.cfg.MaxScore <= 0 {
		return true
	}

	s := p.getStats(ip)
	s.mu.Lock()

	now := p.now()
	if now.Sub(s.lastScoreReset) >= p.cfg.ScoreResetTime {
		s.score = 0
		s.lastScoreReset = now
	}

	s.score += cost
	exceeded := s.score >= p.cfg.MaxScore
	if exceeded {
		util.Warnf("Score limit exceeded for %s: %d >= %d", ip, s.score, p.cfg.MaxScore)
		s.score = 0
	}
	s.mu.Unlock()

	if exceeded && p.cfg.ScoreTempBanTime > 0 && !p.IsWhitelisted(ip) {
		s.mu.Lock()
		s.limitedUntil = now.Add(p.cfg.ScoreTempBanTime)
		s.mu.Unlock()
		util.Infof("Rate limited IP %s for %s", ip, p.cfg.ScoreTempBanTime)
	}
	return !exceeded
}

// Score returns current score for an IP
func (p *Server) Score(ip string) int32 {
	s := p.getStats(ip)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score
}

// BanIP bans an IP address for d unless it is whitelisted
func (p *Server) BanIP(ip string, d time.Duration) {
	if !p.cfg.Enabled {
		return
	}
	if p.IsWhitelisted(ip) {
		util.Debugf("IP %s is whitelisted, not banning", ip)
		return
	}

	s := p.getStats(ip)
	s.mu.Lock()
	until := p.now().Add(d)
	extended := until.After(s.bannedUntil)
	if extended {
		s.bannedUntil = until
	}
	s.mu.Unlock()

	if extended {
		p.bans.Inc()
		util.Infof("Banned IP %s for %s", ip, d)
	}
}

// IsWhitelisted checks if an IP is whitelisted
func (p *Server) IsWhitelisted(ip string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.whitelist[ip]
	return ok
}

// IsBlacklisted checks if a wallet or IP is blacklisted
func (p *Server) IsBlacklisted(entry string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.blacklist[strings.ToLower(entry)]
	return ok
}

// Stats returns tracked IPs, currently banned IPs and bans issued so far.
func (p *Server) Stats() (tracked, banned int, total int64) {
	now := p.now()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	tracked = len(p.stats)
	for _, s := range p.stats {
		s.mu.Lock()
		if now.Before(s.bannedUntil) {
			banned++
		}
		s.mu.Unlock()
	}
	return tracked, banned, p.bans.Load()
}

// AddToBlacklist adds a wallet or IP to the blacklist
func (p *Server) AddToBlacklist(entry string) error {
	if p.store != nil {
		if err := p.store.AddToBlacklist(entry); err != nil {
			return err
		}
	}

	p.listMu.Lock()
	p.blacklist[strings.ToLower(entry)] = struct{}{}
	p.listMu.Unlock()
	return nil
}

// AddToWhitelist adds an IP to the whitelist
func (p *Server) AddToWhitelist(ip string) error {
	if p.store != nil {
		if err := p.store.AddToWhitelist(ip); err != nil {
			return err
		}
	}

	p.listMu.Lock()
	p.whitelist[ip] = struct{}{}
	p.listMu.Unlock()
	return nil
}
