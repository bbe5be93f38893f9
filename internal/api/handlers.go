package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/defpool/defpool-server/internal/ledger"
	"github.com/defpool/defpool-server/internal/profitability"
	"github.com/defpool/defpool-server/internal/registry"
	"github.com/defpool/defpool-server/internal/switchlog"
	"github.com/defpool/defpool-server/internal/util"
)

// Error kinds returned in ErrorResponse.Error
const (
	KindValidation  = "validation_error"
	KindNotFound    = "not_found"
	KindBanned      = "banned"
	KindRateLimited = "rate_limited"
	KindInternal    = "internal"
)

const (
	defaultSwitchLimit = 50
	maxSwitchLimit     = 1000
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TargetResponse is the /api/v1/target response
type TargetResponse struct {
	Name               string             `json:"name"`
	Coin               string             `json:"coin"`
	Algorithm          registry.Algorithm `json:"algorithm"`
	Protocol           string             `json:"protocol"`
	PoolEndpoint       string             `json:"pool_endpoint"`
	Address            string             `json:"address"`
	Pubkey             string             `json:"pubkey,omitempty"`
	MinShareDifficulty float64            `json:"min_share_difficulty"`
	Generation         uint64             `json:"generation"`
	SwitchedAt         time.Time          `json:"switched_at"`
}

// StatsResponse is the /api/v1/stats response
type StatsResponse struct {
	Pool          ledger.PoolSummary `json:"pool"`
	CurrentTarget string             `json:"current_target"`
	Generation    uint64             `json:"generation"`
	Targets       int                `json:"targets"`
	ScoringTick   uint64             `json:"scoring_tick"`
	Switches      int                `json:"switches"`
	Now           int64              `json:"now"`
}

// shareRequest is the POST /api/v1/shares body. Pointers make presence
// checks possible for fields whose zero value is meaningful.
type shareRequest struct {
	WalletAddress string   `json:"wallet_address" binding:"required,wallet"`
	WorkerName    string   `json:"worker_name" binding:"max=64"`
	TargetName    string   `json:"target_name" binding:"required"`
	Difficulty    *float64 `json:"difficulty" binding:"required"`
	Valid         *bool    `json:"valid" binding:"required"`
}

func abortError(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: kind, Message: message})
}

// handleTarget returns the full current target
func (s *Server) handleTarget(c *gin.Context) {
	cur := s.coord.Selector().Current()
	if cur == nil {
		abortError(c, http.StatusNotFound, KindNotFound, "no target selected yet")
		return
	}

	t := cur.Target
	c.JSON(http.StatusOK, TargetResponse{
		Name:               t.Name,
		Coin:               t.Coin,
		Algorithm:          t.Algorithm,
		Protocol:           t.Protocol,
		PoolEndpoint:       t.PoolEndpoint,
		Address:            t.Address,
		Pubkey:             t.Pubkey,
		MinShareDifficulty: t.MinShareDifficulty,
		Generation:         cur.Generation,
		SwitchedAt:         cur.SwitchedAt,
	})
}

// handleTargets returns every registered target's score. The ETag changes
// only when the rendered table does.
func (s *Server) handleTargets(c *gin.Context) {
	view := s.coord.Aggregator().View()

	c.Header("ETag", view.ETag)
	c.Header("Cache-Control", "no-cache")
	if match := c.GetHeader("If-None-Match"); match != "" && match == view.ETag {
		c.Status(http.StatusNotModified)
		return
	}

	scores := view.Scores
	if scores == nil {
		scores = []profitability.ProfitabilityScore{}
	}
	c.JSON(http.StatusOK, scores)
}

// handleCurrentTarget returns just the name, as a JSON string
func (s *Server) handleCurrentTarget(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Selector().CurrentName())
}

// handleMinerStats returns miner statistics
func (s *Server) handleMinerStats(c *gin.Context) {
	wallet := c.Param("wallet")
	if !util.ValidateWallet(wallet) {
		abortError(c, http.StatusBadRequest, KindValidation, "invalid wallet address")
		return
	}

	stats, err := s.coord.Ledger().MinerStats(wallet)
	if err != nil {
		s.ledgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleMinerWorkers returns a miner's workers, most recently seen first
func (s *Server) handleMinerWorkers(c *gin.Context) {
	wallet := c.Param("wallet")
	if !util.ValidateWallet(wallet) {
		abortError(c, http.StatusBadRequest, KindValidation, "invalid wallet address")
		return
	}

	workers, err := s.coord.Ledger().Workers(wallet)
	if err != nil {
		s.ledgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, workers)
}

func (s *Server) ledgerError(c *gin.Context, err error) {
	if errors.Is(err, ledger.ErrMinerNotFound) {
		abortError(c, http.StatusNotFound, KindNotFound, "miner not found")
		return
	}
	util.Errorf("Ledger read failed: %v", err)
	abortError(c, http.StatusInternalServerError, KindInternal, "failed to read miner")
}

// handleSubmitShare records one share report. Every refusal happens
// before the ledger sees the share, so a non-2xx answer is always safe to
// retry.
func (s *Server) handleSubmitShare(c *gin.Context) {
	ip := c.ClientIP()
	if s.policy != nil && s.policy.IsBanned(ip) {
		abortError(c, http.StatusForbidden, KindBanned, "address is banned")
		return
	}

	if s.cfg.API.MaxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.API.MaxBodyBytes)
	}

	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.malformed(ip)
		abortError(c, http.StatusBadRequest, KindValidation, err.Error())
		return
	}

	if s.policy != nil && !s.policy.ApplyWalletPolicy(req.WalletAddress, ip) {
		abortError(c, http.StatusForbidden, KindBanned, "wallet is blacklisted")
		return
	}
	if s.policy != nil && s.policy.IsRateLimited(ip) {
		abortError(c, http.StatusTooManyRequests, KindRateLimited, "too many invalid or excess submissions")
		return
	}

	ev, err := s.coord.SubmitShare(ledger.ShareSubmission{
		WalletAddress: req.WalletAddress,
		WorkerName:    req.WorkerName,
		TargetName:    req.TargetName,
		Difficulty:    *req.Difficulty,
		Valid:         *req.Valid,
	})
	if err != nil {
		var verr *ledger.ValidationError
		if errors.As(err, &verr) {
			s.malformed(ip)
			abortError(c, http.StatusBadRequest, KindValidation, verr.Error())
			return
		}
		util.Errorf("Share submission failed: %v", err)
		abortError(c, http.StatusInternalServerError, KindInternal, "failed to record share")
		return
	}

	// the share is recorded; the verdict only applies to later requests
	if s.policy != nil {
		s.policy.ApplySharePolicy(ip, ev.Valid)
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) malformed(ip string) {
	if s.policy != nil {
		s.policy.ApplyMalformedPolicy(ip)
	}
}

// handleSwitches returns the switch log, newest first
func (s *Server) handleSwitches(c *gin.Context) {
	limit := defaultSwitchLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			abortError(c, http.StatusBadRequest, KindValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxSwitchLimit {
		limit = maxSwitchLimit
	}

	entries := s.coord.History().Newest(limit)
	if entries == nil {
		entries = []switchlog.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}

// handleStats returns pool statistics
func (s *Server) handleStats(c *gin.Context) {
	// Check cache
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < statsCacheTTL {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(http.StatusOK, cache)
		return
	}
	s.statsCacheMu.RUnlock()

	response := &StatsResponse{
		Pool:          s.coord.Ledger().Summary(),
		CurrentTarget: s.coord.Selector().CurrentName(),
		Targets:       s.coord.Registry().Len(),
		Switches:      s.coord.History().Len(),
		Now:           time.Now().Unix(),
	}
	if cur := s.coord.Selector().Current(); cur != nil {
		response.Generation = cur.Generation
	}
	if snap := s.coord.Aggregator().Latest(); snap != nil {
		response.ScoringTick = snap.Tick
	}

	// Update cache
	s.statsCacheMu.Lock()
	s.statsCache = response
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(http.StatusOK, response)
}

// handleWebsocket upgrades the connection and greets the client with the
// current score table.
func (s *Server) handleWebsocket(c *gin.Context) {
	ip := c.ClientIP()
	if s.policy != nil && s.policy.IsBanned(ip) {
		abortError(c, http.StatusForbidden, KindBanned, "address is banned")
		return
	}

	greeting := []Event{newEvent(EventScores, s.coord.Aggregator().View().Scores)}
	s.hub.Serve(c.Writer, c.Request, ip, greeting)
}
