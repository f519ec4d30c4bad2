package indexer

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

const (
	defaultClaimsLimit = 50
	maxClaimsLimit     = 500
)

// Server exposes the indexed rows over a small read-only HTTP API.
type Server struct {
	db     *gorm.DB
	log    *slog.Logger
	router http.Handler
}

// NewServer builds the query API router.
func NewServer(db *gorm.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{db: db, log: logger.With("component", "api")}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1", func(api chi.Router) {
		api.Get("/claims", s.handleClaims)
		api.Get("/funders/{addr}", s.handleFunder)
	})
	s.router = r
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

type claimView struct {
	Seq        uint64    `json:"seq"`
	Funder     string    `json:"funder"`
	Recipient  string    `json:"recipient"`
	Root       string    `json:"root"`
	BatchIndex uint32    `json:"batchIndex"`
	AmountWei  string    `json:"amountWei"`
	EmittedAt  time.Time `json:"emittedAt"`
}

type funderSummary struct {
	Funder        string `json:"funder"`
	FundedWei     string `json:"fundedWei"`
	PaidWei       string `json:"paidWei"`
	BalanceWei    string `json:"balanceWei"`
	ClaimCount    int    `json:"claimCount"`
	MovementCount int    `json:"movementCount"`
	LastSeq       uint64 `json:"lastSeq"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	lastSeq, err := LoadCursor(s.db)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "lastSeq": lastSeq})
}

func (s *Server) handleClaims(w http.ResponseWriter, r *http.Request) {
	limit := defaultClaimsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	if limit > maxClaimsLimit {
		limit = maxClaimsLimit
	}

	query := s.db.Model(&Claim{}).Order("seq DESC").Limit(limit)
	if funder := strings.TrimSpace(r.URL.Query().Get("funder")); funder != "" {
		query = query.Where("funder = ?", funder)
	}
	if recipient := strings.TrimSpace(r.URL.Query().Get("recipient")); recipient != "" {
		query = query.Where("recipient = ?", recipient)
	}

	var claims []Claim
	if err := query.Find(&claims).Error; err != nil {
		s.log.Error("claims query failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	views := make([]claimView, 0, len(claims))
	for _, claim := range claims {
		views = append(views, claimView{
			Seq:        claim.Seq,
			Funder:     claim.Funder,
			Recipient:  claim.Recipient,
			Root:       claim.Root,
			BatchIndex: claim.BatchIndex,
			AmountWei:  claim.AmountWei,
			EmittedAt:  claim.EmittedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"claims": views})
}

func (s *Server) handleFunder(w http.ResponseWriter, r *http.Request) {
	addr := strings.TrimSpace(chi.URLParam(r, "addr"))
	if addr == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "funder address required"})
		return
	}
	summary, err := summarizeFunder(s.db, addr)
	if err != nil {
		s.log.Error("funder summary failed", slog.String("funder", addr), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// summarizeFunder totals movements and claims in Go because amounts are
// arbitrary-precision decimal strings that SQL SUM would mangle.
func summarizeFunder(db *gorm.DB, funder string) (*funderSummary, error) {
	var movements []FundingMovement
	if err := db.Where("funder = ?", funder).Order("seq ASC").Find(&movements).Error; err != nil {
		return nil, err
	}
	var claims []Claim
	if err := db.Where("funder = ?", funder).Order("seq ASC").Find(&claims).Error; err != nil {
		return nil, err
	}

	funded := new(big.Int)
	paid := new(big.Int)
	var lastSeq uint64
	for _, m := range movements {
		amount, ok := new(big.Int).SetString(m.AmountWei, 10)
		if !ok {
			continue
		}
		switch m.Kind {
		case MovementFund, MovementIncoming:
			funded.Add(funded, amount)
		case MovementDecrease, MovementWithdraw, MovementRemovalPayout:
			paid.Add(paid, amount)
		}
		if m.Seq > lastSeq {
			lastSeq = m.Seq
		}
	}
	for _, claim := range claims {
		if amount, ok := new(big.Int).SetString(claim.AmountWei, 10); ok {
			paid.Add(paid, amount)
		}
		if claim.Seq > lastSeq {
			lastSeq = claim.Seq
		}
	}

	return &funderSummary{
		Funder:        funder,
		FundedWei:     funded.String(),
		PaidWei:       paid.String(),
		BalanceWei:    new(big.Int).Sub(funded, paid).String(),
		ClaimCount:    len(claims),
		MovementCount: len(movements),
		LastSeq:       lastSeq,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
