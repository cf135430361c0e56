package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"TermLedger/internal/core"
	"TermLedger/internal/observability"
	"TermLedger/internal/persistence"
)

// StateReader serves market read views from the projection tables. Reads
// never touch the engine's live state: only the engine goroutine may.
type StateReader interface {
	Load(ctx context.Context, marketID string) (*persistence.MarketStateRow, error)
	List(ctx context.Context) ([]persistence.MarketStateRow, error)
}

// Server is the HTTP/JSON surface. Mutations are submitted as engine
// commands; queries go to the projection.
type Server struct {
	engine  *core.Engine
	states  StateReader
	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
	timeout time.Duration
}

func New(engine *core.Engine, states StateReader, health *observability.HealthChecker, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		engine:  engine,
		states:  states,
		health:  health,
		metrics: metrics,
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/markets", s.listMarkets)
		r.Get("/accounts/{account}/liquidity", s.accountLiquidity)
		r.Get("/accounts/{account}/markets", s.accountMarkets)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/markets/{market}/adjust-factor", s.setAdjustFactor)
			r.Post("/markets/{market}/price-feed", s.setPriceFeed)
			r.Post("/liquidation-incentive", s.setLiquidationIncentive)
		})

		// The mount owns the whole /markets/{market} subtree, so the
		// single-market reads live inside it.
		r.Route("/markets/{market}", func(r chi.Router) {
			r.Get("/", s.getMarket)
			r.Get("/accounts/{account}/debt", s.accountDebt)
			r.Post("/deposit", s.deposit)
			r.Post("/withdraw", s.withdraw)
			r.Post("/borrow", s.borrow)
			r.Post("/repay", s.repay)
			r.Post("/deposit-at-maturity", s.depositAtMaturity)
			r.Post("/withdraw-at-maturity", s.withdrawAtMaturity)
			r.Post("/borrow-at-maturity", s.borrowAtMaturity)
			r.Post("/repay-at-maturity", s.repayAtMaturity)
			r.Post("/liquidate", s.liquidate)
			r.Post("/enter", s.enterMarket)
			r.Post("/exit", s.exitMarket)
		})
	})

	return r
}

// submit routes a command through the engine loop and renders the result.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, endpoint string, key string, ts int64, op core.Op) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	res, err := s.engine.Submit(ctx, core.Command{IdempotencyKey: key, Timestamp: ts, Op: op})
	if err != nil {
		s.observe(endpoint, "timeout", start)
		writeError(w, err)
		return
	}
	if res.Err != nil {
		s.observe(endpoint, "rejected", start)
		writeError(w, res.Err)
		return
	}

	s.observe(endpoint, "ok", start)
	writeJSON(w, http.StatusOK, resultResponse(res))
}

func (s *Server) queryError(endpoint string) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryErrors.WithLabelValues(endpoint, "500").Inc()
}

func (s *Server) observe(endpoint, status string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
