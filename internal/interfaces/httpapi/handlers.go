package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"oraclesync/internal/application/port"
	"oraclesync/internal/application/usecase/oraclesync"
	"oraclesync/internal/domain"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownProtocol):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSyncInProgress), errors.Is(err, domain.ErrInstanceDisabled):
		return http.StatusConflict
	case errors.Is(err, domain.ErrShutdown), errors.Is(err, domain.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrQueryTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func intQuery(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

type healthResponse struct {
	Status  port.HealthStatus            `json:"status"`
	Pool    any                          `json:"pool,omitempty"`
	Oracles map[string]port.HealthReport `json:"oracles,omitempty"`
}

// handleHealth 连接池不健康时返回 503；预言机客户端健康只作展示
func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: port.HealthHealthy}
	if a.deps.PoolHealth != nil {
		pool := a.deps.PoolHealth()
		if pool.Status != "" {
			resp.Status = pool.Status
		}
		resp.Pool = pool
	}
	if r.URL.Query().Get("oracles") == "1" {
		resp.Oracles = make(map[string]port.HealthReport)
		for _, o := range a.deps.Overviews {
			for id, rep := range o.CheckHealth(r.Context()) {
				resp.Oracles[id] = rep
			}
		}
	}
	code := http.StatusOK
	if resp.Status == port.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (a *api) handleListSync(w http.ResponseWriter, r *http.Request) {
	out := make([]oraclesync.SyncStatus, 0)
	for _, o := range a.deps.Overviews {
		list, err := o.Statuses(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, list...)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) controller(w http.ResponseWriter, r *http.Request) (SyncController, string, bool) {
	id := mux.Vars(r)["id"]
	c, err := a.deps.Lookup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, id, false
	}
	return c, id, true
}

func (a *api) handleGetSync(w http.ResponseWriter, r *http.Request) {
	c, id, ok := a.controller(w, r)
	if !ok {
		return
	}
	st, err := c.GetSyncStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) handleEnable(w http.ResponseWriter, r *http.Request) {
	c, id, ok := a.controller(w, r)
	if !ok {
		return
	}
	if err := c.EnableInstance(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("instance", id).Msg("instance enabled via api")
	a.respondStatus(w, r, c, id, http.StatusOK)
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	c, id, ok := a.controller(w, r)
	if !ok {
		return
	}
	c.StopSync(id)
	log.Info().Str("instance", id).Msg("sync stopped via api")
	a.respondStatus(w, r, c, id, http.StatusOK)
}

func (a *api) handleTrigger(w http.ResponseWriter, r *http.Request) {
	c, id, ok := a.controller(w, r)
	if !ok {
		return
	}
	if err := c.TriggerSync(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	a.respondStatus(w, r, c, id, http.StatusOK)
}

func (a *api) respondStatus(w http.ResponseWriter, r *http.Request, c SyncController, id string, code int) {
	st, err := c.GetSyncStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, code, st)
}

func (a *api) handleListPrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	protocol, chain := domain.ParseProtocol(q.Get("protocol")), q.Get("chain")
	if protocol == "" || chain == "" {
		badRequest(w, "protocol and chain required")
		return
	}
	feeds, err := a.deps.History.ListLatest(r.Context(), protocol, chain, intQuery(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feeds)
}

func (a *api) handleLatestPrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	protocol, chain, symbol := domain.ParseProtocol(q.Get("protocol")), q.Get("chain"), q.Get("symbol")
	if protocol == "" || chain == "" || symbol == "" {
		badRequest(w, "protocol, chain and symbol required")
		return
	}
	f, err := a.deps.Prices.LatestPrice(r.Context(), protocol, chain, symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type averageResponse struct {
	Chain     string `json:"chain"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Protocols int    `json:"protocols"`
}

func (a *api) handleAverage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chain, symbol := q.Get("chain"), domain.NormalizeSymbol(q.Get("symbol"))
	if chain == "" || symbol == "" {
		badRequest(w, "chain and symbol required")
		return
	}
	avg, n, err := a.deps.Prices.CrossProtocolAverage(r.Context(), chain, symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	if n == 0 {
		writeError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, averageResponse{Chain: chain, Symbol: symbol, Price: avg.String(), Protocols: n})
}

func (a *api) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := a.deps.Webhooks.Webhook(id); !ok {
		writeError(w, domain.ErrNotFound)
		return
	}
	list := a.deps.Webhooks.Deliveries(id, intQuery(r, "limit", 50))
	if list == nil {
		list = []domain.WebhookDelivery{}
	}
	writeJSON(w, http.StatusOK, list)
}
