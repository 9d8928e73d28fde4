package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/papertrade/core"
	"github.com/web3guy0/papertrade/types"
)

var errMissingUser = errors.New("missing X-User-ID")

type errorResponse struct {
	Type string `json:"type"`
	Msg  string `json:"message"`
}

type createRequest struct {
	Symbol     string              `json:"symbol"`
	Side       string              `json:"side"`
	Quantity   decimal.Decimal     `json:"quantity"`
	EntryPrice decimal.NullDecimal `json:"entryPrice"`
	TakeProfit decimal.NullDecimal `json:"takeProfit"`
	StopLoss   decimal.NullDecimal `json:"stopLoss"`
}

type updateRequest struct {
	TakeProfit      decimal.NullDecimal `json:"takeProfit"`
	StopLoss        decimal.NullDecimal `json:"stopLoss"`
	ClearTakeProfit bool                `json:"clearTakeProfit"`
	ClearStopLoss   bool                `json:"clearStopLoss"`
}

type closeRequest struct {
	Price decimal.NullDecimal `json:"price"`
}

type listQuery struct {
	Status string `schema:"status"`
}

type accountResponse struct {
	UserID  string          `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

type statsResponse struct {
	Symbols       int              `json:"symbols"`
	OpenPositions int              `json:"openPositions"`
	Quotes        int              `json:"quotes"`
	Connections   int              `json:"connections"`
	Engine        core.EngineStats `json:"engine"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}

	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		setErrorResponse("bad_request", http.StatusBadRequest, err, w)
		return
	}

	pos, err := s.deps.Positions.Create(r.Context(), core.CreateRequest{
		UserID:     userID,
		Symbol:     req.Symbol,
		Side:       types.Side(req.Side),
		Quantity:   req.Quantity,
		EntryPrice: req.EntryPrice,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	setResponse(http.StatusCreated, pos, w)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}

	var q listQuery
	if err := s.decoder.Decode(&q, r.URL.Query()); err != nil {
		setErrorResponse("bad_request", http.StatusBadRequest, err, w)
		return
	}

	positions, err := s.deps.Positions.List(r.Context(), userID, types.Status(q.Status))
	if err != nil {
		writeError(w, err)
		return
	}
	if positions == nil {
		positions = []types.Position{}
	}
	setResponse(http.StatusOK, positions, w)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}

	pos, err := s.deps.Positions.Get(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	setResponse(http.StatusOK, pos, w)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}

	var req updateRequest
	if err := decodeBody(r, &req); err != nil {
		setErrorResponse("bad_request", http.StatusBadRequest, err, w)
		return
	}

	pos, err := s.deps.Positions.UpdateBrackets(r.Context(), userID, mux.Vars(r)["id"], core.BracketUpdate{
		TakeProfit:      req.TakeProfit,
		StopLoss:        req.StopLoss,
		ClearTakeProfit: req.ClearTakeProfit,
		ClearStopLoss:   req.ClearStopLoss,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	setResponse(http.StatusOK, pos, w)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}

	// The body is optional
	var req closeRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		setErrorResponse("bad_request", http.StatusBadRequest, err, w)
		return
	}

	pos, err := s.deps.Positions.Close(r.Context(), userID, mux.Vars(r)["id"], req.Price)
	if err != nil {
		writeError(w, err)
		return
	}
	setResponse(http.StatusOK, pos, w)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ACCOUNT / STATS / HEALTH
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}

	acct, err := s.deps.Accounts.GetAccount(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if acct == nil {
		writeError(w, core.ErrNotFound)
		return
	}
	setResponse(http.StatusOK, accountResponse{UserID: acct.UserID, Balance: acct.Balance}, w)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	if e := s.deps.Engine; e != nil {
		resp.Symbols = e.Index().SymbolCount()
		resp.OpenPositions = e.Index().Len()
		resp.Quotes = e.Prices().Count()
		resp.Engine = e.Stats()
	}
	if s.deps.Stream != nil {
		resp.Connections = s.deps.Stream.Len()
	}
	setResponse(http.StatusOK, resp, w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(); err != nil {
			setErrorResponse("unavailable", http.StatusServiceUnavailable, err, w)
			return
		}
	}
	setResponse(http.StatusOK, map[string]string{"status": "ok"}, w)
}

// ═══════════════════════════════════════════════════════════════════════════════
// STREAM
// ═══════════════════════════════════════════════════════════════════════════════

// handleStream upgrades and hands the connection to the gateway, which
// rejects a missing user id with a policy-violation close
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Stream upgrade failed")
		return
	}
	if _, err := s.deps.Stream.Connect(s.cfg.Identity(r), conn); err != nil {
		log.Debug().Err(err).Msg("Stream refused")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) identify(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := s.cfg.Identity(r)
	if userID == "" {
		setErrorResponse("missing_user", http.StatusBadRequest, errMissingUser, w)
		return "", false
	}
	return userID, true
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// writeError maps domain errors onto HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr):
		setErrorResponse("validation_error", http.StatusBadRequest, err, w)
	case errors.Is(err, core.ErrNotFound):
		setErrorResponse("not_found", http.StatusNotFound, err, w)
	case errors.Is(err, core.ErrAlreadyClosed):
		setErrorResponse("already_closed", http.StatusConflict, err, w)
	case errors.Is(err, core.ErrNoPrice):
		setErrorResponse("no_price", http.StatusUnprocessableEntity, err, w)
	default:
		log.Error().Err(err).Msg("Request failed")
		setErrorResponse("internal_error", http.StatusInternalServerError, errors.New("internal error"), w)
	}
}

func setResponse(status int, response interface{}, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Debug().Err(err).Msg("Response encode failed")
	}
}

func setErrorResponse(errType string, status int, err error, w http.ResponseWriter) {
	setResponse(status, errorResponse{Type: errType, Msg: err.Error()}, w)
}
