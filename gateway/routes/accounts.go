package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"lendbook/core/events"
	"lendbook/crypto"
	"lendbook/gateway/middleware"
	"lendbook/native/lending"
)

// PriceBook is an oracle whose prices can be published by its admin.
type PriceBook interface {
	SetPrice(caller crypto.Address, token string, price *uint256.Int) error
	Price(ctx context.Context, token string) (*uint256.Int, error)
}

// Bank exposes the in-process settlement balances and allowances.
type Bank interface {
	Approve(owner crypto.Address, token string, amount *uint256.Int) error
	Allowance(owner crypto.Address, token string) *uint256.Int
	Balances(account crypto.Address) []lending.Deposit
}

// EventSource returns recently committed ledger events, oldest first.
type EventSource interface {
	Events() []events.Event
}

func eventsHandler(source EventSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, eventsResponse{Events: events.Records(source.Events())})
	}
}

type oracleRoutes struct {
	prices PriceBook
	logger *slog.Logger
}

func (or *oracleRoutes) getPrice(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	price, err := or.prices.Price(r.Context(), token)
	if err != nil {
		writeError(w, or.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{Token: token, Price: price})
}

func (or *oracleRoutes) setPrice(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: errMissingCaller.Error(), Code: "unauthenticated"})
		return
	}
	var req setPriceRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	token := chi.URLParam(r, "token")
	if err := or.prices.SetPrice(caller, token, req.Price); err != nil {
		writeError(w, or.logger, err)
		return
	}
	or.logger.Info("oracle price published",
		slog.String("token", token),
		slog.String("price", req.Price.Dec()))
	writeJSON(w, http.StatusOK, priceResponse{Token: token, Price: req.Price})
}

type bankRoutes struct {
	bank   Bank
	logger *slog.Logger
}

func (br *bankRoutes) balances(w http.ResponseWriter, r *http.Request) {
	account, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid address: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, balancesResponse{Account: account.String(), Balances: br.bank.Balances(account)})
}

func (br *bankRoutes) allowance(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid address: %w", err))
		return
	}
	token := chi.URLParam(r, "token")
	writeJSON(w, http.StatusOK, allowanceResponse{Owner: owner.String(), Token: token, Amount: br.bank.Allowance(owner, token)})
}

func (br *bankRoutes) approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: errMissingCaller.Error(), Code: "unauthenticated"})
		return
	}
	var req approveRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" || req.Amount == nil {
		writeBadRequest(w, errors.New("token and amount required"))
		return
	}
	if err := br.bank.Approve(caller, req.Token, req.Amount); err != nil {
		writeError(w, br.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, allowanceResponse{Owner: caller.String(), Token: req.Token, Amount: req.Amount})
}
