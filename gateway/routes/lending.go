package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"lendbook/core"
	"lendbook/crypto"
	"lendbook/gateway/middleware"
	"lendbook/native/lending"
)

const lendingRequestLimit = 1 << 20 // 1 MiB

var errMissingCaller = errors.New("caller identity required")

// Ledger is the action and query surface served over HTTP.
type Ledger interface {
	AddToken(ctx context.Context, caller crypto.Address, token string) (*core.Receipt, error)
	Deposit(ctx context.Context, caller crypto.Address, token string, amount *uint256.Int, funds lending.Coins) (*core.Receipt, error)
	Withdraw(ctx context.Context, caller crypto.Address, token string, amount *uint256.Int) (*core.Receipt, error)
	Borrow(ctx context.Context, caller crypto.Address, req lending.BorrowRequest, funds lending.Coins) (*core.Receipt, error)
	FillPosition(ctx context.Context, caller crypto.Address, id, amount *uint256.Int, funds lending.Coins) (*core.Receipt, error)
	Repay(ctx context.Context, caller crypto.Address, id *uint256.Int, funds lending.Coins) (*core.Receipt, error)
	Liquidate(ctx context.Context, caller crypto.Address, id *uint256.Int, funds lending.Coins) (*core.Receipt, error)
	View(fn func(engine *lending.Engine) error) error
}

type lendingRoutes struct {
	ledger  Ledger
	logger  *slog.Logger
	timeout time.Duration
}

func (lr *lendingRoutes) mountActions(r chi.Router) {
	r.Post("/add-token", lr.addToken)
	r.Post("/deposit", lr.deposit)
	r.Post("/withdraw", lr.withdraw)
	r.Post("/borrow", lr.borrow)
	r.Post("/fill", lr.fill)
	r.Post("/repay", lr.repay)
	r.Post("/liquidate", lr.liquidate)
}

func (lr *lendingRoutes) mountQueries(r chi.Router) {
	r.Get("/config", lr.config)
	r.Get("/tokens", lr.tokens)
	r.Get("/users/{address}", lr.userInfo)
	r.Get("/positions", lr.positions)
	r.Get("/positions/{id}", lr.position)
}

func (lr *lendingRoutes) context(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := lr.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(parent, timeout)
}

// act decodes the request into req, resolves the caller and runs fn.
func act[T any](lr *lendingRoutes, w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, caller crypto.Address, req T) (*core.Receipt, error)) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: errMissingCaller.Error(), Code: "unauthenticated"})
		return
	}
	var req T
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	receipt, err := fn(ctx, caller, req)
	if err != nil {
		writeError(w, lr.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (lr *lendingRoutes) addToken(w http.ResponseWriter, r *http.Request) {
	act(lr, w, r, func(ctx context.Context, caller crypto.Address, req addTokenRequest) (*core.Receipt, error) {
		return lr.ledger.AddToken(ctx, caller, strings.TrimSpace(req.Token))
	})
}

func (lr *lendingRoutes) deposit(w http.ResponseWriter, r *http.Request) {
	act(lr, w, r, func(ctx context.Context, caller crypto.Address, req depositRequest) (*core.Receipt, error) {
		return lr.ledger.Deposit(ctx, caller, req.Token, req.Amount, req.Funds)
	})
}

func (lr *lendingRoutes) withdraw(w http.ResponseWriter, r *http.Request) {
	act(lr, w, r, func(ctx context.Context, caller crypto.Address, req withdrawRequest) (*core.Receipt, error) {
		return lr.ledger.Withdraw(ctx, caller, req.Token, req.Amount)
	})
}

func (lr *lendingRoutes) borrow(w http.ResponseWriter, r *http.Request) {
	act(lr, w, r, func(ctx context.Context, caller crypto.Address, req borrowRequest) (*core.Receipt, error) {
		return lr.ledger.Borrow(ctx, caller, req.toEngine(), req.Funds)
	})
}

func (lr *lendingRoutes) fill(w http.ResponseWriter, r *http.Request) {
	act(lr, w, r, func(ctx context.Context, caller crypto.Address, req fillRequest) (*core.Receipt, error) {
		return lr.ledger.FillPosition(ctx, caller, req.PositionID, req.Amount, req.Funds)
	})
}

func (lr *lendingRoutes) repay(w http.ResponseWriter, r *http.Request) {
	act(lr, w, r, func(ctx context.Context, caller crypto.Address, req positionRequest) (*core.Receipt, error) {
		return lr.ledger.Repay(ctx, caller, req.PositionID, req.Funds)
	})
}

func (lr *lendingRoutes) liquidate(w http.ResponseWriter, r *http.Request) {
	act(lr, w, r, func(ctx context.Context, caller crypto.Address, req positionRequest) (*core.Receipt, error) {
		return lr.ledger.Liquidate(ctx, caller, req.PositionID, req.Funds)
	})
}

// query runs fn on a snapshot and writes its result.
func (lr *lendingRoutes) query(w http.ResponseWriter, fn func(engine *lending.Engine) (any, error)) {
	var out any
	err := lr.ledger.View(func(engine *lending.Engine) error {
		var err error
		out, err = fn(engine)
		return err
	})
	if err != nil {
		writeError(w, lr.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (lr *lendingRoutes) config(w http.ResponseWriter, _ *http.Request) {
	lr.query(w, func(engine *lending.Engine) (any, error) {
		return engine.Config()
	})
}

func (lr *lendingRoutes) tokens(w http.ResponseWriter, _ *http.Request) {
	lr.query(w, func(engine *lending.Engine) (any, error) {
		tokens, err := engine.Tokens()
		if err != nil {
			return nil, err
		}
		if tokens == nil {
			tokens = []lending.TokenSupport{}
		}
		return tokensResponse{Tokens: tokens}, nil
	})
}

func (lr *lendingRoutes) userInfo(w http.ResponseWriter, r *http.Request) {
	user, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid address: %w", err))
		return
	}
	lr.query(w, func(engine *lending.Engine) (any, error) {
		info, ok, err := engine.UserInfo(user)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: no deposits or positions for %s", lending.ErrNotFound, user)
		}
		if info.Deposits == nil {
			info.Deposits = []lending.Deposit{}
		}
		if info.Positions == nil {
			info.Positions = []*lending.Position{}
		}
		return info, nil
	})
}

func (lr *lendingRoutes) position(w http.ResponseWriter, r *http.Request) {
	id, err := uint256.FromDecimal(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid position id: %w", err))
		return
	}
	lr.query(w, func(engine *lending.Engine) (any, error) {
		return engine.Position(id)
	})
}

func (lr *lendingRoutes) positions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var startAfter *uint256.Int
	if raw := strings.TrimSpace(q.Get("start_after")); raw != "" {
		parsed, err := uint256.FromDecimal(raw)
		if err != nil {
			writeBadRequest(w, fmt.Errorf("invalid start_after: %w", err))
			return
		}
		startAfter = parsed
	}
	limit := lending.UnsetLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err == nil && parsed < 0 {
			err = errors.New("must not be negative")
		}
		if err != nil {
			writeBadRequest(w, fmt.Errorf("invalid limit: %w", err))
			return
		}
		limit = parsed
	}
	lr.query(w, func(engine *lending.Engine) (any, error) {
		positions, err := engine.Positions(startAfter, limit)
		if err != nil {
			return nil, err
		}
		if positions == nil {
			positions = []*lending.Position{}
		}
		return positionsResponse{Positions: positions}, nil
	})
}

func decodeRequest(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, lendingRequestLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
