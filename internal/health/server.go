package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/avelines/usdt-keeper/internal/chain"
	"github.com/avelines/usdt-keeper/internal/pipeline"
	"github.com/avelines/usdt-keeper/internal/ratelimit"
	"github.com/avelines/usdt-keeper/internal/registry"
)

// KeeperAPI is the slice of the keeper the HTTP adapter needs.
type KeeperAPI interface {
	RegisterOrUpdateWallet(ctx context.Context, input string) (registry.Record, error)
	RequestManualAction(ctx context.Context, input string, kind registry.ActionKind, actorID string) (pipeline.Result, error)
	GetWalletSnapshot(input string) (registry.Record, bool)
}

// walletView is the JSON projection of a wallet record.
type walletView struct {
	Address       string `json:"address"`
	TokenBalance  string `json:"token_balance"`
	NativeBalance string `json:"native_balance"`
	Allowance     string `json:"allowance"`
	Approved      bool   `json:"approved"`
	State         string `json:"state"`
	PendingAction string `json:"pending_action,omitempty"`
	RefreshedAt   string `json:"refreshed_at,omitempty"`
}

func newWalletView(rec registry.Record, tokenDecimals uint8) walletView {
	view := walletView{
		Address:       rec.Address.Hex(),
		TokenBalance:  rec.HumanTokenBalance(tokenDecimals),
		NativeBalance: rec.HumanNativeBalance(),
		Allowance:     chain.HumanAmount(rec.Allowance, tokenDecimals),
		Approved:      rec.Approved(),
		State:         string(rec.State),
	}
	if rec.Pending != nil {
		view.PendingAction = string(rec.Pending.Kind)
	}
	if !rec.RefreshedAt.IsZero() {
		view.RefreshedAt = rec.RefreshedAt.Format(time.RFC3339)
	}
	return view
}

type actionRequest struct {
	Kind  string `json:"kind"`
	Actor string `json:"actor"`
}

type actionView struct {
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"`
	TxHash    string `json:"tx_hash,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewRouter builds the ops HTTP surface: the health endpoint plus thin
// wallet endpoints delegating to the keeper core.
func NewRouter(checker *Checker, keeper KeeperAPI, tokenDecimals uint8) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		status := checker.Check(req.Context())
		code := http.StatusOK
		if status.Status == StatusError {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	})

	r.Get("/wallets/{address}", func(w http.ResponseWriter, req *http.Request) {
		rec, ok := keeper.GetWalletSnapshot(chi.URLParam(req, "address"))
		if !ok {
			writeError(w, http.StatusNotFound, "wallet not known")
			return
		}
		writeJSON(w, http.StatusOK, newWalletView(rec, tokenDecimals))
	})

	r.Post("/wallets/{address}", func(w http.ResponseWriter, req *http.Request) {
		rec, err := keeper.RegisterOrUpdateWallet(req.Context(), chi.URLParam(req, "address"))
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, newWalletView(rec, tokenDecimals))
	})

	r.Post("/wallets/{address}/actions", func(w http.ResponseWriter, req *http.Request) {
		var body actionRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		kind := registry.ActionKind(body.Kind)
		if kind != registry.ActionWithdraw && kind != registry.ActionSendGas {
			writeError(w, http.StatusBadRequest, "kind must be withdraw or send_gas")
			return
		}
		actor := body.Actor
		if actor == "" {
			actor = req.RemoteAddr
		}

		result, err := keeper.RequestManualAction(req.Context(), chi.URLParam(req, "address"), kind, actor)
		if err != nil {
			writeJSON(w, statusForError(err), actionView{
				RequestID: result.RequestID,
				Outcome:   string(result.Outcome),
				Error:     err.Error(),
			})
			return
		}
		view := actionView{
			RequestID: result.RequestID,
			Outcome:   string(result.Outcome),
		}
		if result.TxHash != (common.Hash{}) {
			view.TxHash = result.TxHash.Hex()
		}
		if result.Amount != nil {
			view.Amount = result.Amount.String()
		}
		writeJSON(w, http.StatusOK, view)
	})

	return r
}

// statusForError maps the error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	var ve *chain.ValidationError
	var se *chain.SubmitError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, registry.ErrActionPending):
		return http.StatusConflict
	case chain.IsReadError(err), errors.As(err, &se):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
