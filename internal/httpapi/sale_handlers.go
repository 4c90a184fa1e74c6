package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"launchpad.org/internal/audit"
	"launchpad.org/internal/auth"
	"launchpad.org/internal/launchpad"
	"launchpad.org/internal/ledger"
	"launchpad.org/internal/obs"
)

type createSaleRequest struct {
	// Account is the creator; ignored when bearer auth supplies the caller.
	Account string `json:"account,omitempty"`
	launchpad.SaleParams
}

type contributeRequest struct {
	Account      string `json:"account,omitempty"`
	BaseAsset    string `json:"base_asset"`
	PaymentAsset string `json:"payment_asset"`
	Amount       int64  `json:"amount"`
}

type claimRequest struct {
	Account      string `json:"account,omitempty"`
	BaseAsset    string `json:"base_asset"`
	PaymentAsset string `json:"payment_asset"`
}

type claimResponse struct {
	SaleID string `json:"sale_id"`
	Buyer  string `json:"buyer"`
	Amount int64  `json:"amount"`
}

type refundRequest struct {
	Account      string `json:"account,omitempty"`
	BaseAsset    string `json:"base_asset"`
	PaymentAsset string `json:"payment_asset"`
	Amount       int64  `json:"amount"`
}

type finalizeRequest struct {
	Account string `json:"account,omitempty"`
}

type listSalesResponse struct {
	Items []launchpad.Sale `json:"items"`
	AsOf  time.Time        `json:"as_of"`
}

type contributedAmountResponse struct {
	SaleID string `json:"sale_id"`
	Buyer  string `json:"buyer"`
	Amount int64  `json:"amount"`
}

type allowedAmountResponse struct {
	SaleID string `json:"sale_id"`
	Buyer  string `json:"buyer"`
	Amount int64  `json:"amount"`
}

func (a *API) handleSalesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createSale(w, r)
	case http.MethodGet:
		a.listSales(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleSaleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sales/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	parts := strings.Split(path, "/")
	saleID := parts[0]
	if saleID == "" {
		writeError(w, r, http.StatusNotFound, "sale not found")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getSale(w, r, saleID)
	case len(parts) == 2 && parts[1] == "contributions":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.contribute(w, r, saleID)
	case len(parts) == 3 && parts[1] == "contributions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getContributedAmount(w, r, saleID, parts[2])
	case len(parts) == 2 && parts[1] == "allowed":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.allowedContributionAmount(w, r, saleID)
	case len(parts) == 2 && parts[1] == "claim":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.claim(w, r, saleID)
	case len(parts) == 2 && parts[1] == "refund":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.refund(w, r, saleID)
	case len(parts) == 2 && parts[1] == "finalize":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.finalize(w, r, saleID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleParticipations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	account := strings.TrimPrefix(r.URL.Path, "/v1/participations/")
	if account == "" || strings.Contains(account, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts, err := a.launchpad.ListParticipations(r.Context(), account)
	if err != nil {
		handleLaunchpadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"items":   parts,
	})
}

func (a *API) createSale(w http.ResponseWriter, r *http.Request) {
	var req createSaleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	owner, ok := callerAccount(r, req.Account)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "caller account is required")
		return
	}

	sale, err := a.launchpad.CreateSale(r.Context(), owner, req.SaleParams)
	if err != nil {
		handleLaunchpadError(w, r, err)
		return
	}

	obs.SaleCreated()
	a.audit(r.Context(), "launchpad.sale.create", map[string]string{
		"sale_id": sale.ID,
		"owner":   owner,
		"hardcap": strconv.FormatInt(sale.Hardcap, 10),
	})

	w.Header().Set("Location", "/v1/sales/"+sale.ID)
	writeJSON(w, http.StatusCreated, sale)
}

func (a *API) listSales(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	after := strings.TrimSpace(r.URL.Query().Get("after"))

	items, err := a.launchpad.ListSales(r.Context(), limit, after)
	if err != nil {
		handleLaunchpadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listSalesResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) getSale(w http.ResponseWriter, r *http.Request, saleID string) {
	sale, err := a.launchpad.GetSale(r.Context(), saleID)
	if err != nil {
		handleLaunchpadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) contribute(w http.ResponseWriter, r *http.Request, saleID string) {
	var req contributeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	buyer, ok := callerAccount(r, req.Account)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "caller account is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	assets := launchpad.AssetPair{Base: req.BaseAsset, Payment: req.PaymentAsset}
	if err := a.launchpad.Contribute(r.Context(), saleID, buyer, assets, req.Amount); err != nil {
		handleLaunchpadError(w, r, err)
		return
	}

	obs.ContributionRecorded(false)
	a.audit(r.Context(), "launchpad.contribution.record", map[string]string{
		"sale_id": saleID,
		"buyer":   buyer,
		"amount":  strconv.FormatInt(req.Amount, 10),
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"sale_id": saleID,
		"buyer":   buyer,
		"amount":  req.Amount,
	})
}

func (a *API) getContributedAmount(w http.ResponseWriter, r *http.Request, saleID, buyer string) {
	amount, err := a.launchpad.GetContributedAmount(r.Context(), saleID, buyer)
	if err != nil {
		handleLaunchpadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contributedAmountResponse{SaleID: saleID, Buyer: buyer, Amount: amount})
}

func (a *API) allowedContributionAmount(w http.ResponseWriter, r *http.Request, saleID string) {
	buyer := strings.TrimSpace(r.URL.Query().Get("buyer"))
	if buyer == "" {
		writeError(w, r, http.StatusBadRequest, "buyer query parameter is required")
		return
	}
	amount, err := a.launchpad.AllowedContributionAmount(r.Context(), saleID, buyer)
	if err != nil {
		handleLaunchpadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, allowedAmountResponse{SaleID: saleID, Buyer: buyer, Amount: amount})
}

func (a *API) claim(w http.ResponseWriter, r *http.Request, saleID string) {
	var req claimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	buyer, ok := callerAccount(r, req.Account)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "caller account is required")
		return
	}

	assets := launchpad.AssetPair{Base: req.BaseAsset, Payment: req.PaymentAsset}
	amount, err := a.launchpad.Claim(r.Context(), saleID, buyer, assets)
	if err != nil {
		handleLaunchpadError(w, r, err)
		return
	}

	a.audit(r.Context(), "launchpad.claim.release", map[string]string{
		"sale_id": saleID,
		"buyer":   buyer,
		"amount":  strconv.FormatInt(amount, 10),
	})
	writeJSON(w, http.StatusOK, claimResponse{SaleID: saleID, Buyer: buyer, Amount: amount})
}

func (a *API) refund(w http.ResponseWriter, r *http.Request, saleID string) {
	var req refundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	buyer, ok := callerAccount(r, req.Account)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "caller account is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	assets := launchpad.AssetPair{Base: req.BaseAsset, Payment: req.PaymentAsset}
	if err := a.launchpad.Refund(r.Context(), saleID, buyer, assets, req.Amount); err != nil {
		handleLaunchpadError(w, r, err)
		return
	}

	obs.ContributionRecorded(true)
	a.audit(r.Context(), "launchpad.refund.release", map[string]string{
		"sale_id": saleID,
		"buyer":   buyer,
		"amount":  strconv.FormatInt(req.Amount, 10),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"sale_id": saleID,
		"buyer":   buyer,
		"amount":  req.Amount,
	})
}

func (a *API) finalize(w http.ResponseWriter, r *http.Request, saleID string) {
	var req finalizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	caller, ok := callerAccount(r, req.Account)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "caller account is required")
		return
	}

	if err := a.launchpad.Finalize(r.Context(), saleID, caller); err != nil {
		handleLaunchpadError(w, r, err)
		return
	}

	sale, err := a.launchpad.GetSale(r.Context(), saleID)
	if err != nil {
		handleLaunchpadError(w, r, err)
		return
	}
	outcome := "failed"
	if sale.TotalRaised >= sale.Softcap {
		outcome = "success"
	}
	obs.SaleFinalized(outcome)
	a.audit(r.Context(), "launchpad.sale.finalize", map[string]string{
		"sale_id": saleID,
		"caller":  caller,
		"outcome": outcome,
	})
	writeJSON(w, http.StatusOK, sale)
}

// callerAccount resolves the acting account: the authenticated principal when
// bearer auth is on, otherwise the caller-supplied body field (dev mode).
func callerAccount(r *http.Request, fallback string) (string, bool) {
	if account, ok := auth.AccountFromContext(r.Context()); ok {
		return account, true
	}
	fallback = strings.TrimSpace(fallback)
	if fallback == "" {
		return "", false
	}
	return fallback, true
}

func (a *API) audit(ctx context.Context, event string, meta map[string]string) {
	fields := make(map[string]any, len(meta))
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleLaunchpadError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, launchpad.ErrInvalidParams),
		errors.Is(err, launchpad.ErrAssetMismatch),
		errors.Is(err, launchpad.ErrAmountOverflow),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAsset):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, launchpad.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, launchpad.ErrSaleNotFound),
		errors.Is(err, launchpad.ErrAccountNotFound),
		errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, launchpad.ErrCapExceeded),
		errors.Is(err, launchpad.ErrBelowMinimum),
		errors.Is(err, launchpad.ErrNotWhitelisted),
		errors.Is(err, launchpad.ErrNotOpenForContribution),
		errors.Is(err, launchpad.ErrNotReadyToClaim),
		errors.Is(err, launchpad.ErrNotEligibleForRefund),
		errors.Is(err, launchpad.ErrRefundAmountTooHigh),
		errors.Is(err, launchpad.ErrAlreadyFinalized),
		errors.Is(err, launchpad.ErrSaleNotYetEnded),
		errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
