// Package handler содержит HTTP-обработчики API платформы какамарт.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/kakamart/kakamart-system/internal/middleware"
	"github.com/kakamart/kakamart-system/internal/model"
	"github.com/kakamart/kakamart-system/internal/repository"
	"github.com/kakamart/kakamart-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterMember(ctx context.Context, login, password, referralCode string) (int64, error)
	AuthenticateMember(ctx context.Context, login, password string) (int64, error)
	Checkout(ctx context.Context, buyerID int64, items []service.CartItem, paymentMethod, voucherCode string, pointsToRedeem int64, paidNow bool) (*model.Transaction, error)
	ConfirmPaymentByRef(ctx context.Context, ref string) error
	CancelPaymentByRef(ctx context.Context, ref string) error
	GetBalance(ctx context.Context, memberID int64) (*model.Balance, error)
	GetLedger(ctx context.Context, memberID int64) ([]model.LedgerEntry, error)
	GetCommissionHistory(ctx context.Context, memberID int64) ([]model.CommissionLog, error)
	GetTransactionsByMember(ctx context.Context, memberID int64) ([]model.Transaction, error)
	RequestWithdrawal(ctx context.Context, memberID, amount int64) (*model.WithdrawalRequest, error)
	GetWithdrawalsByMember(ctx context.Context, memberID int64) ([]model.WithdrawalRequest, error)
	PendingWithdrawals(ctx context.Context, adminID int64) ([]model.WithdrawalRequest, error)
	DecideWithdrawal(ctx context.Context, adminID, requestID int64, decision, proofImage, proofLink, reason string) (*model.WithdrawalRequest, error)
	DeleteMember(ctx context.Context, adminID, memberID int64) error
	GetNetworkStats(ctx context.Context, memberID int64) (*model.NetworkStats, error)
}

// Handler реализует HTTP-обработчики API платформы какамарт.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validate       *validator.Validate
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validate:       validator.New(),
	}
}

// writeError переводит доменные ошибки в HTTP-статусы.
// Ошибки валидации и конфликты состояний различимы для клиента:
// первые можно исправить в запросе, вторые требуют перечитать состояние.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int

	switch {
	case errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrProductUnavailable),
		errors.Is(err, service.ErrVoucherInvalid),
		errors.Is(err, service.ErrInvalidPoints),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrBelowMinWithdrawal),
		errors.Is(err, service.ErrProofRequired),
		errors.Is(err, service.ErrReasonRequired),
		errors.Is(err, service.ErrInvalidDecision):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, repository.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, repository.ErrTransactionPaid),
		errors.Is(err, repository.ErrTransactionNotPending),
		errors.Is(err, repository.ErrWithdrawalDecided),
		errors.Is(err, repository.ErrRootMember),
		errors.Is(err, repository.ErrMemberExists):
		status = http.StatusConflict
	case errors.Is(err, repository.ErrMemberNotFound),
		errors.Is(err, repository.ErrTransactionNotFound),
		errors.Is(err, repository.ErrWithdrawalNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNotAdmin):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	default:
		h.logger.Error("internal error",
			zap.Error(err),
			zap.String("path", r.URL.Path),
		)
		status = http.StatusInternalServerError
	}

	http.Error(w, http.StatusText(status), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return false
	}
	return true
}

func memberID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetMemberIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return 0, false
	}
	return id, true
}

type registerRequest struct {
	Login        string `json:"login" validate:"required"`
	Password     string `json:"password" validate:"required"`
	ReferralCode string `json:"referral_code"`
}

// Register обрабатывает регистрацию нового участника.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.service.RegisterMember(r.Context(), req.Login, req.Password, req.ReferralCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, id)
	w.WriteHeader(http.StatusCreated)
}

type loginRequest struct {
	Login    string `json:"login" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Login выполняет аутентификацию участника и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.service.AuthenticateMember(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrMemberNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.writeError(w, r, err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, id)
	w.WriteHeader(http.StatusOK)
}

type checkoutItem struct {
	ProductID int64 `json:"product_id" validate:"required"`
	Quantity  int64 `json:"quantity" validate:"required,gt=0"`
}

type checkoutRequest struct {
	Items          []checkoutItem `json:"items" validate:"required,min=1,dive"`
	PaymentMethod  string         `json:"payment_method" validate:"required"`
	VoucherCode    string         `json:"voucher_code"`
	PointsToRedeem int64          `json:"points_to_redeem" validate:"gte=0"`
	Paid           bool           `json:"paid"`
}

type transactionResponse struct {
	ID             int64   `json:"id"`
	Subtotal       int64   `json:"subtotal"`
	Discount       int64   `json:"discount"`
	Tax            int64   `json:"tax"`
	Total          int64   `json:"total"`
	PointsRedeemed int64   `json:"points_redeemed"`
	VoucherCode    *string `json:"voucher_code,omitempty"`
	PaymentMethod  string  `json:"payment_method"`
	PaymentRef     string  `json:"payment_ref"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
	PaidAt         *string `json:"paid_at,omitempty"`
}

func toTransactionResponse(t *model.Transaction) transactionResponse {
	return transactionResponse{
		ID:             t.ID,
		Subtotal:       t.Subtotal,
		Discount:       t.Discount,
		Tax:            t.Tax,
		Total:          t.Total,
		PointsRedeemed: t.PointsRedeemed,
		VoucherCode:    t.VoucherCode,
		PaymentMethod:  t.PaymentMethod,
		PaymentRef:     t.PaymentRef,
		Status:         string(t.Status),
		CreatedAt:      t.CreatedAt.Format(time.RFC3339),
		PaidAt:         formatTime(t.PaidAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// Checkout оформляет покупку текущего участника.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := memberID(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	items := make([]service.CartItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, service.CartItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}

	txn, err := h.service.Checkout(r.Context(), buyerID, items,
		req.PaymentMethod, req.VoucherCode, req.PointsToRedeem, req.Paid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toTransactionResponse(txn)); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

// GetTransactions возвращает историю покупок текущего участника.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}

	txns, err := h.service.GetTransactionsByMember(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(txns) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txns))
	for i := range txns {
		resp = append(resp, toTransactionResponse(&txns[i]))
	}
	h.writeJSON(w, resp)
}

// GetBalance возвращает баланс текущего участника.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, balance)
}

type ledgerEntryResponse struct {
	Delta     int64  `json:"delta"`
	Kind      string `json:"kind"`
	RefID     int64  `json:"ref_id"`
	CreatedAt string `json:"created_at"`
}

// GetLedger возвращает журнал баланса текущего участника.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}

	entries, err := h.service.GetLedger(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			Delta:     e.Delta,
			Kind:      string(e.Kind),
			RefID:     e.RefID,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, resp)
}

type commissionResponse struct {
	BuyerID       int64  `json:"buyer_id"`
	TransactionID int64  `json:"transaction_id"`
	Level         int    `json:"level"`
	Points        int64  `json:"points"`
	CreatedAt     string `json:"created_at"`
}

// GetCommissions возвращает историю комиссий текущего участника.
func (h *Handler) GetCommissions(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}

	logs, err := h.service.GetCommissionHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(logs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]commissionResponse, 0, len(logs))
	for _, c := range logs {
		resp = append(resp, commissionResponse{
			BuyerID:       c.BuyerID,
			TransactionID: c.TransactionID,
			Level:         c.Level,
			Points:        c.Points,
			CreatedAt:     c.CreatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, resp)
}

// GetNetworkStats возвращает статистику сети текущего участника.
func (h *Handler) GetNetworkStats(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}

	stats, err := h.service.GetNetworkStats(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, stats)
}

type withdrawRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

type withdrawalResponse struct {
	ID              int64   `json:"id"`
	MemberID        int64   `json:"member_id"`
	Amount          int64   `json:"amount"`
	Points          int64   `json:"points"`
	Status          string  `json:"status"`
	ProofImage      *string `json:"proof_image,omitempty"`
	ProofLink       *string `json:"proof_link,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	RequestedAt     string  `json:"requested_at"`
	DecidedAt       *string `json:"decided_at,omitempty"`
}

func toWithdrawalResponse(wr *model.WithdrawalRequest) withdrawalResponse {
	return withdrawalResponse{
		ID:              wr.ID,
		MemberID:        wr.MemberID,
		Amount:          wr.Amount,
		Points:          wr.Points,
		Status:          string(wr.Status),
		ProofImage:      wr.ProofImage,
		ProofLink:       wr.ProofLink,
		RejectionReason: wr.RejectionReason,
		RequestedAt:     wr.RequestedAt.Format(time.RFC3339),
		DecidedAt:       formatTime(wr.DecidedAt),
	}
}

// RequestWithdrawal создаёт заявку текущего участника на вывод средств.
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}

	var req withdrawRequest
	if !h.decode(w, r, &req) {
		return
	}

	wr, err := h.service.RequestWithdrawal(r.Context(), id, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, toWithdrawalResponse(wr))
}

// GetWithdrawals возвращает заявки текущего участника на вывод средств.
func (h *Handler) GetWithdrawals(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}

	list, err := h.service.GetWithdrawalsByMember(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]withdrawalResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toWithdrawalResponse(&list[i]))
	}
	h.writeJSON(w, resp)
}

// GetPendingWithdrawals возвращает администратору очередь заявок на вывод.
func (h *Handler) GetPendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	adminID, ok := memberID(w, r)
	if !ok {
		return
	}

	list, err := h.service.PendingWithdrawals(r.Context(), adminID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]withdrawalResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toWithdrawalResponse(&list[i]))
	}
	h.writeJSON(w, resp)
}

type decisionRequest struct {
	Decision   string `json:"decision" validate:"required"`
	ProofImage string `json:"proof_image"`
	ProofLink  string `json:"proof_link"`
	Reason     string `json:"reason"`
}

// DecideWithdrawal выполняет решение администратора по заявке на вывод.
func (h *Handler) DecideWithdrawal(w http.ResponseWriter, r *http.Request) {
	adminID, ok := memberID(w, r)
	if !ok {
		return
	}

	requestID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req decisionRequest
	if !h.decode(w, r, &req) {
		return
	}

	wr, err := h.service.DecideWithdrawal(r.Context(), adminID, requestID,
		req.Decision, req.ProofImage, req.ProofLink, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, toWithdrawalResponse(wr))
}

// DeleteMember мягко удаляет участника по решению администратора.
func (h *Handler) DeleteMember(w http.ResponseWriter, r *http.Request) {
	adminID, ok := memberID(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteMember(r.Context(), adminID, id); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type paymentCallbackRequest struct {
	PaymentRef string `json:"payment_ref" validate:"required"`
	Success    bool   `json:"success"`
}

// PaymentCallback принимает уведомление платёжного шлюза об итоге платежа.
// Шлюз идентифицирует платёж своей ссылкой, а не внутренним идентификатором.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req paymentCallbackRequest
	if !h.decode(w, r, &req) {
		return
	}

	var err error
	if req.Success {
		err = h.service.ConfirmPaymentByRef(r.Context(), req.PaymentRef)
	} else {
		err = h.service.CancelPaymentByRef(r.Context(), req.PaymentRef)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}
