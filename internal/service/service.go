// Package service реализует бизнес-логику платформы какамарт.
package service

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kakamart/kakamart-system/internal/commission"
	"github.com/kakamart/kakamart-system/internal/model"
	"github.com/kakamart/kakamart-system/internal/payment"
	"github.com/kakamart/kakamart-system/internal/referral"
	"github.com/kakamart/kakamart-system/internal/repository"
)

// ErrEmptyCart возвращается для заказа без позиций.
var (
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidQuantity возвращается для позиции с неположительным количеством.
	ErrInvalidQuantity = errors.New("item quantity must be positive")
	// ErrProductUnavailable возвращается, если товар не существует или снят с продажи.
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrVoucherInvalid возвращается для несуществующего, выключенного или
	// просроченного ваучера. Отсутствие кода и плохой код — разные ситуации:
	// плохой код — ошибка, а не тихое отсутствие скидки.
	ErrVoucherInvalid = errors.New("voucher invalid or expired")
	// ErrInvalidPoints возвращается для отрицательного количества погашаемых баллов.
	ErrInvalidPoints = errors.New("points to redeem must not be negative")
	// ErrInvalidAmount возвращается, если сумма вывода не кратна курсу балла.
	ErrInvalidAmount = errors.New("amount must be a positive multiple of the point rate")
	// ErrBelowMinWithdrawal возвращается для суммы вывода меньше минимальной.
	ErrBelowMinWithdrawal = errors.New("amount below minimum withdrawal")
	// ErrProofRequired возвращается при одобрении вывода без подтверждающего артефакта.
	ErrProofRequired = errors.New("proof image or link required for approval")
	// ErrReasonRequired возвращается при отклонении вывода без причины.
	ErrReasonRequired = errors.New("rejection reason required")
	// ErrInvalidDecision возвращается для неизвестного решения по заявке.
	ErrInvalidDecision = errors.New("decision must be APPROVED or REJECTED")
	// ErrNotAdmin возвращается, если операция доступна только администратору.
	ErrNotAdmin = errors.New("member is not an administrator")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// CartItem описывает позицию корзины на входе оформления заказа.
type CartItem struct {
	ProductID int64
	Quantity  int64
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateMember(ctx context.Context, m *model.Member) (int64, error)
	GetMemberByID(ctx context.Context, id int64) (*model.Member, error)
	GetMemberByLogin(ctx context.Context, login string) (*model.Member, error)
	GetMemberByReferralCode(ctx context.Context, code string) (*model.Member, error)
	GetRootMember(ctx context.Context) (*model.Member, error)
	DeleteMember(ctx context.Context, id int64) error

	GetSettings(ctx context.Context) (*model.Settings, error)
	GetProducts(ctx context.Context, ids []int64) (map[int64]model.Product, error)
	GetVoucher(ctx context.Context, code string) (*model.Voucher, error)
	GetAncestors(ctx context.Context, memberID int64, maxDepth int) ([]model.Ancestor, error)

	CreateTransaction(ctx context.Context, txn *model.Transaction, credits []model.CommissionCredit) (int64, error)
	MarkTransactionPaid(ctx context.Context, txnID int64, credits []model.CommissionCredit) error
	CancelTransaction(ctx context.Context, txnID int64) error
	GetTransaction(ctx context.Context, id int64) (*model.Transaction, error)
	GetTransactionByRef(ctx context.Context, ref string) (*model.Transaction, error)
	GetTransactionsByMember(ctx context.Context, memberID int64) ([]model.Transaction, error)
	GetPendingPayments(ctx context.Context, limit int) ([]repository.PendingPayment, error)

	GetBalance(ctx context.Context, memberID int64) (int64, error)
	GetLedgerByMember(ctx context.Context, memberID int64) ([]model.LedgerEntry, error)
	GetCommissionsByMember(ctx context.Context, memberID int64) ([]model.CommissionLog, error)

	CreateWithdrawal(ctx context.Context, memberID, amount, points int64) (*model.WithdrawalRequest, error)
	DecideWithdrawal(ctx context.Context, requestID int64, approve bool, proofImage, proofLink, reason *string) (*model.WithdrawalRequest, error)
	GetWithdrawalsByMember(ctx context.Context, memberID int64) ([]model.WithdrawalRequest, error)
	GetPendingWithdrawals(ctx context.Context) ([]model.WithdrawalRequest, error)

	GetNetworkStats(ctx context.Context, memberID int64, maxDepth int) (*model.NetworkStats, error)
}

// Service содержит бизнес-логику платформы какамарт.
type Service struct {
	repo          Repository
	paymentClient *payment.Client
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом платёжного шлюза.
func NewService(repo Repository, paymentClient *payment.Client) *Service {
	return &Service{
		repo:          repo,
		paymentClient: paymentClient,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterMember регистрирует нового участника и прикрепляет его к сети.
// Если реферальный код указан и принадлежит активному участнику, тот становится
// аплайном; во всех остальных случаях аплайном становится корневой участник.
// Назначенный аплайн неизменяем.
func (s *Service) RegisterMember(ctx context.Context, login, password, referralCode string) (int64, error) {
	upline, err := s.resolveUpline(ctx, referralCode)
	if err != nil {
		return 0, err
	}

	m := &model.Member{
		Login:        login,
		PasswordHash: hashPassword(login, password),
		UplineID:     &upline.ID,
	}

	// Коллизия сгенерированного кода крайне маловероятна, но хранилище
	// её обнаруживает; в этом случае пробуем другой код.
	for attempt := 0; attempt < 5; attempt++ {
		code, err := referral.NewCode()
		if err != nil {
			return 0, err
		}
		m.ReferralCode = code

		id, err := s.repo.CreateMember(ctx, m)
		if err != nil {
			if errors.Is(err, repository.ErrReferralCodeTaken) {
				continue
			}
			return 0, err
		}
		return id, nil
	}

	return 0, fmt.Errorf("could not generate unique referral code")
}

func (s *Service) resolveUpline(ctx context.Context, referralCode string) (*model.Member, error) {
	if referral.IsValidCode(referralCode) {
		m, err := s.repo.GetMemberByReferralCode(ctx, referralCode)
		if err == nil && m.Active && !m.Deleted() {
			return m, nil
		}
		if err != nil && !errors.Is(err, repository.ErrMemberNotFound) {
			return nil, err
		}
	}
	return s.repo.GetRootMember(ctx)
}

// AuthenticateMember проверяет логин и пароль участника и возвращает его идентификатор.
func (s *Service) AuthenticateMember(ctx context.Context, login, password string) (int64, error) {
	m, err := s.repo.GetMemberByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if string(hashed) != string(m.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return m.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

func roundPercent(amount int64, percent float64) int64 {
	return int64(math.Round(float64(amount) * percent / 100))
}

// Checkout оформляет покупку участника: проверяет корзину и ваучер, считает
// скидку, налог и погашение баллов, сохраняет транзакцию и — для оплаченных
// сразу — начисляет комиссии аплайну одной атомарной операцией хранилища.
// Оплата через шлюз всегда остаётся в статусе PENDING_PAYMENT до подтверждения.
func (s *Service) Checkout(ctx context.Context, buyerID int64, items []CartItem, paymentMethod, voucherCode string, pointsToRedeem int64, paidNow bool) (*model.Transaction, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}
	if pointsToRedeem < 0 {
		return nil, ErrInvalidPoints
	}

	// Снимок настроек на всю операцию: смена курса посреди оформления
	// не должна влиять на один конкретный заказ.
	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %d", ErrInvalidQuantity, item.ProductID)
		}
		ids = append(ids, item.ProductID)
	}

	products, err := s.repo.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	var subtotal int64
	txnItems := make([]model.TransactionItem, 0, len(items))
	for _, item := range items {
		p, ok := products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %d", ErrProductUnavailable, item.ProductID)
		}
		subtotal += p.Price * item.Quantity
		txnItems = append(txnItems, model.TransactionItem{
			ProductID: p.ID,
			UnitPrice: p.Price,
			Quantity:  item.Quantity,
		})
	}

	var discount int64
	var voucherRef *string
	if voucherCode != "" {
		v, err := s.repo.GetVoucher(ctx, voucherCode)
		if err != nil {
			if errors.Is(err, repository.ErrVoucherNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrVoucherInvalid, voucherCode)
			}
			return nil, err
		}
		if !v.ValidAt(time.Now()) {
			return nil, fmt.Errorf("%w: %s", ErrVoucherInvalid, voucherCode)
		}
		discount = roundPercent(subtotal, v.Percent)
		voucherRef = &v.Code
	}

	afterDiscount := subtotal - discount
	tax := roundPercent(afterDiscount, settings.TaxPercent)
	totalWithTax := afterDiscount + tax

	total := totalWithTax - pointsToRedeem*settings.PointRate
	if total < 0 {
		total = 0
	}

	if paymentMethod == model.PaymentMethodGateway {
		paidNow = false
	}

	status := model.TransactionStatusPending
	var credits []model.CommissionCredit
	if paidNow {
		status = model.TransactionStatusPaid
		credits, err = s.planCommissions(ctx, settings, buyerID, totalWithTax)
		if err != nil {
			return nil, err
		}
	}

	txn := &model.Transaction{
		MemberID:       buyerID,
		Items:          txnItems,
		VoucherCode:    voucherRef,
		Subtotal:       subtotal,
		Discount:       discount,
		Tax:            tax,
		Total:          total,
		PointsRedeemed: pointsToRedeem,
		PaymentMethod:  paymentMethod,
		PaymentRef:     uuid.NewString(),
		Status:         status,
	}

	id, err := s.repo.CreateTransaction(ctx, txn, credits)
	if err != nil {
		return nil, err
	}

	return s.repo.GetTransaction(ctx, id)
}

// planCommissions рассчитывает начисления комиссий по цепочке аплайна покупателя.
// База — итог транзакции после скидки с налогом, переведённый в баллы.
func (s *Service) planCommissions(ctx context.Context, settings *model.Settings, buyerID, totalWithTax int64) ([]model.CommissionCredit, error) {
	ancestors, err := s.repo.GetAncestors(ctx, buyerID, settings.CommissionLevels)
	if err != nil {
		return nil, err
	}

	basePoints := totalWithTax / settings.PointRate
	return commission.Plan(settings, basePoints, ancestors), nil
}

// ConfirmPayment подтверждает оплату транзакции и начисляет комиссии.
// Повторный вызов для уже оплаченной транзакции возвращает
// repository.ErrTransactionPaid и не изменяет журнал: идемпотентность
// обеспечивает check-and-set перевода статуса в хранилище.
func (s *Service) ConfirmPayment(ctx context.Context, txnID int64) error {
	txn, err := s.repo.GetTransaction(ctx, txnID)
	if err != nil {
		return err
	}
	return s.confirmTransaction(ctx, txn)
}

// ConfirmPaymentByRef подтверждает оплату по ссылке платёжного шлюза.
// Шлюз знает транзакцию только по своей ссылке, не по внутреннему идентификатору.
func (s *Service) ConfirmPaymentByRef(ctx context.Context, ref string) error {
	txn, err := s.repo.GetTransactionByRef(ctx, ref)
	if err != nil {
		return err
	}
	return s.confirmTransaction(ctx, txn)
}

func (s *Service) confirmTransaction(ctx context.Context, txn *model.Transaction) error {
	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return err
	}

	credits, err := s.planCommissions(ctx, settings, txn.MemberID, txn.TotalWithTax())
	if err != nil {
		return err
	}

	return s.repo.MarkTransactionPaid(ctx, txn.ID, credits)
}

// CancelPayment отменяет неоплаченную транзакцию и возвращает погашенные баллы.
func (s *Service) CancelPayment(ctx context.Context, txnID int64) error {
	return s.repo.CancelTransaction(ctx, txnID)
}

// CancelPaymentByRef отменяет транзакцию по ссылке платёжного шлюза.
func (s *Service) CancelPaymentByRef(ctx context.Context, ref string) error {
	txn, err := s.repo.GetTransactionByRef(ctx, ref)
	if err != nil {
		return err
	}
	return s.repo.CancelTransaction(ctx, txn.ID)
}

// GetBalance возвращает баланс участника в баллах и валютном эквиваленте.
// Значение всегда читается из журнала, без кеширования.
func (s *Service) GetBalance(ctx context.Context, memberID int64) (*model.Balance, error) {
	points, err := s.repo.GetBalance(ctx, memberID)
	if err != nil {
		return nil, err
	}

	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	return &model.Balance{
		Points:   points,
		Currency: points * settings.PointRate,
	}, nil
}

// GetLedger возвращает журнал баланса участника.
func (s *Service) GetLedger(ctx context.Context, memberID int64) ([]model.LedgerEntry, error) {
	return s.repo.GetLedgerByMember(ctx, memberID)
}

// GetCommissionHistory возвращает историю комиссий участника.
func (s *Service) GetCommissionHistory(ctx context.Context, memberID int64) ([]model.CommissionLog, error) {
	return s.repo.GetCommissionsByMember(ctx, memberID)
}

// GetTransactionsByMember возвращает историю покупок участника.
func (s *Service) GetTransactionsByMember(ctx context.Context, memberID int64) ([]model.Transaction, error) {
	return s.repo.GetTransactionsByMember(ctx, memberID)
}

// RequestWithdrawal создаёт заявку участника на вывод средств.
// Баллы на этом шаге не списываются: списание происходит при одобрении,
// а доступность суммы с учётом других ожидающих заявок проверяет хранилище.
func (s *Service) RequestWithdrawal(ctx context.Context, memberID, amount int64) (*model.WithdrawalRequest, error) {
	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	if amount <= 0 || amount%settings.PointRate != 0 {
		return nil, ErrInvalidAmount
	}
	if amount < settings.MinWithdrawal {
		return nil, fmt.Errorf("%w: minimum is %d", ErrBelowMinWithdrawal, settings.MinWithdrawal)
	}

	points := amount / settings.PointRate

	return s.repo.CreateWithdrawal(ctx, memberID, amount, points)
}

// GetWithdrawalsByMember возвращает заявки участника на вывод средств.
func (s *Service) GetWithdrawalsByMember(ctx context.Context, memberID int64) ([]model.WithdrawalRequest, error) {
	return s.repo.GetWithdrawalsByMember(ctx, memberID)
}

func (s *Service) requireAdmin(ctx context.Context, memberID int64) error {
	m, err := s.repo.GetMemberByID(ctx, memberID)
	if err != nil {
		return err
	}
	if !m.IsAdmin || m.Deleted() {
		return ErrNotAdmin
	}
	return nil
}

// PendingWithdrawals возвращает администратору очередь заявок, ожидающих решения.
func (s *Service) PendingWithdrawals(ctx context.Context, adminID int64) ([]model.WithdrawalRequest, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.repo.GetPendingWithdrawals(ctx)
}

// DecideWithdrawal выполняет решение администратора по заявке на вывод.
// Одобрение требует подтверждающий артефакт и списывает баллы заявки;
// отклонение требует причину и журнал не изменяет.
func (s *Service) DecideWithdrawal(ctx context.Context, adminID, requestID int64, decision, proofImage, proofLink, reason string) (*model.WithdrawalRequest, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}

	switch model.WithdrawalStatus(decision) {
	case model.WithdrawalStatusApproved:
		if proofImage == "" && proofLink == "" {
			return nil, ErrProofRequired
		}
		return s.repo.DecideWithdrawal(ctx, requestID, true,
			optional(proofImage), optional(proofLink), nil)
	case model.WithdrawalStatusRejected:
		if reason == "" {
			return nil, ErrReasonRequired
		}
		return s.repo.DecideWithdrawal(ctx, requestID, false, nil, nil, &reason)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// DeleteMember мягко удаляет участника по решению администратора.
// Уже начисленные комиссии и записи журнала сохраняются.
func (s *Service) DeleteMember(ctx context.Context, adminID, memberID int64) error {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	return s.repo.DeleteMember(ctx, memberID)
}

// GetNetworkStats возвращает статистику сети участника: размер фронтлайна,
// группы в пределах глубины выплат и накопленный заработок.
func (s *Service) GetNetworkStats(ctx context.Context, memberID int64) (*model.NetworkStats, error) {
	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetNetworkStats(ctx, memberID, settings.CommissionLevels)
}

// StartPaymentUpdates запускает фоновый процесс опроса платёжного шлюза
// по транзакциям, ожидающим оплаты.
func (s *Service) StartPaymentUpdates(ctx context.Context) {
	if s.paymentClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPaymentBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPaymentBatch(ctx context.Context) {
	pending, err := s.repo.GetPendingPayments(ctx, 100)
	if err != nil {
		return
	}

	for _, p := range pending {
		status, statusCode, retryAfter, err := s.paymentClient.GetPaymentStatus(ctx, p.PaymentRef)
		if err != nil {
			continue
		}

		if statusCode == 429 {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if status == nil {
			continue
		}

		switch status.Status {
		case payment.StatusConfirmed:
			_ = s.ConfirmPayment(ctx, p.TransactionID)
		case payment.StatusFailed:
			_ = s.repo.CancelTransaction(ctx, p.TransactionID)
		}
	}
}
