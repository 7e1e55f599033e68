// Package model содержит доменные сущности платформы какамарт.
package model

import "time"

// Member представляет участника партнёрской сети.
type Member struct {
	ID           int64
	Login        string
	PasswordHash []byte
	ReferralCode string
	// UplineID — идентификатор пригласившего участника.
	// nil только у корневого (административного) участника.
	// Назначается один раз при регистрации и не изменяется.
	UplineID  *int64
	Active    bool
	IsAdmin   bool
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Deleted сообщает, был ли участник мягко удалён администратором.
func (m *Member) Deleted() bool {
	return m.DeletedAt != nil
}

// Product описывает товар каталога, доступный к покупке.
type Product struct {
	ID     int64
	Name   string
	Price  int64
	Points int64
	Active bool
}

// Voucher описывает скидочный ваучер с окном действия.
type Voucher struct {
	Code     string
	Percent  float64
	StartsAt time.Time
	EndsAt   time.Time
	Active   bool
}

// ValidAt сообщает, действует ли ваучер в указанный момент времени.
func (v *Voucher) ValidAt(at time.Time) bool {
	return v.Active && !at.Before(v.StartsAt) && !at.After(v.EndsAt)
}

// Settings — неизменяемый снимок глобальных настроек на время одной операции.
type Settings struct {
	// PointRate — стоимость одного балла в валюте.
	PointRate int64
	// CommissionLevels — максимальная глубина аплайна, получающего комиссию.
	CommissionLevels int
	// LevelPercents — проценты комиссии по уровням, индекс 0 соответствует уровню 1.
	LevelPercents []float64
	TaxPercent    float64
	// MinWithdrawal — минимальная сумма вывода в валюте.
	MinWithdrawal int64
}

// PercentAt возвращает процент комиссии для уровня level (нумерация с 1).
func (s *Settings) PercentAt(level int) float64 {
	if level < 1 || level > len(s.LevelPercents) {
		return 0
	}
	return s.LevelPercents[level-1]
}

// PaymentMethodGateway — оплата через внешний платёжный шлюз; транзакция
// остаётся в статусе PENDING_PAYMENT до подтверждения шлюзом.
const PaymentMethodGateway = "gateway"

// TransactionStatus описывает статус платежа по транзакции.
type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "PENDING_PAYMENT"
	TransactionStatusPaid     TransactionStatus = "PAID"
	TransactionStatusCanceled TransactionStatus = "CANCELED"
)

// Transaction описывает покупку участника и её денежную раскладку.
type Transaction struct {
	ID          int64
	MemberID    int64
	Items       []TransactionItem
	VoucherCode *string
	Subtotal    int64
	Discount    int64
	Tax         int64
	// Total — итог к оплате после вычета погашенных баллов.
	Total          int64
	PointsRedeemed int64
	PaymentMethod  string
	PaymentRef     string
	Status         TransactionStatus
	CreatedAt      time.Time
	PaidAt         *time.Time
}

// TotalWithTax возвращает сумму после скидки с учётом налога,
// до вычета погашенных баллов. Это база для расчёта комиссий.
func (t *Transaction) TotalWithTax() int64 {
	return t.Subtotal - t.Discount + t.Tax
}

// TransactionItem описывает одну позицию транзакции.
type TransactionItem struct {
	ProductID int64
	UnitPrice int64
	Quantity  int64
}

// CommissionLog — запись о выплаченной комиссии: одна строка на пару
// (транзакция, получатель). Никогда не обновляется и не удаляется.
type CommissionLog struct {
	ID            int64
	BeneficiaryID int64
	BuyerID       int64
	TransactionID int64
	Level         int
	Points        int64
	CreatedAt     time.Time
}

// CommissionCredit — рассчитанное начисление комиссии одному получателю,
// ещё не записанное в хранилище.
type CommissionCredit struct {
	BeneficiaryID int64
	Level         int
	Points        int64
}

// LedgerEntryKind описывает тип записи в журнале баланса.
type LedgerEntryKind string

const (
	LedgerKindCommission     LedgerEntryKind = "commission"
	LedgerKindRedeem         LedgerEntryKind = "redeem"
	LedgerKindRedeemReversal LedgerEntryKind = "redeem_reversal"
	LedgerKindWithdrawal     LedgerEntryKind = "withdrawal"
)

// LedgerEntry — запись журнала изменения баллов участника. Журнал только
// пополняется; баланс участника всегда равен сумме Delta его записей.
type LedgerEntry struct {
	ID        int64
	MemberID  int64
	Delta     int64
	Kind      LedgerEntryKind
	RefID     int64
	CreatedAt time.Time
}

// Ancestor описывает одного предка в цепочке аплайна покупателя.
type Ancestor struct {
	Level    int
	MemberID int64
	Active   bool
	Deleted  bool
}

// WithdrawalStatus описывает состояние заявки на вывод средств.
type WithdrawalStatus string

const (
	WithdrawalStatusPending  WithdrawalStatus = "PENDING"
	WithdrawalStatusApproved WithdrawalStatus = "APPROVED"
	WithdrawalStatusRejected WithdrawalStatus = "REJECTED"
)

// Terminal сообщает, является ли статус финальным.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalStatusApproved || s == WithdrawalStatusRejected
}

// WithdrawalRequest описывает заявку участника на вывод средств.
type WithdrawalRequest struct {
	ID       int64
	MemberID int64
	// Amount — запрошенная сумма в валюте.
	Amount int64
	// Points — эквивалент суммы в баллах по курсу на момент заявки.
	Points          int64
	Status          WithdrawalStatus
	ProofImage      *string
	ProofLink       *string
	RejectionReason *string
	RequestedAt     time.Time
	DecidedAt       *time.Time
}

// Balance содержит баланс участника в баллах и его валютный эквивалент.
type Balance struct {
	Points   int64 `json:"points"`
	Currency int64 `json:"currency"`
}

// NetworkStats содержит статистику партнёрской сети участника.
type NetworkStats struct {
	FrontlineCount   int64 `json:"frontline_count"`
	TotalGroupCount  int64 `json:"total_group_count"`
	LifetimeEarnings int64 `json:"lifetime_earnings"`
}
