package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/kakamart/kakamart-system/internal/model"
	"github.com/kakamart/kakamart-system/internal/referral"
)

func TestAvailablePoints(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		pending int64
		want    int64
	}{
		{"no pending requests", 500, 0, 500},
		{"pending request reserves points", 500, 400, 100},
		{"pending exceeds balance", 300, 400, -100},
		{"empty wallet", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := availablePoints(tt.balance, tt.pending); got != tt.want {
				t.Fatalf("availablePoints(%d, %d) = %d, want %d",
					tt.balance, tt.pending, got, tt.want)
			}
		})
	}
}

// Сценарий двух конкурентных заявок: баланс 500, две заявки по 400 баллов.
// Вторая заявка видит первую как PENDING и не проходит по доступному остатку.
func TestAvailablePoints_SecondRequestDenied(t *testing.T) {
	const balance, points = 500, 400

	if points > availablePoints(balance, 0) {
		t.Fatalf("first request for %d of %d must fit", points, balance)
	}
	if points <= availablePoints(balance, points) {
		t.Fatalf("second request for %d must not fit with %d already pending", points, points)
	}
}

func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("DATABASE_URI")
	if dsn == "" {
		t.Skip("DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	if err != nil {
		t.Fatalf("connect to database: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func createTestMember(t *testing.T, repo *PostgresRepository, uplineID int64) *model.Member {
	t.Helper()

	code, err := referral.NewCode()
	if err != nil {
		t.Fatalf("generate referral code: %v", err)
	}

	m := &model.Member{
		Login:        "it-" + code,
		PasswordHash: []byte("test"),
		ReferralCode: code,
		UplineID:     &uplineID,
	}

	id, err := repo.CreateMember(context.Background(), m)
	if err != nil {
		t.Fatalf("create member: %v", err)
	}
	m.ID = id

	return m
}

// creditPoints начисляет участнику баллы оплаченной транзакцией покупателя.
func creditPoints(t *testing.T, repo *PostgresRepository, buyerID, beneficiaryID, points int64) {
	t.Helper()

	txn := &model.Transaction{
		MemberID:      buyerID,
		Subtotal:      points * 100,
		Total:         points * 100,
		PaymentMethod: "cash",
		PaymentRef:    uuid.NewString(),
		Status:        model.TransactionStatusPaid,
	}
	credits := []model.CommissionCredit{
		{BeneficiaryID: beneficiaryID, Level: 1, Points: points},
	}

	if _, err := repo.CreateTransaction(context.Background(), txn, credits); err != nil {
		t.Fatalf("credit points: %v", err)
	}
}

func TestCreateWithdrawal_ConcurrentRequests(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	root, err := repo.GetRootMember(ctx)
	if err != nil {
		t.Fatalf("get root member: %v", err)
	}

	buyer := createTestMember(t, repo, root.ID)
	member := createTestMember(t, repo, root.ID)
	creditPoints(t, repo, buyer.ID, member.ID, 500)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateWithdrawal(ctx, member.ID, 40000, 400)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, denied int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientBalance):
			denied++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if succeeded != 1 || denied != 1 {
		t.Fatalf("expected exactly one request to succeed, got %d succeeded / %d denied",
			succeeded, denied)
	}

	// Баллы не списаны до решения администратора: баланс журнала не изменился.
	balance, err := repo.GetBalance(ctx, member.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 500 {
		t.Fatalf("balance = %d, want 500", balance)
	}
}

func TestMarkTransactionPaid_SecondCallDoesNotDoubleCredit(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	root, err := repo.GetRootMember(ctx)
	if err != nil {
		t.Fatalf("get root member: %v", err)
	}

	buyer := createTestMember(t, repo, root.ID)
	beneficiary := createTestMember(t, repo, root.ID)

	txn := &model.Transaction{
		MemberID:      buyer.ID,
		Subtotal:      10000,
		Total:         10000,
		PaymentMethod: model.PaymentMethodGateway,
		PaymentRef:    uuid.NewString(),
		Status:        model.TransactionStatusPending,
	}
	txnID, err := repo.CreateTransaction(ctx, txn, nil)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	credits := []model.CommissionCredit{
		{BeneficiaryID: beneficiary.ID, Level: 1, Points: 100},
	}

	if err := repo.MarkTransactionPaid(ctx, txnID, credits); err != nil {
		t.Fatalf("first confirmation: %v", err)
	}

	err = repo.MarkTransactionPaid(ctx, txnID, credits)
	if !errors.Is(err, ErrTransactionPaid) {
		t.Fatalf("second confirmation: expected ErrTransactionPaid, got %v", err)
	}

	balance, err := repo.GetBalance(ctx, beneficiary.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("balance = %d, want 100 (single commission)", balance)
	}

	logs, err := repo.GetCommissionsByMember(ctx, beneficiary.ID)
	if err != nil {
		t.Fatalf("get commissions: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("commission logs = %d, want 1", len(logs))
	}
}

func TestCreateTransaction_RedeemRespectsPendingWithdrawal(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	root, err := repo.GetRootMember(ctx)
	if err != nil {
		t.Fatalf("get root member: %v", err)
	}

	buyer := createTestMember(t, repo, root.ID)
	member := createTestMember(t, repo, root.ID)
	creditPoints(t, repo, buyer.ID, member.ID, 500)

	if _, err := repo.CreateWithdrawal(ctx, member.ID, 40000, 400); err != nil {
		t.Fatalf("create withdrawal: %v", err)
	}

	redeem := func(points int64) error {
		txn := &model.Transaction{
			MemberID:       member.ID,
			Subtotal:       points * 100,
			Total:          0,
			PointsRedeemed: points,
			PaymentMethod:  "cash",
			PaymentRef:     uuid.NewString(),
			Status:         model.TransactionStatusPaid,
		}
		_, err := repo.CreateTransaction(ctx, txn, nil)
		return err
	}

	// Из 500 баллов 400 зарезервированы ожидающей заявкой.
	if err := redeem(200); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("redeem over reserved points: expected ErrInsufficientBalance, got %v", err)
	}
	if err := redeem(100); err != nil {
		t.Fatalf("redeem within available points: %v", err)
	}

	balance, err := repo.GetBalance(ctx, member.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 400 {
		t.Fatalf("balance = %d, want 400", balance)
	}
}
