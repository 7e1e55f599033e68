package commission

import (
	"testing"

	"github.com/kakamart/kakamart-system/internal/model"
)

func testSettings() *model.Settings {
	return &model.Settings{
		PointRate:        100,
		CommissionLevels: 2,
		LevelPercents:    []float64{10, 5},
		TaxPercent:       11,
		MinWithdrawal:    10000,
	}
}

func TestPlan_TwoLevels(t *testing.T) {
	// A пригласил B, B пригласил C. C покупает на 1000 баллов:
	// B получает 10%, A получает 5%.
	ancestors := []model.Ancestor{
		{Level: 1, MemberID: 2, Active: true},
		{Level: 2, MemberID: 1, Active: true},
	}

	credits := Plan(testSettings(), 1000, ancestors)

	if len(credits) != 2 {
		t.Fatalf("len(credits) = %d, want 2", len(credits))
	}
	if credits[0].BeneficiaryID != 2 || credits[0].Level != 1 || credits[0].Points != 100 {
		t.Fatalf("level 1 credit = %+v, want member 2, 100 points", credits[0])
	}
	if credits[1].BeneficiaryID != 1 || credits[1].Level != 2 || credits[1].Points != 50 {
		t.Fatalf("level 2 credit = %+v, want member 1, 50 points", credits[1])
	}
}

func TestPlan_ChainShorterThanLevels(t *testing.T) {
	ancestors := []model.Ancestor{
		{Level: 1, MemberID: 2, Active: true},
	}

	credits := Plan(testSettings(), 1000, ancestors)

	if len(credits) != 1 {
		t.Fatalf("len(credits) = %d, want 1", len(credits))
	}
}

func TestPlan_ChainDeeperThanLevels(t *testing.T) {
	ancestors := []model.Ancestor{
		{Level: 1, MemberID: 4, Active: true},
		{Level: 2, MemberID: 3, Active: true},
		{Level: 3, MemberID: 2, Active: true},
		{Level: 4, MemberID: 1, Active: true},
	}

	credits := Plan(testSettings(), 1000, ancestors)

	if len(credits) != 2 {
		t.Fatalf("len(credits) = %d, want 2: levels beyond the cap stay unpaid", len(credits))
	}
	for _, c := range credits {
		if c.Level > 2 {
			t.Fatalf("credit at level %d beyond configured cap", c.Level)
		}
	}
}

func TestPlan_InactiveAncestorStillCredited(t *testing.T) {
	ancestors := []model.Ancestor{
		{Level: 1, MemberID: 2, Active: false},
		{Level: 2, MemberID: 1, Active: true},
	}

	credits := Plan(testSettings(), 1000, ancestors)

	if len(credits) != 2 {
		t.Fatalf("len(credits) = %d, want 2: inactive ancestor must be credited", len(credits))
	}
	if credits[0].BeneficiaryID != 2 {
		t.Fatalf("inactive ancestor lost its credit: %+v", credits)
	}
}

func TestPlan_DeletedAncestorSkippedButLevelKept(t *testing.T) {
	ancestors := []model.Ancestor{
		{Level: 1, MemberID: 2, Active: false, Deleted: true},
		{Level: 2, MemberID: 1, Active: true},
	}

	credits := Plan(testSettings(), 1000, ancestors)

	if len(credits) != 1 {
		t.Fatalf("len(credits) = %d, want 1", len(credits))
	}
	if credits[0].BeneficiaryID != 1 || credits[0].Level != 2 || credits[0].Points != 50 {
		t.Fatalf("survivor credit = %+v, want member 1 at level 2 with 50 points", credits[0])
	}
}

func TestPlan_ZeroPercentLevelSkipped(t *testing.T) {
	settings := testSettings()
	settings.CommissionLevels = 3
	settings.LevelPercents = []float64{10, 0, 3}

	ancestors := []model.Ancestor{
		{Level: 1, MemberID: 3, Active: true},
		{Level: 2, MemberID: 2, Active: true},
		{Level: 3, MemberID: 1, Active: true},
	}

	credits := Plan(settings, 1000, ancestors)

	if len(credits) != 2 {
		t.Fatalf("len(credits) = %d, want 2", len(credits))
	}
	if credits[0].Level != 1 || credits[1].Level != 3 {
		t.Fatalf("unexpected levels: %+v", credits)
	}
}

func TestPlan_TotalNeverExceedsCap(t *testing.T) {
	settings := testSettings()
	settings.CommissionLevels = 5
	settings.LevelPercents = []float64{10, 5, 3, 2, 1}

	ancestors := []model.Ancestor{
		{Level: 1, MemberID: 6, Active: true},
		{Level: 2, MemberID: 5, Active: true},
		{Level: 3, MemberID: 4, Active: true},
		{Level: 4, MemberID: 3, Active: true},
		{Level: 5, MemberID: 2, Active: true},
	}

	base := int64(1998)
	credits := Plan(settings, base, ancestors)

	maxPayout := Amount(base, 10+5+3+2+1)
	if total := Total(credits); total > maxPayout {
		t.Fatalf("total payout %d exceeds cap %d", total, maxPayout)
	}
}

func TestPlan_NonPositiveBase(t *testing.T) {
	ancestors := []model.Ancestor{{Level: 1, MemberID: 2, Active: true}}

	if credits := Plan(testSettings(), 0, ancestors); credits != nil {
		t.Fatalf("expected no credits for zero base, got %+v", credits)
	}
	if credits := Plan(testSettings(), -10, ancestors); credits != nil {
		t.Fatalf("expected no credits for negative base, got %+v", credits)
	}
}

func TestAmount_Rounding(t *testing.T) {
	if got := Amount(1998, 10); got != 200 {
		t.Fatalf("Amount(1998, 10) = %d, want 200", got)
	}
	if got := Amount(1998, 5); got != 100 {
		t.Fatalf("Amount(1998, 5) = %d, want 100", got)
	}
	if got := Amount(999, 0.1); got != 1 {
		t.Fatalf("Amount(999, 0.1) = %d, want 1", got)
	}
}
