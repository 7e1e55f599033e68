// Package commission содержит расчёт многоуровневых комиссий по цепочке аплайна.
package commission

import (
	"math"

	"github.com/kakamart/kakamart-system/internal/model"
)

// Plan рассчитывает начисления комиссий для цепочки предков покупателя.
//
// basePoints — база начисления: итог транзакции после скидки с налогом,
// переведённый в баллы по текущему курсу. ancestors должны идти по возрастанию
// уровня (уровень 1 — прямой аплайн).
//
// Правила:
//   - начисления идут не глубже settings.CommissionLevels;
//   - уровень с нулевым процентом пропускается;
//   - неактивный участник комиссию получает (осознанное решение: пропуск
//     неактивных менял бы общий размер выплат);
//   - мягко удалённый участник начисление не получает, но его уровень
//     остаётся занятым — более дальние предки не сдвигаются.
//
// Сумма уровня: round(basePoints × percent / 100).
func Plan(settings *model.Settings, basePoints int64, ancestors []model.Ancestor) []model.CommissionCredit {
	if basePoints <= 0 {
		return nil
	}

	var credits []model.CommissionCredit

	for _, a := range ancestors {
		if a.Level > settings.CommissionLevels {
			break
		}
		if a.Deleted {
			continue
		}

		percent := settings.PercentAt(a.Level)
		if percent <= 0 {
			continue
		}

		points := Amount(basePoints, percent)
		if points <= 0 {
			continue
		}

		credits = append(credits, model.CommissionCredit{
			BeneficiaryID: a.MemberID,
			Level:         a.Level,
			Points:        points,
		})
	}

	return credits
}

// Amount возвращает размер комиссии в баллах для указанной базы и процента.
func Amount(basePoints int64, percent float64) int64 {
	return int64(math.Round(float64(basePoints) * percent / 100))
}

// Total возвращает суммарный размер начислений плана.
func Total(credits []model.CommissionCredit) int64 {
	var sum int64
	for _, c := range credits {
		sum += c.Points
	}
	return sum
}
