// Package referral содержит генерацию и валидацию реферальных кодов.
package referral

import (
	"crypto/rand"
	"fmt"
)

// Алфавит без визуально похожих символов (0/O, 1/I/L).
const codeCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// CodeLength — длина генерируемого реферального кода.
const CodeLength = 8

// NewCode генерирует случайный реферальный код.
// Уникальность обеспечивает хранилище; при коллизии генерацию повторяет вызывающий.
func NewCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	for i, b := range buf {
		buf[i] = codeCharset[int(b)%len(codeCharset)]
	}

	return string(buf), nil
}

// IsValidCode проверяет, что строка имеет формат реферального кода.
func IsValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}

	for i := 0; i < len(code); i++ {
		found := false
		for j := 0; j < len(codeCharset); j++ {
			if code[i] == codeCharset[j] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
