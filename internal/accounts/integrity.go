package accounts

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/playmatatu/arbiter/internal/models"
	"github.com/shopspring/decimal"
)

// hashScale fixes the textual form of amounts so that "5" and "5.00000000"
// read back from NUMERIC columns hash identically.
const hashScale = 8

// BalanceHash is H(id ‖ balance ‖ salt).
func BalanceHash(id string, balance decimal.Decimal, salt string) string {
	sum := sha256.Sum256([]byte(id + ":" + balance.StringFixed(hashScale) + ":" + salt))
	return hex.EncodeToString(sum[:])
}

// EntryHash seals a ledger row over its canonical fields.
func EntryHash(e *models.LedgerEntry, salt string) string {
	parts := []string{
		e.ID,
		e.AccountID,
		string(e.EntryType),
		e.Amount.StringFixed(hashScale),
		e.MatchID,
		e.BeforeBalance.StringFixed(hashScale),
		e.AfterBalance.StringFixed(hashScale),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		salt,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// ValidAmount reports whether amount is positive with at most two decimal places.
func ValidAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(2))
}
