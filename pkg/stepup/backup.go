package stepup

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// backupCodeAlphabet excludes characters that are easy to misread
const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const backupCodeGroupLen = 5

// generateBackupCodes returns n plain codes and their bcrypt hashes. The
// plain codes are shown to the user exactly once.
func generateBackupCodes(n int) (codes []string, hashes []string, err error) {
	codes = make([]string, 0, n)
	hashes = make([]string, 0, n)
	for i := 0; i < n; i++ {
		code, err := randomBackupCode()
		if err != nil {
			return nil, nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to hash backup code: %w", err)
		}
		codes = append(codes, code)
		hashes = append(hashes, string(hash))
	}
	return codes, hashes, nil
}

func randomBackupCode() (string, error) {
	var b strings.Builder
	for i := 0; i < 2*backupCodeGroupLen; i++ {
		if i == backupCodeGroupLen {
			b.WriteByte('-')
		}
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("failed to generate backup code: %w", err)
		}
		b.WriteByte(backupCodeAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

// matchBackupCode returns the index of the hash the code matches, if any
func matchBackupCode(hashes []string, code string) (int, bool) {
	for i, hash := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil {
			return i, true
		}
	}
	return -1, false
}

// normalizeCode strips whitespace and upcases user input so codes survive
// copy/paste mangling.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
