package fiscal

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	domainerrors "fisco/pkg/domain-errors"
)

// AccessKeyLength is the fixed length of a document access key.
const AccessKeyLength = 44

// KeyParams are the inputs to access key derivation. The same params always
// produce the same key, so a retried submission carries the same identity.
type KeyParams struct {
	UFCode      int       // two-digit jurisdiction code
	IssuedAt    time.Time // contributes year and month (AAMM)
	IssuerTaxID string    // 14-digit issuer registration
	ModelCode   string    // two-digit document model
	Series      int       // up to three digits
	Sequence    int64     // up to nine digits
}

// DeriveAccessKey builds the 44-digit access key:
//
//	UF(2) AAMM(4) issuer(14) model(2) series(3) sequence(9) emission(1) code(8) check(1)
//
// The 8-digit numeric code is derived from a hash of the identifying tuple
// rather than drawn at random, keeping derivation fully deterministic.
func DeriveAccessKey(p KeyParams) (string, error) {
	if p.UFCode < 11 || p.UFCode > 53 {
		return "", domainerrors.New(domainerrors.CodeInvalidInput, "jurisdiction code out of range")
	}
	if len(p.IssuerTaxID) != 14 || !allDigits(p.IssuerTaxID) {
		return "", domainerrors.New(domainerrors.CodeInvalidInput, "issuer tax id must be 14 digits")
	}
	if p.Series < 0 || p.Series > 999 {
		return "", domainerrors.New(domainerrors.CodeInvalidInput, "series out of range")
	}
	if p.Sequence < 1 || p.Sequence > 999_999_999 {
		return "", domainerrors.New(domainerrors.CodeInvalidInput, "sequence number out of range")
	}

	base := fmt.Sprintf("%02d%02d%02d%s%s%03d%09d%d%08d",
		p.UFCode,
		p.IssuedAt.Year()%100,
		int(p.IssuedAt.Month()),
		p.IssuerTaxID,
		p.ModelCode,
		p.Series,
		p.Sequence,
		1, // normal emission
		numericCode(p),
	)
	return base + fmt.Sprintf("%d", checkDigit(base)), nil
}

// ValidateAccessKey checks length, digits, and the modulo-11 check digit.
func ValidateAccessKey(key string) error {
	if len(key) != AccessKeyLength || !allDigits(key) {
		return domainerrors.New(domainerrors.CodeInvalidInput, "access key must be 44 digits")
	}
	if checkDigit(key[:AccessKeyLength-1]) != int(key[AccessKeyLength-1]-'0') {
		return domainerrors.New(domainerrors.CodeInvalidInput, "access key check digit mismatch")
	}
	return nil
}

// numericCode derives the 8-digit document code from a hash of the
// identifying tuple.
func numericCode(p KeyParams) int {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%03d|%d", p.IssuerTaxID, p.ModelCode, p.Series, p.Sequence)))
	return int(binary.BigEndian.Uint32(h[:4]) % 100_000_000)
}

// checkDigit computes the modulo-11 check digit over the given digit string,
// with weights cycling 2..9 from the rightmost digit.
func checkDigit(digits string) int {
	weight := 2
	sum := 0
	for i := len(digits) - 1; i >= 0; i-- {
		sum += int(digits[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	dv := 11 - sum%11
	if dv >= 10 {
		return 0
	}
	return dv
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
