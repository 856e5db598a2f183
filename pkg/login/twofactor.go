package login

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTP parameters match common authenticator apps.
var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// GenerateTOTPKey creates a new authenticator key for accountName.
func GenerateTOTPKey(issuer, accountName string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      totpOpts.Period,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
}

// ValidateTOTP checks passcode against secret at t.
func ValidateTOTP(secret, passcode string, t time.Time) bool {
	if secret == "" || passcode == "" {
		return false
	}
	ok, err := totp.ValidateCustom(passcode, secret, t, totpOpts)
	return err == nil && ok
}

// GenerateTOTPCode returns the current passcode for secret.
func GenerateTOTPCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, totpOpts)
}
