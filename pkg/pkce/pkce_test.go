package pkce

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	// RFC 7636 appendix B.
	const verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	const challenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	got, err := Challenge(verifier, ChallengeS256)
	require.NoError(t, err)
	assert.Equal(t, challenge, got)

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    ChallengeMethod
		wantErr   error
	}{
		{"s256", verifier, challenge, ChallengeS256, nil},
		{"plain", verifier, verifier, ChallengePlain, nil},
		{"s256 mismatch", verifier, verifier, ChallengeS256, ErrMismatch},
		{"too short", "abc", "abc", ChallengePlain, ErrInvalidVerifier},
		{"too long", strings.Repeat("a", 129), strings.Repeat("a", 129), ChallengePlain, ErrInvalidVerifier},
		{"bad characters", strings.Repeat("a", 42) + "!", strings.Repeat("a", 42) + "!", ChallengePlain, ErrInvalidVerifier},
		{"unknown method", verifier, challenge, "S512", ErrInvalidMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.verifier, tt.challenge, tt.method)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, ChallengePlain, m)

	m, err = ParseMethod("S256")
	require.NoError(t, err)
	assert.Equal(t, ChallengeS256, m)

	_, err = ParseMethod("s256")
	assert.ErrorIs(t, err, ErrInvalidMethod)
}

func TestGenerateVerifier(t *testing.T) {
	v, err := GenerateVerifier()
	require.NoError(t, err)
	assert.Len(t, v, 43)
	c, err := Challenge(v, ChallengeS256)
	require.NoError(t, err)
	assert.NoError(t, Verify(v, c, ChallengeS256))
}
