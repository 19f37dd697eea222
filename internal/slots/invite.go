package slots

import (
	"crypto/rand"
	"strings"
)

// inviteCodeAlphabet omits 0/O and 1/I. Its length divides 256 so byte sampling stays uniform.
const inviteCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func randomInviteCode() (string, error) {
	buffer := make([]byte, InviteCodeLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	var builder strings.Builder
	builder.Grow(InviteCodeLength)
	for _, value := range buffer {
		builder.WriteByte(inviteCodeAlphabet[int(value)%len(inviteCodeAlphabet)])
	}
	return builder.String(), nil
}

// NormalizeInviteCode trims and upper-cases a user supplied code.
func NormalizeInviteCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
