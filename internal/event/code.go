package event

import (
	"crypto/rand"
	"regexp"
)

// codeAlphabet leaves out 0/O and 1/I so codes survive being read aloud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var codePattern = regexp.MustCompile(`^EVT-[A-Z0-9]{5}$`)

// NewCode generates a short user-facing event code like EVT-7K2PX.
func NewCode() string {
	buf := make([]byte, 5)
	rand.Read(buf)
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return "EVT-" + string(buf)
}

// ValidCode reports whether s looks like an event code.
func ValidCode(s string) bool {
	return codePattern.MatchString(s)
}
