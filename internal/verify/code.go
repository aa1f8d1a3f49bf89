package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

const codeLen = 6

var codeChars = []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZ")

// Code is a short human-enterable proof derived from a key, an epoch, and an
// external account id.
type Code [codeLen]byte

// ParseCode validates and normalises user input. Codes are exactly six
// letters; lowercase input is accepted.
func ParseCode(s string) (Code, error) {
	var c Code
	if len(s) != codeLen {
		return c, fmt.Errorf("%w: must be exactly %d characters", ErrInvalidCode, codeLen)
	}
	for i := 0; i < codeLen; i++ {
		b := s[i]
		switch {
		case b >= 'A' && b <= 'Z':
			c[i] = b
		case b >= 'a' && b <= 'z':
			c[i] = b - 'a' + 'A'
		default:
			return c, fmt.Errorf("%w: may only contain letters", ErrInvalidCode)
		}
	}
	return c, nil
}

func (c Code) String() string { return string(c[:]) }

// Equal compares codes in constant time.
func (c Code) Equal(other Code) bool {
	return subtle.ConstantTimeCompare(c[:], other[:]) == 1
}

// GenerateCode derives the proof code for (key, epoch, account). The first
// six bytes of an HMAC-SHA256 digest are folded into a base-26 accumulator,
// which keeps the code short enough to type into a profile field.
func GenerateCode(key VerificationKey, epoch int64, externalUserID int64) Code {
	mac := hmac.New(sha256.New, key.Secret)
	fmt.Fprintf(mac, "%d|%d|%d", key.Version, externalUserID, epoch)
	digest := mac.Sum(nil)

	var accum uint64
	for i := 0; i < codeLen; i++ {
		accum = accum*256 + uint64(digest[i])
	}

	var c Code
	for i := 0; i < codeLen; i++ {
		c[i] = codeChars[accum%uint64(len(codeChars))]
		accum /= uint64(len(codeChars))
	}
	return c
}

// epochOffsets tolerates clock and propagation skew of one time increment
// in either direction, newest first.
var epochOffsets = [...]int64{1, 0, -1}

// matchEpoch checks the candidate code against this key's tolerated epochs
// and reports the epoch that matched.
func matchEpoch(key VerificationKey, externalUserID int64, code Code, epoch int64) (int64, bool) {
	for _, off := range epochOffsets {
		if code.Equal(GenerateCode(key, epoch+off, externalUserID)) {
			return epoch + off, true
		}
	}
	return 0, false
}

// matchStale probes epochs older than the tolerated window, out to the
// grace-window boundary. A hit means the code was once valid but is now
// past its validity horizon.
func matchStale(key VerificationKey, externalUserID int64, code Code, epoch, graceEpochs int64) bool {
	for off := int64(2); off <= graceEpochs+2; off++ {
		if code.Equal(GenerateCode(key, epoch-off, externalUserID)) {
			return true
		}
	}
	return false
}
