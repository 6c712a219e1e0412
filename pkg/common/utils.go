package common

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// NewCutUUIDString returns uuid string that cut `-`.
func NewCutUUIDString() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// SHA256 returns the SHA256 hash.
func SHA256(buf []byte) []byte {
	h := sha256.New()
	h.Write(buf)
	return h.Sum(nil)
}

// SHA256HexString returns the hex string that encoded from SHA256 hash of source text.
func SHA256HexString(buf []byte) string {
	return hex.EncodeToString(SHA256(buf))
}

// BytesToHex encodes bytes as a lowercase hex string.
func BytesToHex(data []byte) string {
	return hex.EncodeToString(data)
}

// HexToBytes decodes a hex string, returning nil on malformed input.
func HexToBytes(s string) []byte {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return data
}

func MustGetJSONString(m interface{}) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		log.Error(err)
		return "{}"
	}
	return string(data)
}

func init() {
	rand.Seed(time.Now().UnixNano())
}

const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const (
	letterIdxBits = 6                    // 6 bits to represent a letter index
	letterIdxMask = 1<<letterIdxBits - 1 // All 1-bits, as many as letterIdxBits
	letterIdxMax  = 63 / letterIdxBits   // # of letter indices fitting in 63 bits
)

var src = rand.NewSource(time.Now().UnixNano())

// NewRandWordString returns a random string of the given length built from
// upper/lower case letters and digits.
func NewRandWordString(n int) string {
	sb := strings.Builder{}
	sb.Grow(n)
	// A src.Int63() generates 63 random bits, enough for letterIdxMax characters!
	for i, cache, remain := n-1, src.Int63(), letterIdxMax; i >= 0; {
		if remain == 0 {
			cache, remain = src.Int63(), letterIdxMax
		}
		if idx := int(cache & letterIdxMask); idx < len(letterBytes) {
			sb.WriteByte(letterBytes[idx])
			i--
		}
		cache >>= letterIdxBits
		remain--
	}

	return sb.String()
}

// TrimIP cuts the port part from an address.
func TrimIP(ip string) string {
	last := strings.LastIndex(ip, ":")
	if last != -1 {
		ip = ip[0:last]
	}
	return ip
}
