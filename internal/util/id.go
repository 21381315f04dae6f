package util

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

const idBytes = 12

// NewID returns a short random hex id for request correlation.
func NewID() string {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand should never fail; a timestamp keeps ids usable for
		// log correlation if it somehow does.
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
