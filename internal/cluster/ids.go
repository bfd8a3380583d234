package cluster

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
)

// NewAgentID returns a fresh agent identifier, "nexus-" + 8 hex chars.
func NewAgentID() string {
	return "nexus-" + randomHex(4)
}

// newMemoryID returns a fresh memory identifier, "mem-" + 12 hex chars.
func newMemoryID() string {
	return "mem-" + randomHex(6)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("cluster: rand.Read: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
