// Package idgen mints the printable ids used across the bridge: monotonic
// request ids carrying an embedded epoch-ms suffix (so the correlator can
// evict "oldest by embedded timestamp" without a side index), and short
// session ids.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

var counter uint64

// RequestID mints "req_<monotonic>_<epoch-ms>" or, when background is true,
// "bg_<monotonic>_<epoch-ms>" per spec §3.
func RequestID(background bool) string {
	n := atomic.AddUint64(&counter, 1)
	prefix := "req"
	if background {
		prefix = "bg"
	}
	return fmt.Sprintf("%s_%d_%d", prefix, n, time.Now().UnixMilli())
}

// EpochFromRequestID extracts the embedded epoch-ms suffix used for
// oldest-first eviction. Returns 0 if the id doesn't match the minted shape.
func EpochFromRequestID(id string) int64 {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '_' {
			var epoch int64
			if _, err := fmt.Sscanf(id[i+1:], "%d", &epoch); err == nil {
				return epoch
			}
			return 0
		}
	}
	return 0
}

// SessionID mints "session_<8-hex>" per spec §3.
func SessionID() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return "session_" + hex.EncodeToString(buf[:])
}

// InstanceID mints a short id for this bridge process, used to tag
// peer-bridge registrations and relayed-request bookkeeping.
func InstanceID() string {
	var buf [6]byte
	_, _ = rand.Read(buf[:])
	return "bridge_" + hex.EncodeToString(buf[:])
}
