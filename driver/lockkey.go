package driver

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// LockKey derives the stable 64-hex-digit fingerprint that scopes mutual
// exclusion to one (database, schema, table, dir) tuple: SHA-256 of
// "url|dir|schema|table". Same four inputs produce the same key; any input
// different produces a different key.
func LockKey(url, dir, schema, table string) string {
	h := sha256.Sum256([]byte(url + "|" + dir + "|" + schema + "|" + table))
	return hex.EncodeToString(h[:])
}

// NarrowInt32 derives a positive 31-bit integer from a 64-hex-digit lock key,
// for drivers (MySQL, and other integer-keyed lock primitives) that need a
// narrower key than the full fingerprint: the first four bytes, interpreted
// as a big-endian uint32, mod 2147483647, plus 1.
func NarrowInt32(key string) int32 {
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) < 4 {
		// Keys produced by LockKey are always valid hex of sufficient
		// length; this path only guards against a caller passing something
		// else in.
		raw = sha256ify(key)
	}
	v := binary.BigEndian.Uint32(raw[:4])
	return int32(v%2147483647) + 1
}

func sha256ify(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}
