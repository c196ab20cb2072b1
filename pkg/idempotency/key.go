// Package idempotency computes the stable task identifier the Order
// Executor uses to collapse duplicate submissions onto one OrderTask.
package idempotency

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// TaskID computes HMAC-SHA256(secret, idempotencyKey || accountID) as a hex
// string. The same (secret, idempotencyKey, accountID) triple always
// yields the same task ID, which is the idempotency invariant §4.7 and
// §8 require.
func TaskID(secret []byte, idempotencyKey, accountID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(idempotencyKey))
	mac.Write([]byte{0}) // separator so "ab"+"c" != "a"+"bc"
	mac.Write([]byte(accountID))
	return hex.EncodeToString(mac.Sum(nil))
}
