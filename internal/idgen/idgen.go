// Package idgen derives content-addressed identifiers for sessions and
// challenges: ids are not random, they're a SHA-256 digest over the fields
// that define the object plus a timestamp, so two identical intents issued
// in the same instant still diverge only by that timestamp (and, for
// challenges, a nonce folded into the challenge bytes).
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// canonicalJSON renders v with map keys sorted and ", " / ": " separators
// between map entries. Any non-map value, including a slice and whatever it
// contains, is encoded by encoding/json in its compact form.
func canonicalJSON(v any) string {
	b, err := marshalSorted(v)
	if err != nil {
		// v is always a plain map/slice/scalar built by this package's callers.
		panic(fmt.Sprintf("idgen: canonical json: %v", err))
	}
	return string(b)
}

func marshalSorted(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ", "...)
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ": "...)
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	default:
		return json.Marshal(v)
	}
}

// SessionID derives session_id = sha256(user_pubkey || session_type ||
// canonical_json(intent) || iso_timestamp).
func SessionID(userPubkey, sessionType string, intent map[string]any, now time.Time) string {
	payload := userPubkey + sessionType + canonicalJSON(intent) + now.UTC().Format(time.RFC3339Nano)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Nonce returns a fresh 128-bit hex-encoded nonce for challenge data.
func Nonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ChallengeData derives the binary challenge a user must sign:
// sha256(canonical_json({session_id, timestamp, nonce, context})).
func ChallengeData(sessionID string, now time.Time, nonce string, context map[string]any) []byte {
	fields := map[string]any{
		"session_id": sessionID,
		"timestamp":  now.UTC().Format(time.RFC3339Nano),
		"nonce":      nonce,
		"context":    context,
	}
	sum := sha256.Sum256([]byte(canonicalJSON(fields)))
	return sum[:]
}

// ChallengeID derives challenge_id = sha256(session_id || hex(challenge_data) || iso_timestamp).
func ChallengeID(sessionID string, challengeData []byte, now time.Time) string {
	payload := sessionID + hex.EncodeToString(challengeData) + now.UTC().Format(time.RFC3339Nano)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
