package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// VerifyChallengeSignature checks an ECDSA-SHA256 signature by the holder of
// pubkeyHex over challengeData, using ECDSA with SHA-256 over a secp256k1
// key. A malformed signature or pubkey is reported as "not valid" (false,
// nil), not an error; callers treat both the same way: reject without
// mutating state.
func VerifyChallengeSignature(challengeData, signature []byte, pubkeyHex string) (bool, error) {
	pubkeyHex = strings.TrimPrefix(pubkeyHex, "0x")
	pubkeyBytes, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return false, nil
	}

	pubKey, err := btcec.ParsePubKey(pubkeyBytes)
	if err != nil {
		return false, nil
	}

	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false, nil
	}

	digest := sha256.Sum256(challengeData)
	return sig.Verify(digest[:], pubKey), nil
}

// SignChallenge produces an ECDSA-SHA256 signature over data with a local
// private key: the counterpart to VerifyChallengeSignature, used wherever
// the gateway itself must sign rather than verify (tests, gateway-key
// placeholders).
func SignChallenge(data []byte, privKey *btcec.PrivateKey) []byte {
	digest := sha256.Sum256(data)
	return ecdsa.Sign(privKey, digest[:]).Serialize()
}

// ValidatePubkeyFormat reports whether pubkeyHex decodes to a 33-byte
// (compressed) or 65-byte (uncompressed) secp256k1 public key, checked
// against the curve itself rather than a lenient string pattern.
func ValidatePubkeyFormat(pubkeyHex string) bool {
	pubkeyHex = strings.TrimPrefix(pubkeyHex, "0x")
	b, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return false
	}
	if len(b) != 33 && len(b) != 65 {
		return false
	}
	_, err = btcec.ParsePubKey(b)
	return err == nil
}
