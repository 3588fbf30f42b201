package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyChallenge(t *testing.T) {
	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	data := []byte("session-challenge-bytes")
	sig := SignChallenge(data, privKey)

	pubkeyHex := hex.EncodeToString(privKey.PubKey().SerializeCompressed())

	ok, err := VerifyChallengeSignature(data, sig, pubkeyHex)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyChallengeSignatureWrongKey(t *testing.T) {
	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	data := []byte("session-challenge-bytes")
	sig := SignChallenge(data, privKey)

	ok, err := VerifyChallengeSignature(data, sig, hex.EncodeToString(other.PubKey().SerializeCompressed()))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyChallengeSignatureTamperedData(t *testing.T) {
	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	sig := SignChallenge([]byte("original"), privKey)

	ok, err := VerifyChallengeSignature([]byte("tampered"), sig, hex.EncodeToString(privKey.PubKey().SerializeCompressed()))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyChallengeSignatureMalformedInputs(t *testing.T) {
	ok, err := VerifyChallengeSignature([]byte("data"), []byte("not-a-signature"), "not-hex-!!")
	require.NoError(t, err)
	assert.False(t, ok)

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sig := SignChallenge([]byte("data"), privKey)
	ok, err = VerifyChallengeSignature([]byte("data"), sig, "deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidatePubkeyFormat(t *testing.T) {
	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	assert.True(t, ValidatePubkeyFormat(hex.EncodeToString(privKey.PubKey().SerializeCompressed())))
	assert.True(t, ValidatePubkeyFormat(hex.EncodeToString(privKey.PubKey().SerializeUncompressed())))
	assert.False(t, ValidatePubkeyFormat("0xdeadbeef"))
	assert.False(t, ValidatePubkeyFormat("not-hex"))
}
