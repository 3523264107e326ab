package pairing

import (
	"crypto/hmac"
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"
	"io"
)

// derivePinKey stretches the short numeric PIN (entered on the client
// out of band) into a 32-byte key using the handshake salt, so a client
// who doesn't know the PIN cannot produce a valid challenge response.
func derivePinKey(pin string, salt []byte) []byte {
	r := hkdf.New(sha256.New, []byte(pin), salt, []byte("streamhost/pin/v1"))
	key := make([]byte, 32)
	io.ReadFull(r, key)
	return key
}

// expectedResponse computes HMAC-SHA256(pinKey, challenge), the value a
// legitimate client must echo back to prove it knows the PIN.
func expectedResponse(pin string, salt, challenge []byte) []byte {
	key := derivePinKey(pin, salt)
	mac := hmac.New(sha256.New, key)
	mac.Write(challenge)
	return mac.Sum(nil)
}

// ComputeClientResponse is the client-side counterpart, kept here since
// this repository also stands in for reference/test clients exercising
// the handshake end to end.
func ComputeClientResponse(pin string, salt, challenge []byte) []byte {
	return expectedResponse(pin, salt, challenge)
}
