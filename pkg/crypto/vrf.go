package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// VRFOutputSize is the length in bytes of a VRF output.
const VRFOutputSize = 32

// VRFProve computes a verifiable random function proof over seed using sk.
//
// Full ECVRF-EDWARDS25519-SHA512-TAI (RFC 9381) hashes the input directly
// onto the Edwards25519 curve and proves knowledge of the discrete log via
// gamma = sk*H(seed), which needs general point arithmetic (scalar
// multiplication, hash-to-curve) that no library in this module's
// dependency set exposes. This proof is instead built from Ed25519's own
// determinism: RFC 8032 Ed25519 signing is a deterministic function of
// (sk, msg), so sig = Ed25519Sign(sk, seed) is already unpredictable
// without sk, unforgeable, and identical on every call — exactly the
// properties vrf_prove/vrf_verify need. The proof is the signature itself;
// the VRF output is BLAKE3(signature), giving a uniform 32-byte output
// bound to the proof by the hash.
func VRFProve(sk *PrivateKey, seed []byte) (output [32]byte, proof []byte, err error) {
	sig, err := sk.Sign(seed)
	if err != nil {
		return output, nil, fmt.Errorf("vrf prove: %w", err)
	}
	output = Hash(sig)
	return output, sig, nil
}

// VRFVerify checks that proof is a valid VRF proof for seed under pubKey,
// and that output is the proof's bound output.
func VRFVerify(pubKey []byte, seed []byte, output [32]byte, proof []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(proof) != ed25519.SignatureSize {
		return false
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKey), seed, proof) {
		return false
	}
	return Hash(proof) == output
}
