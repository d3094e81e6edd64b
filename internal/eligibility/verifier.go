package eligibility

import (
	"bytes"
	"time"

	gcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const proofNodeSize = 32

// Verifier answers eligibility questions for both issuance types.
// Pure with respect to its inputs: no I/O, safe to call concurrently.
type Verifier struct {
	periodicWindow time.Duration
}

func NewVerifier(periodicWindowDays int) *Verifier {
	return &Verifier{
		periodicWindow: time.Duration(periodicWindowDays) * 24 * time.Hour,
	}
}

// VerifyFirst recomputes the membership path from proof against root.
// proof is a concatenation of 32-byte sibling hashes, leaf-to-root,
// combined with the sorted-pair Keccak-256 convention the minter
// contract uses. Malformed input returns false, never panics.
func (v *Verifier) VerifyFirst(walletAddress string, proof []byte, root [32]byte) bool {
	if !gcommon.IsHexAddress(walletAddress) {
		return false
	}
	if len(proof)%proofNodeSize != 0 {
		return false
	}

	node := crypto.Keccak256(gcommon.HexToAddress(walletAddress).Bytes())
	for off := 0; off < len(proof); off += proofNodeSize {
		sibling := proof[off : off+proofNodeSize]
		if bytes.Compare(node, sibling) <= 0 {
			node = crypto.Keccak256(node, sibling)
		} else {
			node = crypto.Keccak256(sibling, node)
		}
	}
	return bytes.Equal(node, root[:])
}

// VerifyPeriodic reports whether the periodic window has elapsed since
// the wallet's most recent issuance record. A wallet with no record at
// all is not eligible: FIRST issuance must precede PERIODIC.
func (v *Verifier) VerifyPeriodic(lastRecord, now time.Time) bool {
	if lastRecord.IsZero() {
		return false
	}
	return now.Sub(lastRecord) >= v.periodicWindow
}
