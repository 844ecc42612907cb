package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Header contains block metadata.
type Header struct {
	Version                uint32        `json:"version"`
	Height                 uint64        `json:"height"`
	PrevHash               types.Hash    `json:"prev_hash"`
	MerkleRoot             types.Hash    `json:"merkle_root"`
	Timestamp              int64         `json:"timestamp"`
	Leader                 types.Address `json:"leader"`
	VRFOutput              [32]byte      `json:"vrf_output"`
	VRFProof               []byte        `json:"vrf_proof"`
	BlockReward            uint64        `json:"block_reward"`
	LivenessRecovery       bool          `json:"liveness_recovery"`
	MasternodeActiveBitmap []byte        `json:"masternode_active_bitmap"`
}

// headerJSON is the JSON representation of Header with hex-encoded byte fields.
type headerJSON struct {
	Version                uint32        `json:"version"`
	Height                 uint64        `json:"height"`
	PrevHash               types.Hash    `json:"prev_hash"`
	MerkleRoot             types.Hash    `json:"merkle_root"`
	Timestamp              int64         `json:"timestamp"`
	Leader                 types.Address `json:"leader"`
	VRFOutput              string        `json:"vrf_output"`
	VRFProof               string        `json:"vrf_proof,omitempty"`
	BlockReward            uint64        `json:"block_reward"`
	LivenessRecovery       bool          `json:"liveness_recovery"`
	MasternodeActiveBitmap string        `json:"masternode_active_bitmap,omitempty"`
}

// MarshalJSON encodes the header with hex-encoded VRF output/proof and bitmap.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Version:          h.Version,
		Height:           h.Height,
		PrevHash:         h.PrevHash,
		MerkleRoot:       h.MerkleRoot,
		Timestamp:        h.Timestamp,
		Leader:           h.Leader,
		VRFOutput:        hex.EncodeToString(h.VRFOutput[:]),
		BlockReward:      h.BlockReward,
		LivenessRecovery: h.LivenessRecovery,
	}
	if h.VRFProof != nil {
		j.VRFProof = hex.EncodeToString(h.VRFProof)
	}
	if h.MasternodeActiveBitmap != nil {
		j.MasternodeActiveBitmap = hex.EncodeToString(h.MasternodeActiveBitmap)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header with hex-encoded VRF output/proof and bitmap.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.Height = j.Height
	h.PrevHash = j.PrevHash
	h.MerkleRoot = j.MerkleRoot
	h.Timestamp = j.Timestamp
	h.Leader = j.Leader
	h.BlockReward = j.BlockReward
	h.LivenessRecovery = j.LivenessRecovery
	if j.VRFOutput != "" {
		b, err := hex.DecodeString(j.VRFOutput)
		if err != nil {
			return err
		}
		copy(h.VRFOutput[:], b)
	}
	if j.VRFProof != "" {
		b, err := hex.DecodeString(j.VRFProof)
		if err != nil {
			return err
		}
		h.VRFProof = b
	}
	if j.MasternodeActiveBitmap != "" {
		b, err := hex.DecodeString(j.MasternodeActiveBitmap)
		if err != nil {
			return err
		}
		h.MasternodeActiveBitmap = b
	}
	return nil
}

// Hash computes the block header hash (the block hash).
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes hashed to produce the block hash.
//
// Format: version(4) | height(8) | prev_hash(32) | merkle_root(32) |
// timestamp(8) | leader(20) | vrf_output(32) | vrf_proof_len(4) + vrf_proof |
// block_reward(8) | liveness_recovery(1) | bitmap_len(4) + bitmap
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 160+len(h.VRFProof)+len(h.MasternodeActiveBitmap))
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Timestamp))
	buf = append(buf, h.Leader[:]...)
	buf = append(buf, h.VRFOutput[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.VRFProof)))
	buf = append(buf, h.VRFProof...)
	buf = binary.LittleEndian.AppendUint64(buf, h.BlockReward)
	if h.LivenessRecovery {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.MasternodeActiveBitmap)))
	buf = append(buf, h.MasternodeActiveBitmap...)
	return buf
}
