package p2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names.
const (
	TopicTransactions = "/klingnet/tx/1.0.0"
	TopicBlocks       = "/klingnet/block/1.0.0"
	TopicHeartbeat    = "/klingnet/heartbeat/1.0.0"
)

// Handshake protocol constants.
const (
	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/klingnet/handshake/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	// v2: fixed sync/reorg bugs that caused nodes to get stuck with orphan blocks.
	ProtocolVersion uint32 = 2

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	// v2 required: v1 peers may have corrupted block stores that return empty batches.
	MinProtocolVersion uint32 = 2
)

// MessageType identifies the variant of a framed P2P message. Transaction,
// block, and heartbeat gossip each run over a dedicated GossipSub topic
// (TopicTransactions, TopicBlocks, TopicHeartbeat) rather than this generic
// envelope; the remaining variants name the rest of the wire contract so
// callers speaking the lower-level stream protocols (handshake, sync,
// height, and a future TimeVote/TimeGuard round-trip) agree on one set of
// tags instead of inventing ad hoc ones per feature.
type MessageType uint8

const (
	MsgTx                        MessageType = iota + 1 // Transaction broadcast.
	MsgBlock                                            // Block broadcast.
	MsgHandshake                                        // Handshake{genesis_hash, version, height}.
	MsgPing                                             // Ping{nonce, timestamp, height?}.
	MsgPong                                             // Pong{nonce, timestamp, height?}.
	MsgTimeVoteRequest                                  // TimeVoteRequest{txid, commitment, slot}.
	MsgTimeVote                                         // TimeVote{txid, decision, validator, slot, signature}.
	MsgTransactionFinalized                             // TransactionFinalized{txid, TimeProof}.
	MsgBlockProposal                                    // BlockProposal{block}.
	MsgBlockPrepare                                     // BlockPrepare{block_hash, validator, signature}.
	MsgBlockPrecommit                                   // BlockPrecommit{block_hash, validator, signature}.
	MsgGetBlockHash                                     // GetBlockHash{height}.
	MsgBlockHashResponse                                // BlockHashResponse{height, hash}.
	MsgChainTipRequest                                  // ChainTipRequest{}.
	MsgChainTipResponse                                 // ChainTipResponse{height, hash, cumulative_work}.
	MsgMasternodeAnnouncement                           // MasternodeAnnouncement{address, tier, collateral_outpoint?, pk, signature}.
	MsgGetLockedCollaterals                             // GetLockedCollaterals{}.
	MsgLockedCollateralsResponse                        // LockedCollateralsResponse{[LockedCollateral]}.
)

// Message is a framed P2P protocol envelope: a tagged, opaque payload
// callers decode once they know its MessageType. GetBlocks/Blocks and
// Heartbeat already have typed request/response structs and dedicated
// stream protocols (SyncRequest/SyncResponse in sync.go, HeightResponse in
// heightreq.go, HeartbeatMessage in heartbeat.go) and don't route through
// this envelope.
type Message struct {
	Type    MessageType `json:"type"`
	Payload []byte      `json:"payload"`
}
