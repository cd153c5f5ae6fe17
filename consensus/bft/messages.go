// Copyright (C) 2019-2024 Algorand, Inc.
// This file is part of go-concord
//
// go-concord is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// go-concord is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with go-concord.  If not, see <https://www.gnu.org/licenses/>.

package bft

import (
	"encoding/binary"

	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/protocol"
)

// batchEntry is one serialised kv entry inside a pre-prepare batch.
type batchEntry struct {
	Idx         basics.Version `codec:"i"`
	Data        []byte         `codec:"d"`
	Committable bool           `codec:"c"`
}

// requestMsg is a client request carrying a pre-serialised application
// payload; the signature covers (client, reqid, payload).
type requestMsg struct {
	Client basics.NodeID    `codec:"c"`
	ReqID  uint64           `codec:"r"`
	Data   []byte           `codec:"d"`
	Sig    crypto.Signature `codec:"s"`
}

// ToBeHashed implements crypto.Hashable for request signing.
func (m requestMsg) ToBeHashed() (protocol.HashID, []byte) {
	buf := make([]byte, 16, 16+len(m.Data))
	binary.BigEndian.PutUint64(buf[0:8], uint64(m.Client))
	binary.BigEndian.PutUint64(buf[8:16], m.ReqID)
	buf = append(buf, m.Data...)
	return protocol.Message, buf
}

// replyMsg answers a committed request.
type replyMsg struct {
	View   basics.View   `codec:"v"`
	Client basics.NodeID `codec:"c"`
	ReqID  uint64        `codec:"r"`
	Digest crypto.Digest `codec:"d"`
}

// prePrepareMsg orders a batch at (view, seq).  Its digest covers the
// batch and the Merkle replicated-state root the primary obtained by
// tentatively executing the batch.
type prePrepareMsg struct {
	View        basics.View    `codec:"v"`
	Seq         basics.SeqNo   `codec:"s"`
	FirstIdx    basics.Version `codec:"f"`
	Entries     []batchEntry   `codec:"e,allocbound=-"`
	StateRoot   crypto.Digest  `codec:"r"`
	HashedNonce crypto.Digest  `codec:"n"`
	PrevDigest  crypto.Digest  `codec:"p"`
}

// digestBody is the canonical byte form a pre-prepare digest covers.
type digestBody prePrepareMsg

// ToBeHashed implements crypto.Hashable.
func (m digestBody) ToBeHashed() (protocol.HashID, []byte) {
	return protocol.PrePrepareBatch, protocol.Encode((*prePrepareMsg)(&m))
}

func (m *prePrepareMsg) digest() crypto.Digest {
	return crypto.HashObj(digestBody(*m))
}

// lastIdx returns the version of the batch's last entry; 0 for null-ops.
func (m *prePrepareMsg) lastIdx() basics.Version {
	if len(m.Entries) == 0 {
		return 0
	}
	return m.Entries[len(m.Entries)-1].Idx
}

// prepareMsg echoes a backup's acceptance of a pre-prepare; the hashed
// nonce commits the sender to its later reveal.
type prepareMsg struct {
	View        basics.View   `codec:"v"`
	Seq         basics.SeqNo  `codec:"s"`
	Digest      crypto.Digest `codec:"d"`
	HashedNonce crypto.Digest `codec:"n"`
}

// commitMsg completes the ordering certificate.
type commitMsg struct {
	View   basics.View   `codec:"v"`
	Seq    basics.SeqNo  `codec:"s"`
	Digest crypto.Digest `codec:"d"`
}

// checkpointMsg attests the state digest after executing seq.
type checkpointMsg struct {
	Seq         basics.SeqNo  `codec:"s"`
	StateDigest crypto.Digest `codec:"d"`
}

// signedResponse is a backup's signed acceptance sent to the primary:
// the digest signature is the byzantine analogue of an append-entries
// ack, and the hashed nonce commits the backup's reveal.
type signedResponse struct {
	View        basics.View      `codec:"v"`
	Seq         basics.SeqNo     `codec:"s"`
	Digest      crypto.Digest    `codec:"d"`
	HashedNonce crypto.Digest    `codec:"n"`
	Sig         crypto.Signature `codec:"g"`
}

// signedClaim is the Hashable the response signature covers.
type signedClaim struct {
	View   basics.View   `codec:"v"`
	Seq    basics.SeqNo  `codec:"s"`
	Digest crypto.Digest `codec:"d"`
}

// ToBeHashed implements crypto.Hashable.
func (c signedClaim) ToBeHashed() (protocol.HashID, []byte) {
	return protocol.StateRootSig, protocol.Encode(&c)
}

// sigAckMsg tells backups the primary holds 2f signed responses; it
// releases the nonce reveals.
type sigAckMsg struct {
	View basics.View  `codec:"v"`
	Seq  basics.SeqNo `codec:"s"`
}

// nonceRevealMsg discloses the nonce committed earlier by its hash.
type nonceRevealMsg struct {
	View  basics.View  `codec:"v"`
	Seq   basics.SeqNo `codec:"s"`
	Nonce [32]byte     `codec:"n"`
}

// preparedProof summarises a prepared certificate inside a view change.
type preparedProof struct {
	Seq    basics.SeqNo  `codec:"s"`
	View   basics.View   `codec:"v"`
	Digest crypto.Digest `codec:"d"`
}

// viewChangeMsg asks to move to View; it carries the sender's stable
// checkpoint, its prepared certificates and in-flight pre-prepares.
type viewChangeMsg struct {
	View        basics.View     `codec:"v"`
	LastStable  basics.SeqNo    `codec:"ls"`
	StableRoot  crypto.Digest   `codec:"sr"`
	Prepared    []preparedProof `codec:"p,allocbound=-"`
	PrePrepares []prePrepareMsg `codec:"pp,allocbound=-"`
}

// viewChangeAckMsg acknowledges another replica's view-change to the new
// primary.
type viewChangeAckMsg struct {
	View   basics.View   `codec:"v"`
	Origin basics.NodeID `codec:"o"`
}

// newViewMsg is the new primary's view installation: a pre-prepare or
// null-op for every seq in (MinSeq, MaxSeq].
type newViewMsg struct {
	View        basics.View     `codec:"v"`
	MinSeq      basics.SeqNo    `codec:"mn"`
	MaxSeq      basics.SeqNo    `codec:"mx"`
	PrePrepares []prePrepareMsg `codec:"pp,allocbound=-"`
}

// fetchMsg asks for state above the sender's last executed seq, naming
// the Merkle partition it wants (level 0 = full layer summary).
type fetchMsg struct {
	LastExecuted basics.SeqNo `codec:"le"`
	Level        uint64       `codec:"l"`
	Index        uint64       `codec:"i"`
}

// metaDataMsg describes the responder's committed state.
type metaDataMsg struct {
	Seq  basics.SeqNo  `codec:"s"`
	Root crypto.Digest `codec:"r"`
}

// metaDataDMsg carries the hashes of one requested Merkle partition.
type metaDataDMsg struct {
	Seq    basics.SeqNo    `codec:"s"`
	Level  uint64          `codec:"l"`
	Index  uint64          `codec:"i"`
	Hashes []crypto.Digest `codec:"h,allocbound=-"`
}

// dataMsg carries the kv snapshot at the responder's committed seq.
type dataMsg struct {
	Seq      basics.SeqNo  `codec:"s"`
	Root     crypto.Digest `codec:"r"`
	Snapshot []byte        `codec:"d"`
}

// queryStableMsg asks a peer for its stable checkpoint.
type queryStableMsg struct {
	Nonce uint64 `codec:"n"`
}

// replyStableMsg answers with the stable checkpoint and digest.
type replyStableMsg struct {
	Nonce       uint64        `codec:"n"`
	Seq         basics.SeqNo  `codec:"s"`
	StateDigest crypto.Digest `codec:"d"`
}

// newPrincipalMsg announces a replica identity joining the network.
type newPrincipalMsg struct {
	Info basics.NodeInfo `codec:"i"`
}

// networkOpenMsg opens the network for client requests.
type networkOpenMsg struct {
	View basics.View `codec:"v"`
}

// statusMsg is the periodic progress heartbeat; lagging peers are filled
// by state append-entries.
type statusMsg struct {
	View         basics.View  `codec:"v"`
	LastExecuted basics.SeqNo `codec:"le"`
	LastStable   basics.SeqNo `codec:"ls"`
}

// stateAppendEntriesMsg pushes raw ordered entries to a lagging replica.
type stateAppendEntriesMsg struct {
	Entries []batchEntry `codec:"e,allocbound=-"`
}
