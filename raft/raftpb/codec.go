package raftpb

import (
	"encoding/binary"
	"fmt"
)

// entryHeaderLen is the fixed portion of an encoded entry: term(8) +
// kind(1) + timestamp(8) + data length(4).
const entryHeaderLen = 8 + 1 + 8 + 4

// EncodeEntry serializes an entry's term/kind/timestamp/data into a byte
// slice suitable for framing by the segment writer. The entry's Index is
// not encoded: it is implied by the segment's offset index, which keys
// each frame by index externally.
func EncodeEntry(e LogEntry) []byte {
	buf := make([]byte, entryHeaderLen+len(e.Data))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.Term))
	buf[8] = byte(e.Kind)
	binary.LittleEndian.PutUint64(buf[9:17], uint64(e.Timestamp))
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(e.Data)))
	copy(buf[entryHeaderLen:], e.Data)
	return buf
}

// DecodeEntry parses the bytes produced by EncodeEntry, stamping the given
// index onto the result.
func DecodeEntry(index Index, b []byte) (LogEntry, error) {
	if len(b) < entryHeaderLen {
		return LogEntry{}, fmt.Errorf("%w: entry too short (%d bytes)", ErrCorrupt, len(b))
	}
	term := Term(binary.LittleEndian.Uint64(b[0:8]))
	kind := EntryKind(b[8])
	ts := int64(binary.LittleEndian.Uint64(b[9:17]))
	dataLen := binary.LittleEndian.Uint32(b[17:21])
	if entryHeaderLen+int(dataLen) != len(b) {
		return LogEntry{}, fmt.Errorf("%w: entry length mismatch", ErrCorrupt)
	}
	data := make([]byte, dataLen)
	copy(data, b[entryHeaderLen:])
	return LogEntry{
		Index:     index,
		Term:      term,
		Kind:      kind,
		Timestamp: ts,
		Data:      data,
	}, nil
}

// EncodeConfiguration serializes a Configuration for use as the Data of an
// EntryConfiguration log entry.
func EncodeConfiguration(c Configuration) []byte {
	buf := make([]byte, 4, 4+len(c.Members)*40)
	binary.LittleEndian.PutUint32(buf, uint32(len(c.Members)))
	for _, m := range c.Members {
		idBytes := []byte(m.NodeID)
		var idLen [4]byte
		binary.LittleEndian.PutUint32(idLen[:], uint32(len(idBytes)))
		buf = append(buf, idLen[:]...)
		buf = append(buf, idBytes...)
		buf = append(buf, byte(m.Type))
	}
	return buf
}

// EncodeCommandPayload serializes an EntryCommand's Data: the owning
// session, its command sequence number, and the opaque operation bytes.
func EncodeCommandPayload(session Index, sequence uint64, operation []byte) []byte {
	buf := make([]byte, 16+len(operation))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(session))
	binary.LittleEndian.PutUint64(buf[8:16], sequence)
	copy(buf[16:], operation)
	return buf
}

// DecodeCommandPayload parses the bytes produced by EncodeCommandPayload.
func DecodeCommandPayload(b []byte) (session Index, sequence uint64, operation []byte, err error) {
	if len(b) < 16 {
		return 0, 0, nil, fmt.Errorf("%w: command payload too short", ErrCorrupt)
	}
	session = Index(binary.LittleEndian.Uint64(b[0:8]))
	sequence = binary.LittleEndian.Uint64(b[8:16])
	operation = b[16:]
	return session, sequence, operation, nil
}

// EncodeOpenSessionPayload serializes an EntryOpenSession's Data.
func EncodeOpenSessionPayload(client string, timeout int64) []byte {
	buf := make([]byte, 8+len(client))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(timeout))
	copy(buf[8:], client)
	return buf
}

// DecodeOpenSessionPayload parses the bytes produced by
// EncodeOpenSessionPayload.
func DecodeOpenSessionPayload(b []byte) (client string, timeout int64, err error) {
	if len(b) < 8 {
		return "", 0, fmt.Errorf("%w: open-session payload too short", ErrCorrupt)
	}
	timeout = int64(binary.LittleEndian.Uint64(b[0:8]))
	client = string(b[8:])
	return client, timeout, nil
}

// EncodeCloseSessionPayload serializes an EntryCloseSession's Data.
func EncodeCloseSessionPayload(session Index) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(session))
	return buf
}

// DecodeCloseSessionPayload parses the bytes produced by
// EncodeCloseSessionPayload.
func DecodeCloseSessionPayload(b []byte) (session Index, err error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("%w: close-session payload too short", ErrCorrupt)
	}
	return Index(binary.LittleEndian.Uint64(b)), nil
}

// EncodeKeepAlivePayload serializes an EntryKeepAlive's Data.
func EncodeKeepAlivePayload(session Index, commandSequence, eventIndex uint64) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(session))
	binary.LittleEndian.PutUint64(buf[8:16], commandSequence)
	binary.LittleEndian.PutUint64(buf[16:24], eventIndex)
	return buf
}

// DecodeKeepAlivePayload parses the bytes produced by
// EncodeKeepAlivePayload.
func DecodeKeepAlivePayload(b []byte) (session Index, commandSequence, eventIndex uint64, err error) {
	if len(b) < 24 {
		return 0, 0, 0, fmt.Errorf("%w: keep-alive payload too short", ErrCorrupt)
	}
	session = Index(binary.LittleEndian.Uint64(b[0:8]))
	commandSequence = binary.LittleEndian.Uint64(b[8:16])
	eventIndex = binary.LittleEndian.Uint64(b[16:24])
	return session, commandSequence, eventIndex, nil
}

// DecodeConfiguration parses the bytes produced by EncodeConfiguration.
func DecodeConfiguration(index Index, b []byte) (Configuration, error) {
	if len(b) < 4 {
		return Configuration{}, fmt.Errorf("%w: configuration entry too short", ErrCorrupt)
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	b = b[4:]
	members := make([]Member, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < 4 {
			return Configuration{}, fmt.Errorf("%w: truncated member", ErrCorrupt)
		}
		idLen := binary.LittleEndian.Uint32(b[0:4])
		b = b[4:]
		if uint32(len(b)) < idLen+1 {
			return Configuration{}, fmt.Errorf("%w: truncated member id", ErrCorrupt)
		}
		nodeID := string(b[:idLen])
		typ := MemberType(b[idLen])
		b = b[idLen+1:]
		members = append(members, Member{NodeID: nodeID, Type: typ})
	}
	return Configuration{Index: index, Members: members}, nil
}
