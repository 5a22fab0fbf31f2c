package storage

import "encoding/binary"

// Every object is framed as [type uint16][length uint32][payload], big
// endian. A block cut short by process death is dropped on read.
const blockTypeEvent uint16 = 1

// BlockHeaderSize is the framing overhead per object. It counts against
// MaxFileSize, so a file must fit MaxObjectSize + BlockHeaderSize.
const BlockHeaderSize = 6

func encodeBlock(data []byte) []byte {
	out := make([]byte, BlockHeaderSize+len(data))
	binary.BigEndian.PutUint16(out[0:2], blockTypeEvent)
	binary.BigEndian.PutUint32(out[2:6], uint32(len(data)))
	copy(out[BlockHeaderSize:], data)
	return out
}

func decodeBlocks(raw []byte) (events [][]byte, truncated bool) {
	for len(raw) > 0 {
		if len(raw) < BlockHeaderSize {
			return events, true
		}
		kind := binary.BigEndian.Uint16(raw[0:2])
		length := int(binary.BigEndian.Uint32(raw[2:6]))
		if len(raw)-BlockHeaderSize < length {
			return events, true
		}
		payload := raw[BlockHeaderSize : BlockHeaderSize+length]
		raw = raw[BlockHeaderSize+length:]
		if kind != blockTypeEvent {
			continue
		}
		events = append(events, payload)
	}
	return events, false
}
