package wal

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum computes the CRC32-IEEE checksum over type, key, seq and
// payload. The timestamp is excluded.
func CalculateChecksum(eventType EventType, key string, seq uint64, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(key))
	h.Write([]byte{0})
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the record.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Type, event.Key, event.Seq, event.Payload)
}
