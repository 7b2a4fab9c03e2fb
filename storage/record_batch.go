package storage

import (
	"fmt"
	"hash/crc32"

	"github.com/kestrel-io/kestrel/compress"
	log "github.com/kestrel-io/kestrel/logging"
	"github.com/kestrel-io/kestrel/serde"
	"github.com/kestrel-io/kestrel/types"
)

// batchHeaderSize is the number of bytes written ahead of a batch's payload:
// BaseOffset(8) + Attributes(2) + LastOffsetDelta(4) + CRC(4) + TimestampMs(8).
const batchHeaderSize = 26

// EncodeBatch compresses recs per attributes, computes the CRC over the
// compressed payload, and serializes the resulting RecordBatch to bytes
// ready to append to a segment's log file.
func EncodeBatch(attributes uint16, timestampMs int64, recs []types.Record) ([]byte, error) {
	encoder := serde.NewEncoder()
	for _, r := range recs {
		encoder.PutVarint(len(r.Key))
		encoder.PutBytes(r.Key)
		encoder.PutVarint(len(r.Value))
		encoder.PutBytes(r.Value)
		encoder.PutVarint(len(r.Headers))
		for k, v := range r.Headers {
			encoder.PutString(k)
			encoder.PutVarint(len(v))
			encoder.PutBytes(v)
		}
	}
	payload := encoder.Bytes()

	if compressor := compress.GetCompressor(attributes); compressor != nil {
		compressed, err := compressor.Compress(payload)
		if err != nil {
			return nil, fmt.Errorf("compress batch: %w", err)
		}
		payload = compressed
	}

	crc := crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli))

	out := serde.NewEncoder()
	out.PutInt64(0) // BaseOffset, overwritten by the segment on append
	out.PutInt16(attributes)
	out.PutInt32(uint32(len(recs) - 1))
	out.PutInt32(crc)
	out.PutInt64(uint64(timestampMs))
	out.PutBytes(payload)
	return out.Bytes(), nil
}

// DecodeBatchHeader parses the fixed-size header of an encoded batch without
// touching the (possibly still-compressed) payload, used by segment recovery
// to find a batch's last offset cheaply.
func DecodeBatchHeader(b []byte) types.RecordBatch {
	d := serde.NewDecoder(b)
	rb := types.RecordBatch{}
	rb.BaseOffset = types.Offset(d.UInt64())
	rb.Attributes = d.UInt16()
	rb.LastOffsetDelta = d.UInt32()
	rb.CRC = d.UInt32()
	rb.TimestampMs = int64(d.UInt64())
	return rb
}

// DecodeBatch parses an encoded batch in full, verifying its CRC.
func DecodeBatch(b []byte) (types.RecordBatch, error) {
	rb := DecodeBatchHeader(b)
	rb.Payload = b[batchHeaderSize:]

	crc := crc32.Checksum(rb.Payload, crc32.MakeTable(crc32.Castagnoli))
	if crc != rb.CRC {
		return rb, fmt.Errorf("batch at offset %d failed CRC check: got %d, want %d", rb.BaseOffset, crc, rb.CRC)
	}
	return rb, nil
}

// DecodeRecords decompresses and parses a batch's payload into records.
func DecodeRecords(rb types.RecordBatch) ([]types.Record, error) {
	payload := rb.Payload
	if compressor := compress.GetCompressor(rb.Attributes); compressor != nil {
		decompressed, err := compressor.Decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("decompress batch at offset %d: %w", rb.BaseOffset, err)
		}
		payload = decompressed
	}

	var recs []types.Record
	d := serde.NewDecoder(payload)
	for i := uint32(0); i <= rb.LastOffsetDelta; i++ {
		keyLen, _ := d.Varint()
		key := d.GetNBytes(int(keyLen))
		valLen, _ := d.Varint()
		val := d.GetNBytes(int(valLen))
		nHeaders, _ := d.Varint()
		var headers map[string][]byte
		if nHeaders > 0 {
			headers = make(map[string][]byte, nHeaders)
			for h := int64(0); h < nHeaders; h++ {
				k := d.String()
				vLen, _ := d.Varint()
				headers[k] = d.GetNBytes(int(vLen))
			}
		}
		recs = append(recs, types.Record{Key: key, Value: val, Headers: headers})
	}
	log.Debug("DecodeRecords offset=%d count=%d", rb.BaseOffset, len(recs))
	return recs, nil
}
