package types

// Record is a single message appended to a partition's log.
type Record struct {
	Key     []byte
	Value   []byte
	Headers map[string][]byte
}

// CompressionType selects the codec applied to a RecordBatch's payload,
// carried in the low 3 bits of Attributes (same placement compress.GetCompressor
// expects).
type CompressionType uint16

// Supported compression codecs.
const (
	CompressionNone   CompressionType = 0
	CompressionGzip   CompressionType = 1
	CompressionSnappy CompressionType = 2
	CompressionLZ4    CompressionType = 3
	CompressionZstd   CompressionType = 4
)

// RecordBatch is kestrel's on-disk envelope for a contiguous run of records
// appended in one call. It is intentionally not a byte-exact reproduction of
// Kafka's wire format, since the log's on-disk format is out of this
// module's scope. It is the minimum envelope needed to assign offsets,
// detect corruption, and support compressed payloads.
type RecordBatch struct {
	BaseOffset      Offset
	LastOffsetDelta uint32 // number of records in the batch, minus one
	Attributes      uint16 // low 3 bits: CompressionType
	CRC             uint32 // checksum of Payload as stored (i.e. still compressed)
	TimestampMs     int64
	Payload         []byte // codec-encoded, concatenated record payloads
}

// LastOffset is the offset of the last record in the batch.
func (b RecordBatch) LastOffset() Offset {
	return b.BaseOffset + Offset(b.LastOffsetDelta)
}

// NumRecords is the number of records the batch carries.
func (b RecordBatch) NumRecords() uint32 {
	return b.LastOffsetDelta + 1
}
