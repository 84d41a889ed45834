package transport

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Metadata keys transports stamp on consumed messages so failures can be
// traced back to their source position.
const (
	MetadataTopic     = "userflow_topic"
	MetadataPartition = "userflow_partition"
	MetadataOffset    = "userflow_offset"
)

// Position locates a message in its source. Partition and Offset are -1 when
// the transport has no such notion.
type Position struct {
	Topic     string
	Partition int32
	Offset    int64
}

// PositionFrom reads the position stamped on md.
func PositionFrom(md message.Metadata) Position {
	pos := Position{Topic: md.Get(MetadataTopic), Partition: -1, Offset: -1}
	if v, err := strconv.ParseInt(md.Get(MetadataPartition), 10, 32); err == nil {
		pos.Partition = int32(v)
	}
	if v, err := strconv.ParseInt(md.Get(MetadataOffset), 10, 64); err == nil {
		pos.Offset = v
	}
	return pos
}

// Stamp writes the position into md.
func (p Position) Stamp(md message.Metadata) {
	md.Set(MetadataTopic, p.Topic)
	md.Set(MetadataPartition, strconv.FormatInt(int64(p.Partition), 10))
	md.Set(MetadataOffset, strconv.FormatInt(p.Offset, 10))
}

// Fields renders the position as log fields, leaving out unknown parts.
func (p Position) Fields() map[string]any {
	fields := map[string]any{}
	if p.Topic != "" {
		fields["topic"] = p.Topic
	}
	if p.Partition >= 0 {
		fields["partition"] = p.Partition
	}
	if p.Offset >= 0 {
		fields["offset"] = p.Offset
	}
	return fields
}
