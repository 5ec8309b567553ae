package metadata

import (
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// ReservedPrefix marks watermill metadata keys that describe the record
// position rather than user headers.
const ReservedPrefix = "_plasmido_"

const (
	KeyPartition = ReservedPrefix + "partition"
	KeyOffset    = ReservedPrefix + "offset"
	KeyTimestamp = ReservedPrefix + "timestamp"
	KeyKey       = ReservedPrefix + "key"
)

// FromWatermill returns the user headers of a watermill message, leaving out
// reserved position keys.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		if strings.HasPrefix(k, ReservedPrefix) {
			continue
		}
		result[k] = v
	}
	return result
}

// ToWatermill converts headers into watermill metadata.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}
