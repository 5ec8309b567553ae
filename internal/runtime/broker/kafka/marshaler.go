package kafka

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/theam/plasmido/internal/runtime/broker"
	"github.com/theam/plasmido/internal/runtime/metadata"
)

// recordMarshaler maps watermill messages to Kafka records one to one. Unlike
// the watermill default it does not add a message uuid header, so consumers
// see exactly the headers the artifact declared. Record position is carried
// back in reserved metadata keys.
type recordMarshaler struct{}

func (recordMarshaler) Marshal(topic string, msg *message.Message) (*sarama.ProducerMessage, error) {
	keys := make([]string, 0, len(msg.Metadata))
	for k := range msg.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	record := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(msg.Payload),
	}
	for _, k := range keys {
		v := msg.Metadata[k]
		if k == metadata.KeyKey {
			record.Key = sarama.StringEncoder(v)
			continue
		}
		if strings.HasPrefix(k, metadata.ReservedPrefix) {
			continue
		}
		record.Headers = append(record.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return record, nil
}

func (recordMarshaler) Unmarshal(record *sarama.ConsumerMessage) (*message.Message, error) {
	msg := message.NewMessage(watermill.NewUUID(), record.Value)
	for _, h := range record.Headers {
		if h == nil {
			continue
		}
		msg.Metadata.Set(string(h.Key), string(h.Value))
	}
	msg.Metadata.Set(metadata.KeyPartition, strconv.FormatInt(int64(record.Partition), 10))
	msg.Metadata.Set(metadata.KeyOffset, strconv.FormatInt(record.Offset, 10))
	msg.Metadata.Set(metadata.KeyTimestamp, strconv.FormatInt(record.Timestamp.UnixMilli(), 10))
	if len(record.Key) > 0 {
		msg.Metadata.Set(metadata.KeyKey, string(record.Key))
	}
	return msg, nil
}

// toWatermill builds the outbound message for m.
func toWatermill(m broker.Message) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), m.Value)
	msg.Metadata = metadata.ToWatermill(metadata.FromBytes(m.Headers))
	if len(m.Key) > 0 {
		msg.Metadata.Set(metadata.KeyKey, string(m.Key))
	}
	return msg
}

// fromWatermill rebuilds the broker message from a delivered watermill message.
func fromWatermill(topic string, msg *message.Message) broker.Message {
	out := broker.Message{
		Topic: topic,
		Value: msg.Payload,
	}
	if p, err := strconv.ParseInt(msg.Metadata.Get(metadata.KeyPartition), 10, 32); err == nil {
		out.Partition = int32(p)
	}
	if o, err := strconv.ParseInt(msg.Metadata.Get(metadata.KeyOffset), 10, 64); err == nil {
		out.Offset = o
	}
	if ts, err := strconv.ParseInt(msg.Metadata.Get(metadata.KeyTimestamp), 10, 64); err == nil {
		out.Timestamp = time.UnixMilli(ts)
	}
	if k := msg.Metadata.Get(metadata.KeyKey); k != "" {
		out.Key = []byte(k)
	}
	headers := metadata.FromWatermill(msg.Metadata)
	if len(headers) > 0 {
		out.Headers = headers.Bytes()
	}
	return out
}
