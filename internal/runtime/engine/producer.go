package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/theam/plasmido/internal/runtime/broker"
	"github.com/theam/plasmido/internal/runtime/logging"
	"github.com/theam/plasmido/internal/runtime/metadata"
	"github.com/theam/plasmido/internal/runtime/notify"
	"github.com/theam/plasmido/internal/runtime/variables"
)

// effectiveBatchSize returns the number of messages per send: at least one
// and never more than the total.
func effectiveBatchSize(batchSize, repeat int) int {
	if batchSize <= 0 {
		batchSize = 1
	}
	if repeat > 0 && batchSize > repeat {
		batchSize = repeat
	}
	return batchSize
}

// produce sends repeatTimes messages in batches. Every message gets its own
// index and a fresh pass of dynamic variables.
func (t *task) produce() (res TaskResult) {
	res = t.baseResult()
	ctx, span := t.startSpan("plasmido.produce")
	defer func() { t.finish(span, &res) }()
	defer t.recoverPanic(&res)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			t.stop()
		case <-done:
		}
	}()

	if err := t.resolveCodec(); err != nil {
		return t.fail(&res, err)
	}
	client, err := t.client(ctx)
	if err != nil {
		return t.fail(&res, err)
	}
	producer := client.Producer()
	t.onStop("producer.disconnect", producer.Disconnect)
	if err := producer.Connect(ctx); err != nil {
		return t.fail(&res, fmt.Errorf("failed to connect producer: %w", err))
	}

	repeat := t.artifact.RepeatTimes
	batch := effectiveBatchSize(t.artifact.BatchSize, repeat)
	t.logger.Info("Producer started", logging.LogFields{"repeat_times": repeat, "batch_size": batch})

	for index := 0; index < repeat; {
		if err := ctx.Err(); err != nil {
			t.logger.Info("Producer stopped", logging.LogFields{"sent": res.Sent})
			t.stop()
			return res
		}
		n := min(batch, repeat-index)
		msgs := make([]broker.Message, 0, n)
		for i := 0; i < n; i++ {
			m, err := t.buildMessage(ctx, index+i)
			if err != nil {
				return t.fail(&res, err)
			}
			msgs = append(msgs, m)
		}
		if err := send(ctx, producer, t.artifact.TopicName, msgs); err != nil {
			return t.fail(&res, err)
		}
		index += n
		res.Sent += n
		t.e.opts.Metrics.batchSent(t.artifact.TopicName, n)
		t.e.opts.Notifier.Notify(notify.Event{
			Type:         notify.EventProducerProduced,
			WorkbookUUID: t.r.workbook.UUID,
			ArtifactUUID: t.artifact.UUID,
			Size:         n,
		})
		t.logger.Trace("Batch sent", logging.LogFields{"size": n, "sent": res.Sent})
	}

	t.logger.Info("Producer finished", logging.LogFields{"sent": res.Sent})
	t.stop()
	return res
}

// send waits for the broker or the run, whichever comes first. A finished
// send wins over a stop that raced it.
func send(ctx context.Context, p broker.Producer, topic string, msgs []broker.Message) error {
	errc := make(chan error, 1)
	go func() { errc <- p.Send(ctx, topic, msgs) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		select {
		case err := <-errc:
			return err
		default:
			return ctx.Err()
		}
	}
}

// buildMessage renders payload and header templates for one index. Schema
// typed payloads are encoded against the artifact's schema id; a blank one
// encodes as an empty object.
func (t *task) buildMessage(ctx context.Context, index int) (broker.Message, error) {
	render := func(s string) string { return variables.Prepare(s, index, t.r.bindings) }

	payload := render(t.artifact.Payload)
	value := []byte(payload)
	if t.codec != nil {
		if strings.TrimSpace(payload) == "" {
			payload = "{}"
		}
		encoded, err := t.codec.Encode(ctx, t.artifact.PayloadSchema.SchemaID, []byte(payload))
		if err != nil {
			return broker.Message{}, fmt.Errorf("failed to encode message %d: %w", index, err)
		}
		value = encoded
	}

	return broker.Message{
		Value:   value,
		Headers: metadata.Metadata(t.artifact.Headers).Map(render).Bytes(),
	}, nil
}
