package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/theam/plasmido/internal/runtime/broker"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/jsoncodec"
	"github.com/theam/plasmido/internal/runtime/logging"
	"github.com/theam/plasmido/internal/runtime/metadata"
	"github.com/theam/plasmido/internal/runtime/models"
	"github.com/theam/plasmido/internal/runtime/notify"
)

// ConsumerGroupID is the group a consumer artifact joins for one run.
func ConsumerGroupID(executionArtifactID string) string {
	return "PLASMIDO-" + executionArtifactID
}

// UniqueConstraint identifies one delivery of a message to an artifact.
func UniqueConstraint(artifactUUID string, msg broker.Message) string {
	return fmt.Sprintf("%s:%d:%d", artifactUUID, msg.Timestamp.UnixMilli(), msg.Offset)
}

// consume subscribes the artifact's group and stores every delivered message
// until the run stops. The subscribe outcome is reported on ready before
// delivery is awaited.
func (t *task) consume(ready chan<- error) (res TaskResult) {
	res = t.baseResult()
	ctx, span := t.startSpan("plasmido.consume")
	defer func() { t.finish(span, &res) }()
	defer t.recoverPanic(&res)

	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			ready <- err
		}
	}
	defer report(nil)

	var consumed atomic.Int64
	defer func() { res.Consumed = int(consumed.Load()) }()

	fail := func(err error) TaskResult {
		report(err)
		return t.fail(&res, err)
	}

	if err := t.resolveCodec(); err != nil {
		return fail(err)
	}
	client, err := t.client(ctx)
	if err != nil {
		return fail(err)
	}

	groupID := ConsumerGroupID(t.record.ID)
	consumer := client.Consumer(groupID)
	t.onStop("consumer.stop", consumer.Stop)
	t.onStop("consumer.disconnect", consumer.Disconnect)
	t.onStop("group.delete", func(ctx context.Context) error {
		return deleteGroup(ctx, client.Admin(), groupID)
	})

	if err := consumer.Connect(ctx); err != nil {
		return fail(fmt.Errorf("failed to connect consumer: %w", err))
	}
	fromBeginning := t.artifact.ConsumeFrom == models.ConsumeFromBeginning
	if err := consumer.Subscribe(ctx, t.artifact.TopicName, fromBeginning); err != nil {
		return fail(fmt.Errorf("failed to subscribe to %s: %w", t.artifact.TopicName, err))
	}
	if !fromBeginning {
		// The group starts at the run start time, not at its first fetch.
		if err := t.seekToStart(ctx, client.Admin(), groupID); err != nil {
			return fail(err)
		}
	}

	failures := make(chan error, 1)
	if err := consumer.Run(ctx, t.handler(&consumed, failures)); err != nil {
		return fail(fmt.Errorf("failed to start consumer: %w", err))
	}
	t.logger.Info("Consumer subscribed", logging.LogFields{
		"group_id":       groupID,
		"from_beginning": fromBeginning,
	})
	report(nil)

	select {
	case <-ctx.Done():
		t.logger.Info("Consumer stopped", logging.LogFields{"consumed": consumed.Load()})
		t.stop()
		return res
	case err := <-failures:
		return t.fail(&res, err)
	}
}

// seekToStart points the group at the first offsets written after the run
// started.
func (t *task) seekToStart(ctx context.Context, admin broker.Admin, groupID string) error {
	if err := admin.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect admin: %w", err)
	}
	defer func() {
		if err := admin.Disconnect(context.WithoutCancel(ctx)); err != nil {
			t.logger.Warn("Admin disconnect failed", logging.LogFields{"err": err.Error()})
		}
	}()
	offsets, err := admin.FetchOffsetsByTimestamp(ctx, t.artifact.TopicName, t.r.startAt)
	if err != nil {
		return fmt.Errorf("failed to fetch offsets of %s: %w", t.artifact.TopicName, err)
	}
	if err := admin.SetOffsets(ctx, groupID, t.artifact.TopicName, offsets); err != nil {
		return fmt.Errorf("failed to set offsets of group %s: %w", groupID, err)
	}
	return nil
}

// deleteGroup removes a run's group when the cluster still lists it.
func deleteGroup(ctx context.Context, admin broker.Admin, groupID string) error {
	if err := admin.Connect(ctx); err != nil {
		return err
	}
	defer admin.Disconnect(ctx)
	groups, err := admin.ListGroups(ctx)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(groups, func(g broker.GroupInfo) bool { return g.GroupID == groupID }) {
		return nil
	}
	return admin.DeleteGroups(ctx, groupID)
}

// handler stores one delivery. A panic is reported on failures and ends the
// task from its own goroutine.
func (t *task) handler(consumed *atomic.Int64, failures chan<- error) broker.Handler {
	return func(ctx context.Context, msg broker.Message) (err error) {
		defer func() {
			if v := recover(); v != nil {
				err = &perrors.PanicError{Value: v}
				select {
				case failures <- err:
				default:
				}
			}
		}()
		if t.r.ctx.Err() != nil {
			return nil
		}

		plain, err := t.decode(ctx, msg.Value)
		if err != nil {
			t.logger.Warn("Skipping message that could not be decoded", logging.LogFields{
				"offset": msg.Offset,
				"err":    err.Error(),
			})
			return err
		}

		_, err = t.e.catalog.ConsumedEvents.Insert(ctx, models.ConsumedEvent{
			ArtifactUUID:     t.artifact.UUID,
			UniqueConstraint: UniqueConstraint(t.artifact.UUID, msg),
			Source: models.SourceMessage{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Timestamp: msg.Timestamp,
				Key:       string(msg.Key),
			},
			PlainMessage: plain,
			PlainHeaders: metadata.FromBytes(msg.Headers),
		})
		switch {
		case errors.Is(err, perrors.ErrDuplicateEvent):
			t.logger.Warn("Dropping redelivered message", logging.LogFields{"offset": msg.Offset})
			t.e.opts.Metrics.messageConsumed(t.artifact.TopicName, true)
			return nil
		case err != nil:
			return fmt.Errorf("failed to store message at offset %d: %w", msg.Offset, err)
		}

		consumed.Add(1)
		t.e.opts.Metrics.messageConsumed(t.artifact.TopicName, false)
		t.e.opts.Notifier.Notify(notify.Event{
			Type:         notify.EventConsumerConsumed,
			WorkbookUUID: t.r.workbook.UUID,
			ArtifactUUID: t.artifact.UUID,
			Size:         1,
		})
		return nil
	}
}

// decode turns a record value into text. Schema typed values are rendered as
// their JSON document.
func (t *task) decode(ctx context.Context, value []byte) (string, error) {
	if t.codec == nil {
		return strings.ToValidUTF8(string(value), "�"), nil
	}
	doc, err := t.codec.Decode(ctx, value)
	if err != nil {
		return "", err
	}
	return jsoncodec.MarshalToString(doc)
}
