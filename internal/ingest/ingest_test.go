package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-app/lifeline/internal/engine"
	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/normalize"
)

// scriptedReader replays queued messages, then reports context cancellation.
type scriptedReader struct {
	msgs   []kafka.Message
	errs   []error
	closed bool
}

func (r *scriptedReader) ReadMessage(context.Context) (kafka.Message, error) {
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		return msg, nil
	}
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return kafka.Message{}, err
	}
	return kafka.Message{}, context.Canceled
}

func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

type recordingReporter struct {
	raws     []normalize.RawReport
	decision model.TriggerDecision
	err      error
}

func (rr *recordingReporter) ReportRaw(_ context.Context, raw normalize.RawReport) (model.TriggerDecision, error) {
	rr.raws = append(rr.raws, raw)
	return rr.decision, rr.err
}

func rawMessage(t *testing.T, raw normalize.RawReport) kafka.Message {
	t.Helper()
	body, err := json.Marshal(raw)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(raw.UserID), Value: body}
}

func TestConsumer_DeliversReportsUntilCanceled(t *testing.T) {
	reporter := &recordingReporter{decision: model.TriggerDecision{Triggered: true, AlertID: "a1"}}
	reader := &scriptedReader{msgs: []kafka.Message{
		rawMessage(t, normalize.RawReport{UserID: "u1", Kind: model.SignalManual, OccurredAt: time.Now().UTC()}),
		rawMessage(t, normalize.RawReport{UserID: "u2", Kind: model.SignalShake, OccurredAt: time.Now().UTC()}),
	}}
	c := &Consumer{reader: reader, reporter: reporter}

	require.NoError(t, c.Run(context.Background()))
	require.Len(t, reporter.raws, 2)
	assert.Equal(t, "u1", reporter.raws[0].UserID)
	assert.Equal(t, model.SignalShake, reporter.raws[1].Kind)
	assert.True(t, reader.closed)
}

func TestConsumer_SkipsMalformedMessages(t *testing.T) {
	reporter := &recordingReporter{}
	reader := &scriptedReader{msgs: []kafka.Message{
		{Key: []byte("u1"), Value: []byte("{not json")},
		rawMessage(t, normalize.RawReport{UserID: "u1", Kind: model.SignalManual}),
	}}
	c := &Consumer{reader: reader, reporter: reporter}

	require.NoError(t, c.Run(context.Background()))
	assert.Len(t, reporter.raws, 1, "malformed message skipped, good one delivered")
}

func TestConsumer_ReporterErrorsDoNotStopLoop(t *testing.T) {
	reporter := &recordingReporter{err: engine.ErrContactDirectoryEmpty}
	reader := &scriptedReader{msgs: []kafka.Message{
		rawMessage(t, normalize.RawReport{UserID: "u1", Kind: model.SignalManual}),
		rawMessage(t, normalize.RawReport{UserID: "u1", Kind: model.SignalManual}),
	}}
	c := &Consumer{reader: reader, reporter: reporter}

	require.NoError(t, c.Run(context.Background()))
	assert.Len(t, reporter.raws, 2)
}

func TestConsumer_BrokerErrorSurfaces(t *testing.T) {
	reader := &scriptedReader{errs: []error{eris.New("broker unreachable")}}
	c := &Consumer{reader: reader, reporter: &recordingReporter{}}

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, reader.closed)
}
