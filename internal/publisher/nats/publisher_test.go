package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

type fakeConn struct {
	msgs     []*nats.Msg
	pubErr   error
	flushErr error
	closed   bool
}

func (f *fakeConn) PublishMsg(msg *nats.Msg) error {
	if f.pubErr != nil {
		return f.pubErr
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeConn) FlushWithContext(context.Context) error { return f.flushErr }

func (f *fakeConn) Close() { f.closed = true }

func TestPublishNotice(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	pub := New(conn)
	id, err := pub.Publish(context.Background(), "webfarm.runs", harvest.RunNotice{
		Profile: "shop", RunID: "r1", Status: harvest.RunStatusCompleted, ItemsUnique: 4,
	})
	require.NoError(t, err)
	require.Equal(t, "r1-completed", id)
	require.Len(t, conn.msgs, 1)

	msg := conn.msgs[0]
	require.Equal(t, "webfarm.runs", msg.Subject)
	require.Equal(t, "shop", msg.Header.Get("Webfarm-profile"))
	require.Equal(t, "completed", msg.Header.Get("Webfarm-status"))
	require.Equal(t, "r1-completed", msg.Header.Get(nats.MsgIdHdr))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.EqualValues(t, 4, decoded["items_unique"])

	require.NoError(t, pub.Close())
	require.True(t, conn.closed)
}

func TestPublishSequenceIDsForPlainPayloads(t *testing.T) {
	t.Parallel()

	pub := New(&fakeConn{})
	first, err := pub.Publish(context.Background(), "s", "a")
	require.NoError(t, err)
	second, err := pub.Publish(context.Background(), "s", "b")
	require.NoError(t, err)
	require.Equal(t, "s-1", first)
	require.Equal(t, "s-2", second)
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "s", 1)
	require.ErrorContains(t, err, "not configured")

	_, err = New(&fakeConn{pubErr: errors.New("slow consumer")}).Publish(context.Background(), "s", 1)
	require.ErrorContains(t, err, "slow consumer")

	_, err = New(&fakeConn{flushErr: context.DeadlineExceeded}).Publish(context.Background(), "s", 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHeaderCarrier(t *testing.T) {
	t.Parallel()

	msg := &nats.Msg{}
	carrier := (*headerCarrier)(msg)
	require.Empty(t, carrier.Get("traceparent"))
	require.Nil(t, carrier.Keys())

	carrier.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, carrier.Keys())
}
