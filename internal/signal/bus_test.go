package signal

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/squad/internal/log"
)

func TestMain(m *testing.M) {
	log.InitWithWriter(&bytes.Buffer{}, 16)
	os.Exit(m.Run())
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := NewBus(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestSendMessage_DeliversToInboxAndOutbox(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	msg, err := b.SendMessage(ctx, "pm", "architect", "design review", "please review", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, msg.Status)
	require.NotNil(t, msg.DeliveredAt)

	inbox, err := b.GetInbox(ctx, "architect", false, nil)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "design review", inbox[0].Subject)

	outbox, err := b.GetOutbox(ctx, "pm")
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	assert.Equal(t, msg.ID, outbox[0].ID)
}

func TestSendMessage_BroadcastSkipsSender(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	for _, owner := range []string{"pm", "architect", "engineer"} {
		require.NoError(t, b.EnsureMailbox(ctx, owner))
	}

	_, err := b.SendMessage(ctx, "pm", Broadcast, "standup", "daily sync", SendOptions{})
	require.NoError(t, err)

	for _, owner := range []string{"architect", "engineer"} {
		inbox, err := b.GetInbox(ctx, owner, false, nil)
		require.NoError(t, err)
		assert.Len(t, inbox, 1, "owner %s", owner)
	}
	pmInbox, err := b.GetInbox(ctx, "pm", false, nil)
	require.NoError(t, err)
	assert.Empty(t, pmInbox, "sender must not receive own broadcast")
}

func TestGetInbox_PriorityOrdering(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	_, err := b.SendMessage(ctx, "a", "pm", "later", "", SendOptions{Priority: PriorityLow})
	require.NoError(t, err)
	_, err = b.SendMessage(ctx, "a", "pm", "now", "", SendOptions{Priority: PriorityUrgent})
	require.NoError(t, err)
	_, err = b.SendMessage(ctx, "a", "pm", "soon", "", SendOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	inbox, err := b.GetInbox(ctx, "pm", false, nil)
	require.NoError(t, err)
	require.Len(t, inbox, 3)
	assert.Equal(t, "now", inbox[0].Subject)
	assert.Equal(t, "soon", inbox[1].Subject)
	assert.Equal(t, "later", inbox[2].Subject)
}

func TestGetInbox_UnreadOnly(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	read, err := b.SendMessage(ctx, "a", "pm", "seen", "", SendOptions{})
	require.NoError(t, err)
	_, err = b.SendMessage(ctx, "a", "pm", "fresh", "", SendOptions{})
	require.NoError(t, err)

	_, err = b.MarkRead(ctx, read.ID, "pm")
	require.NoError(t, err)

	inbox, err := b.GetInbox(ctx, "pm", true, nil)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "fresh", inbox[0].Subject)
}

func TestMarkRead_RejectedForNonRecipient(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	msg, err := b.SendMessage(ctx, "a", "pm", "private", "", SendOptions{})
	require.NoError(t, err)

	_, err = b.MarkRead(ctx, msg.ID, "architect")
	require.ErrorIs(t, err, ErrNotRecipient)
}

func TestAcknowledge_Terminal(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	msg, err := b.SendMessage(ctx, "a", "pm", "ack me", "", SendOptions{RequiresAck: true})
	require.NoError(t, err)

	acked, err := b.Acknowledge(ctx, msg.ID, "pm")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedAt)

	_, err = b.MarkRead(ctx, msg.ID, "pm")
	require.ErrorIs(t, err, ErrAlreadyAcknowledged)
	_, err = b.Acknowledge(ctx, msg.ID, "pm")
	require.ErrorIs(t, err, ErrAlreadyAcknowledged)
}

func TestExpiry_LazyOnRead(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	expired, err := b.SendMessage(ctx, "a", "pm", "stale", "", SendOptions{ExpiresAt: &past})
	require.NoError(t, err)
	_, err = b.SendMessage(ctx, "a", "pm", "live", "", SendOptions{})
	require.NoError(t, err)

	inbox, err := b.GetInbox(ctx, "pm", false, nil)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "live", inbox[0].Subject)

	thread, err := b.GetThread(ctx, expired.ThreadID)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, StatusExpired, thread[0].Status)
}

func TestReply_SharesThread(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	orig, err := b.SendMessage(ctx, "pm", "architect", "design", "thoughts?", SendOptions{WorkItemID: "wi-1", ConvoyID: "cv-1"})
	require.NoError(t, err)

	reply, err := b.Reply(ctx, orig.ID, "architect", "looks good")
	require.NoError(t, err)

	assert.Equal(t, "Re: design", reply.Subject)
	assert.Equal(t, orig.ThreadID, reply.ThreadID)
	assert.Equal(t, orig.ID, reply.ReplyTo)
	assert.Equal(t, "pm", reply.Recipient)
	assert.Equal(t, "wi-1", reply.WorkItemID)
	assert.Equal(t, "cv-1", reply.ConvoyID)

	// Replying to a reply must not stack prefixes.
	reply2, err := b.Reply(ctx, reply.ID, "pm", "shipping it")
	require.NoError(t, err)
	assert.Equal(t, "Re: design", reply2.Subject)
}

func TestArchive_ExcludedFromInboxKeptInThread(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	msg, err := b.SendMessage(ctx, "a", "pm", "old news", "", SendOptions{})
	require.NoError(t, err)

	require.NoError(t, b.Archive(ctx, msg.ID, "pm"))

	inbox, err := b.GetInbox(ctx, "pm", false, nil)
	require.NoError(t, err)
	assert.Empty(t, inbox)

	thread, err := b.GetThread(ctx, msg.ThreadID)
	require.NoError(t, err)
	assert.Len(t, thread, 1)
}

func TestHandlers_RegistrationOrderAndBroadcast(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var calls []string
	b.RegisterHandler("pm", func(m *Message) { calls = append(calls, "direct-1") })
	b.RegisterHandler("pm", func(m *Message) { calls = append(calls, "direct-2") })
	b.RegisterHandler(Broadcast, func(m *Message) { calls = append(calls, "broadcast") })

	_, err := b.SendMessage(ctx, "a", "pm", "handled", "", SendOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"direct-1", "direct-2", "broadcast"}, calls)
}

func TestHandlers_PanicIsolated(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var reached bool
	b.RegisterHandler("pm", func(m *Message) { panic("boom") })
	b.RegisterHandler("pm", func(m *Message) { reached = true })

	_, err := b.SendMessage(ctx, "a", "pm", "survives", "", SendOptions{})
	require.NoError(t, err)
	assert.True(t, reached, "second handler must still run")
}

func TestBus_PersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b1, err := NewBus(dir)
	require.NoError(t, err)
	msg, err := b1.SendMessage(ctx, "pm", "engineer", "persistent", "", SendOptions{})
	require.NoError(t, err)

	b2, err := NewBus(dir)
	require.NoError(t, err)
	inbox, err := b2.GetInbox(ctx, "engineer", false, nil)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, msg.ID, inbox[0].ID)
}

func TestBus_LegacySnapshotMigrated(t *testing.T) {
	dir := t.TempDir()
	legacy := `{"msg-1": {"id": "msg-1", "sender": "pm", "recipient": "engineer",
		"subject": "old", "body": "", "priority": "normal", "status": "delivered",
		"created_at": "2024-01-01T00:00:00Z", "thread_id": "msg-1"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "messages.json"), []byte(legacy), 0644))

	b, err := NewBus(dir)
	require.NoError(t, err)

	thread, err := b.GetThread(context.Background(), "msg-1")
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, "old", thread[0].Subject)

	_, err = os.Stat(filepath.Join(dir, "messages.json.bak"))
	assert.NoError(t, err)
}
