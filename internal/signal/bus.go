package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/persist"
)

// Sentinel errors for mailbox guards.
var (
	// ErrMessageNotFound is returned for unknown message ids.
	ErrMessageNotFound = errors.New("signal message not found")

	// ErrNotRecipient is returned when an owner operates on a message that
	// is not in their inbox.
	ErrNotRecipient = errors.New("message not in owner inbox")

	// ErrAlreadyAcknowledged is returned on attempts to transition an
	// acknowledged message.
	ErrAlreadyAcknowledged = errors.New("message already acknowledged")
)

// Handler receives messages delivered to its registered recipient.
// Handlers run synchronously in registration order; a panic in one handler
// is isolated and logged.
type Handler func(msg *Message)

// document is the on-disk shape of signal/messages.json.
type document struct {
	Version  int                 `json:"version"`
	Messages map[string]*Message `json:"messages"`
}

const documentVersion = 1

// SendOptions carries the optional fields of a send.
type SendOptions struct {
	Priority    Priority
	RequiresAck bool
	ExpiresAt   *time.Time
	ThreadID    string
	ReplyTo     string
	WorkItemID  string
	ConvoyID    string
	Attachments []string
}

// Bus is the signal bus. Mailboxes are created lazily on first use. State
// persists as two JSON documents under the signal directory, guarded by the
// same lock/txn discipline as the work-state store.
type Bus struct {
	messagesPath  string
	mailboxesPath string
	lock          *persist.FileLock

	mu        sync.Mutex // serializes in-process writers
	handlerMu sync.RWMutex
	handlers  map[string][]Handler
}

// NewBus opens the bus under dir (typically <workspace>/.squad/signal),
// migrating legacy snapshots on first open.
func NewBus(dir string) (*Bus, error) {
	b := &Bus{
		messagesPath:  filepath.Join(dir, "messages.json"),
		mailboxesPath: filepath.Join(dir, "mailboxes.json"),
		lock:          persist.NewFileLock(filepath.Join(dir, "messages.json")),
		handlers:      make(map[string][]Handler),
	}
	if err := b.migrateLegacy(dir); err != nil {
		return nil, err
	}
	return b, nil
}

// migrateLegacy upgrades a pre-versioned message snapshot (bare id->message
// map) to the current document shape.
func (b *Bus) migrateLegacy(dir string) error {
	return persist.MigrateLegacy(b.messagesPath, dir, func(raw []byte) ([]byte, error) {
		var doc document
		if err := json.Unmarshal(raw, &doc); err == nil && doc.Version > 0 {
			return nil, nil
		}
		var legacy map[string]*Message
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, nil
		}
		doc = document{Version: documentVersion, Messages: legacy}
		return json.MarshalIndent(doc, "", "  ")
	})
}

type state struct {
	doc       document
	mailboxes map[string]*Mailbox
}

func (b *Bus) load() *state {
	st := &state{
		doc:       document{Version: documentVersion, Messages: make(map[string]*Message)},
		mailboxes: make(map[string]*Mailbox),
	}
	if err := persist.LoadJSON(b.messagesPath, &st.doc); err != nil && !errors.Is(err, persist.ErrCorrupt) {
		log.ErrorErr(log.CatSignal, "failed to load messages", err, "path", b.messagesPath)
	}
	if st.doc.Messages == nil {
		st.doc.Messages = make(map[string]*Message)
	}
	if err := persist.LoadJSON(b.mailboxesPath, &st.mailboxes); err != nil && !errors.Is(err, persist.ErrCorrupt) {
		log.ErrorErr(log.CatSignal, "failed to load mailboxes", err, "path", b.mailboxesPath)
	}
	if st.mailboxes == nil {
		st.mailboxes = make(map[string]*Mailbox)
	}
	return st
}

// mutate runs fn against freshly-loaded state under the workspace lock and
// commits both documents when fn marks the state dirty.
func (b *Bus) mutate(ctx context.Context, fn func(st *state, markDirty func()) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var st *state
	return b.lock.Txn(ctx,
		func() error {
			st = b.load()
			return nil
		},
		func(markDirty func()) error {
			return fn(st, markDirty)
		},
		func() error {
			if err := persist.WriteJSON(b.messagesPath, st.doc); err != nil {
				return err
			}
			return persist.WriteJSON(b.mailboxesPath, st.mailboxes)
		},
	)
}

func (st *state) mailbox(owner string) *Mailbox {
	mb, ok := st.mailboxes[owner]
	if !ok {
		mb = &Mailbox{Owner: owner}
		st.mailboxes[owner] = mb
	}
	return mb
}

// EnsureMailbox creates the owner's mailbox if missing. Owners must exist
// before a broadcast can reach them.
func (b *Bus) EnsureMailbox(ctx context.Context, owner string) error {
	return b.mutate(ctx, func(st *state, markDirty func()) error {
		if _, ok := st.mailboxes[owner]; !ok {
			st.mailbox(owner)
			markDirty()
		}
		return nil
	})
}

// SendMessage delivers a message to recipient (or everyone, for Broadcast).
// The message is inserted into the sender's outbox and each target inbox,
// transitioned pending -> delivered, and matching handlers are invoked
// synchronously in registration order.
func (b *Bus) SendMessage(ctx context.Context, sender, recipient, subject, body string, opts SendOptions) (*Message, error) {
	if sender == "" || recipient == "" {
		return nil, fmt.Errorf("sender and recipient are required")
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("unknown priority: %s", priority)
	}

	msg := newMessage(sender, recipient, subject, body, priority)
	msg.RequiresAck = opts.RequiresAck
	msg.ExpiresAt = opts.ExpiresAt
	msg.ReplyTo = opts.ReplyTo
	msg.WorkItemID = opts.WorkItemID
	msg.ConvoyID = opts.ConvoyID
	msg.Attachments = append([]string(nil), opts.Attachments...)
	if opts.ThreadID != "" {
		msg.ThreadID = opts.ThreadID
	}

	err := b.mutate(ctx, func(st *state, markDirty func()) error {
		now := time.Now().UTC()
		msg.Status = StatusDelivered
		msg.DeliveredAt = &now
		st.doc.Messages[msg.ID] = msg

		st.mailbox(sender).Outbox = append(st.mailbox(sender).Outbox, msg.ID)
		if recipient == Broadcast {
			for owner, mb := range st.mailboxes {
				if owner == sender {
					continue
				}
				mb.Inbox = append(mb.Inbox, msg.ID)
			}
		} else {
			st.mailbox(recipient).Inbox = append(st.mailbox(recipient).Inbox, msg.ID)
		}
		markDirty()
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.dispatch(msg)
	return msg.Clone(), nil
}

// dispatch invokes handlers for the recipient, then broadcast handlers for
// every non-broadcast message.
func (b *Bus) dispatch(msg *Message) {
	b.handlerMu.RLock()
	direct := append([]Handler(nil), b.handlers[msg.Recipient]...)
	var broadcast []Handler
	if msg.Recipient != Broadcast {
		broadcast = append([]Handler(nil), b.handlers[Broadcast]...)
	}
	b.handlerMu.RUnlock()

	run := func(h Handler) {
		defer func() {
			if r := recover(); r != nil {
				log.Error(log.CatSignal, "signal handler panicked", "recipient", msg.Recipient, "panic", r)
			}
		}()
		h(msg.Clone())
	}
	for _, h := range direct {
		run(h)
	}
	for _, h := range broadcast {
		run(h)
	}
}

// RegisterHandler attaches a handler for one recipient. Registering for
// Broadcast receives every non-broadcast message as well.
func (b *Bus) RegisterHandler(recipient string, h Handler) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handlers[recipient] = append(b.handlers[recipient], h)
}

// GetInbox returns the owner's inbox sorted by (priority rank, created_at).
// Expired messages are transitioned lazily and excluded. With unreadOnly,
// read and acknowledged messages are filtered out.
func (b *Bus) GetInbox(ctx context.Context, owner string, unreadOnly bool, priority *Priority) ([]*Message, error) {
	var result []*Message
	err := b.mutate(ctx, func(st *state, markDirty func()) error {
		mb := st.mailbox(owner)
		now := time.Now().UTC()
		for _, id := range mb.Inbox {
			msg, ok := st.doc.Messages[id]
			if !ok {
				continue
			}
			if msg.Status != StatusExpired && msg.Status != StatusAcknowledged && msg.expired(now) {
				msg.Status = StatusExpired
				markDirty()
			}
			if msg.Status == StatusExpired {
				continue
			}
			if unreadOnly && (msg.Status == StatusRead || msg.Status == StatusAcknowledged) {
				continue
			}
			if priority != nil && msg.Priority != *priority {
				continue
			}
			result = append(result, msg.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Priority.Rank() != result[j].Priority.Rank() {
			return result[i].Priority.Rank() < result[j].Priority.Rank()
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// GetOutbox returns the owner's sent messages, oldest first.
func (b *Bus) GetOutbox(ctx context.Context, owner string) ([]*Message, error) {
	var result []*Message
	err := b.mutate(ctx, func(st *state, markDirty func()) error {
		for _, id := range st.mailbox(owner).Outbox {
			if msg, ok := st.doc.Messages[id]; ok {
				result = append(result, msg.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// transitionGuarded applies a status change for a message in owner's inbox.
func (b *Bus) transitionGuarded(ctx context.Context, id, owner string, fn func(msg *Message) error) (*Message, error) {
	var result *Message
	err := b.mutate(ctx, func(st *state, markDirty func()) error {
		msg, ok := st.doc.Messages[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		if !st.mailbox(owner).inInbox(id) {
			return fmt.Errorf("%w: %s for %s", ErrNotRecipient, id, owner)
		}
		if msg.Status == StatusAcknowledged {
			return fmt.Errorf("%w: %s", ErrAlreadyAcknowledged, id)
		}
		if err := fn(msg); err != nil {
			return err
		}
		result = msg.Clone()
		markDirty()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkRead transitions a delivered message to read.
func (b *Bus) MarkRead(ctx context.Context, id, owner string) (*Message, error) {
	return b.transitionGuarded(ctx, id, owner, func(msg *Message) error {
		now := time.Now().UTC()
		if msg.ReadAt == nil {
			msg.ReadAt = &now
		}
		msg.Status = StatusRead
		return nil
	})
}

// Acknowledge transitions a message to acknowledged. Acknowledged is
// terminal: no further transition is possible.
func (b *Bus) Acknowledge(ctx context.Context, id, owner string) (*Message, error) {
	return b.transitionGuarded(ctx, id, owner, func(msg *Message) error {
		now := time.Now().UTC()
		if msg.ReadAt == nil {
			msg.ReadAt = &now
		}
		msg.AcknowledgedAt = &now
		msg.Status = StatusAcknowledged
		return nil
	})
}

// Archive moves a message from the owner's inbox to their archive. The
// message status is untouched; archived messages still appear in threads.
func (b *Bus) Archive(ctx context.Context, id, owner string) error {
	return b.mutate(ctx, func(st *state, markDirty func()) error {
		mb := st.mailbox(owner)
		if !mb.inInbox(id) {
			return fmt.Errorf("%w: %s for %s", ErrNotRecipient, id, owner)
		}
		mb.removeFromInbox(id)
		mb.Archived = append(mb.Archived, id)
		markDirty()
		return nil
	})
}

// Reply creates a new message on the original's thread, subject prefixed
// "Re: ", carrying over the work item and convoy references.
func (b *Bus) Reply(ctx context.Context, originalID, sender, body string) (*Message, error) {
	var original *Message
	err := b.mutate(ctx, func(st *state, markDirty func()) error {
		msg, ok := st.doc.Messages[originalID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, originalID)
		}
		original = msg.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	subject := original.Subject
	if len(subject) < 4 || subject[:4] != "Re: " {
		subject = "Re: " + subject
	}
	return b.SendMessage(ctx, sender, original.Sender, subject, body, SendOptions{
		Priority:   original.Priority,
		ThreadID:   original.ThreadID,
		ReplyTo:    originalID,
		WorkItemID: original.WorkItemID,
		ConvoyID:   original.ConvoyID,
	})
}

// GetThread returns every message on a thread, oldest first, including
// archived ones.
func (b *Bus) GetThread(ctx context.Context, threadID string) ([]*Message, error) {
	var result []*Message
	err := b.mutate(ctx, func(st *state, markDirty func()) error {
		for _, msg := range st.doc.Messages {
			if msg.ThreadID == threadID {
				result = append(result, msg.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Stats reports message totals by status.
func (b *Bus) Stats(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int)
	err := b.mutate(ctx, func(st *state, markDirty func()) error {
		for _, msg := range st.doc.Messages {
			counts[msg.Status]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
