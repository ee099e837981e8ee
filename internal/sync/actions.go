package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pvilela/chirp/internal/bus"
	"github.com/pvilela/chirp/internal/store"
	"github.com/pvilela/chirp/internal/track"
	"go.uber.org/zap"
)

// ErrDeleteWindowClosed is returned when a delete-for-everyone is requested
// past the policy window or for a message the user does not own.
var ErrDeleteWindowClosed = errors.New("message can no longer be deleted for everyone")

// SendText registers an outgoing text message. Everything user-visible
// happens synchronously before this returns: the tracker holds the pending
// entry, the ledger promoted the conversation, and the store has both rows.
// The network send is the outbox's business.
func (e *Engine) SendText(conversationID, recipientID, content, replyToID string) (track.Message, error) {
	return e.send(track.Draft{
		ConversationID: conversationID,
		RecipientID:    recipientID,
		Content:        content,
		ReplyToID:      replyToID,
		Type:           "text",
	}, "")
}

// SendAttachment registers an outgoing message with a local file. The upload
// happens in the outbox, strictly before the send.
func (e *Engine) SendAttachment(conversationID, recipientID, caption, path string) (track.Message, error) {
	return e.send(track.Draft{
		ConversationID: conversationID,
		RecipientID:    recipientID,
		Content:        caption,
		Type:           "attachment",
		Attachments:    []track.Attachment{{LocalPath: path}},
	}, path)
}

func (e *Engine) send(d track.Draft, attachmentPath string) (track.Message, error) {
	msg := e.tracker.CreateOptimistic(d)
	conv := e.ledger.ApplyOwnSend(msg)

	e.persistMessage(msg)
	e.persistConversation(conv)
	if err := e.db.QueueOutbox(&store.OutboxEntry{
		CorrelationID:  msg.CorrelationID,
		ConversationID: msg.ConversationID,
		RecipientID:    msg.RecipientID,
		Body:           msg.Content,
		MessageType:    msg.Type,
		ReplyToID:      msg.ReplyToID,
		AttachmentPath: attachmentPath,
	}); err != nil {
		return track.Message{}, fmt.Errorf("queue outgoing message: %w", err)
	}

	e.bus.Publish(bus.Now(bus.KindMessageUpserted, msg))
	return msg, nil
}

// SetActive focuses a conversation: marks it read locally and remotely, and
// fetches the head of its history. A fetch that completes after focus moved
// elsewhere is discarded.
func (e *Engine) SetActive(ctx context.Context, conversationID string) {
	e.ledger.SetActive(conversationID)
	if conversationID == "" {
		return
	}
	e.MarkConversationRead(conversationID)
	go e.fetchThread(ctx, conversationID)
}

// MarkConversationRead zeroes the unread count and tells the server.
func (e *Engine) MarkConversationRead(conversationID string) {
	if e.ledger.MarkRead(conversationID) {
		if conv, ok := e.ledger.Get(conversationID); ok {
			e.persistConversation(conv)
		}
	}
	e.notifyConversationRead(conversationID)
}

// fetchThread pulls the newest page of a conversation and folds it into local
// state, unless the user has moved on in the meantime.
func (e *Engine) fetchThread(ctx context.Context, conversationID string) {
	if e.rest == nil {
		return
	}
	page, err := e.rest.ListMessages(ctx, conversationID, "", e.cfg.Sync.PageSize)
	if err != nil {
		e.logger.Warn("thread fetch failed", zap.Error(err), zap.String("conversation_id", conversationID))
		return
	}
	if e.ledger.Active() != conversationID {
		e.logger.Debug("stale thread fetch discarded", zap.String("conversation_id", conversationID))
		return
	}
	for i := range page.Messages {
		msg := e.trackMessage(&page.Messages[i])
		if snap, fresh := e.tracker.Ingest(msg); fresh {
			e.persistMessage(snap)
		}
	}
	e.bus.Publish(bus.Now(bus.KindSyncRefreshed, conversationID))
}

// DeleteForEveryone deletes an own message for all participants, enforcing
// the policy window client-side before asking the server.
func (e *Engine) DeleteForEveryone(ctx context.Context, key string) error {
	window := e.cfg.Policy.DeleteForEveryoneWindow.Duration
	if !e.tracker.CanDeleteForEveryone(key, window) {
		return ErrDeleteWindowClosed
	}
	msg, ok := e.tracker.Get(key)
	if !ok {
		return ErrDeleteWindowClosed
	}
	if e.rest != nil && msg.ID != "" {
		if err := e.rest.DeleteMessage(ctx, msg.ID); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
	}
	removed, ok := e.tracker.ApplyDelete(key)
	_ = e.db.DeleteMessage(msg.Key())
	if ok {
		e.bus.Publish(bus.Now(bus.KindMessageDeleted, removed))
	}
	return nil
}

// ClearConversation clears all messages of a conversation for this user.
func (e *Engine) ClearConversation(ctx context.Context, conversationID string) error {
	if e.rest != nil {
		if err := e.rest.ClearConversation(ctx, conversationID); err != nil {
			return fmt.Errorf("clear conversation: %w", err)
		}
	}
	e.applyBulkClear(conversationID)
	return nil
}

// typingState implements the local user's typing signals: sends are throttled
// so holding a key down does not flood the channel, and a stop signal fires
// automatically once input goes quiet.
type typingState struct {
	mu         sync.Mutex
	lastSentAt time.Time
	activeConv string
	stop       *time.Timer
}

func (t *typingState) stopTimer() {
	t.mu.Lock()
	if t.stop != nil {
		t.stop.Stop()
	}
	t.mu.Unlock()
}

// UserTyping is called on every composer keystroke.
func (e *Engine) UserTyping(conversationID string) {
	if e.push == nil {
		return
	}
	throttle := e.cfg.Typing.SendThrottle.Duration
	debounce := e.cfg.Typing.StopDebounce.Duration

	e.typing.mu.Lock()
	now := time.Now()
	prev := e.typing.activeConv
	switched := prev != "" && prev != conversationID
	send := prev != conversationID || now.Sub(e.typing.lastSentAt) >= throttle
	if send {
		e.typing.lastSentAt = now
		e.typing.activeConv = conversationID
	}
	if e.typing.stop != nil {
		e.typing.stop.Stop()
	}
	e.typing.stop = time.AfterFunc(debounce, func() { e.userStoppedTyping(conversationID) })
	e.typing.mu.Unlock()

	// The debounce timer moved to the new conversation; the old one gets its
	// stop signal now rather than never.
	if switched {
		e.emitTyping(prev, false)
	}
	if send {
		e.emitTyping(conversationID, true)
	}
}

func (e *Engine) userStoppedTyping(conversationID string) {
	e.typing.mu.Lock()
	e.typing.lastSentAt = time.Time{}
	e.typing.activeConv = ""
	e.typing.mu.Unlock()
	e.emitTyping(conversationID, false)
}

func (e *Engine) emitTyping(conversationID string, typing bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.push.SendTyping(ctx, conversationID, typing); err != nil {
			e.logger.Debug("typing signal not delivered", zap.Error(err))
		}
	}()
}
