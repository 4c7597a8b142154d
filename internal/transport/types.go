package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Target returns where replies to this message should go.
func (m *Message) Target() ChatTarget {
	if m == nil {
		return ChatTarget{}
	}
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// SubscriberID is the stable schedule key for a chat target.
// Plain chats map to "<chat_id>", forum topics to "<chat_id>/<thread_id>".
func (t ChatTarget) SubscriberID() string {
	if t.ThreadID == 0 {
		return strconv.FormatInt(t.ChatID, 10)
	}
	return strconv.FormatInt(t.ChatID, 10) + "/" + strconv.Itoa(t.ThreadID)
}

var ErrBadSubscriberID = errors.New("bad subscriber id")

// ParseSubscriberID is the inverse of ChatTarget.SubscriberID.
func ParseSubscriberID(id string) (ChatTarget, error) {
	id = strings.TrimSpace(id)
	chatPart, threadPart, hasThread := strings.Cut(id, "/")
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return ChatTarget{}, fmt.Errorf("%w: %q", ErrBadSubscriberID, id)
	}
	t := ChatTarget{ChatID: chatID}
	if hasThread {
		th, err := strconv.Atoi(threadPart)
		if err != nil || th <= 0 {
			return ChatTarget{}, fmt.Errorf("%w: %q", ErrBadSubscriberID, id)
		}
		t.ThreadID = th
	}
	return t, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Photo is an image referenced by URL; the platform downloads it.
type Photo struct {
	URL     string
	Caption string
}

// TextSender is the minimal capability needed by log sinks and command replies.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// PhotoSender delivers images.
type PhotoSender interface {
	SendPhoto(ctx context.Context, to ChatTarget, p Photo) (MessageRef, error)
}

type Adapter interface {
	TextSender
	PhotoSender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
