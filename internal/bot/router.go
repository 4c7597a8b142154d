// Package bot turns "/news ..." chat messages into control operations and
// replies with the one-line result.
package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"daynews/internal/control"
	"daynews/internal/transport"
	"daynews/pkg/logx"
)

const Command = "news"

// Controller is the part of control.Control the router drives.
type Controller interface {
	Activate(ctx context.Context, id string) (control.Result, error)
	RescheduleText(ctx context.Context, id, hhmm string) (control.Result, error)
	Deactivate(ctx context.Context, id string) (control.Result, error)
	List(ctx context.Context) (control.Result, error)
	DeliverNow(ctx context.Context, id string) (control.Result, error)
	Broadcast(ctx context.Context) (control.Result, error)
}

type Request struct {
	Chat   transport.ChatTarget
	FromID int64
	Sub    string // "", "set", "stop", "list", "all" or a time
	Owner  bool
}

const (
	textNotPermitted = "You are not allowed to do that."
	textUsage        = "Usage: /news | /news set | /news stop | /news HH:MM | /news list | /news all"
)

type Router struct {
	ctl    Controller
	sender transport.TextSender
	log    logx.Logger

	handle HandlerFunc

	mu     sync.RWMutex
	owners map[int64]struct{}
}

// New builds the router. An empty owner list makes every sender an owner.
func New(ctl Controller, sender transport.TextSender, owners []int64, timeout time.Duration, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{ctl: ctl, sender: sender, log: log.With(logx.String("comp", "bot"))}
	r.SetOwners(owners)
	r.handle = Chain(r.dispatch,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	return r
}

// SetOwners replaces the owner list; used by config hot reload.
func (r *Router) SetOwners(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id != 0 {
			m[id] = struct{}{}
		}
	}
	r.mu.Lock()
	r.owners = m
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.owners) == 0 {
		return true
	}
	_, ok := r.owners[id]
	return ok
}

// Menu lists the commands for the platform command menu.
func (r *Router) Menu() []transport.BotCommand {
	return []transport.BotCommand{{Command: Command, Description: "Daily news: set, stop, HH:MM, list, all"}}
}

// Run consumes updates until ctx is done or the channel closes. Commands are
// handled one at a time in arrival order.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			_ = r.Handle(ctx, up)
		}
	}
}

// Handle processes one update. Non-command messages are ignored.
func (r *Router) Handle(ctx context.Context, up transport.Update) error {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return nil
	}
	sub, ok := parseCommand(up.Message.Text)
	if !ok {
		return nil
	}
	req := &Request{
		Chat:   up.Message.Target(),
		FromID: up.Message.FromID,
		Sub:    sub,
		Owner:  r.isOwner(up.Message.FromID),
	}
	return r.handle(ctx, req)
}

func (r *Router) dispatch(ctx context.Context, req *Request) error {
	id := req.Chat.SubscriberID()
	var (
		res control.Result
		err error
	)
	switch sub := strings.ToLower(req.Sub); sub {
	case "":
		res, err = r.ctl.DeliverNow(ctx, id)
	case "set":
		res, err = r.ctl.Activate(ctx, id)
	case "list":
		res, err = r.ctl.List(ctx)
	case "stop":
		if !req.Owner {
			return r.reply(ctx, req, textNotPermitted)
		}
		res, err = r.ctl.Deactivate(ctx, id)
	case "all":
		if !req.Owner {
			return r.reply(ctx, req, textNotPermitted)
		}
		res, err = r.ctl.Broadcast(ctx)
	case "help":
		return r.reply(ctx, req, textUsage)
	default:
		if !req.Owner {
			return r.reply(ctx, req, textNotPermitted)
		}
		res, err = r.ctl.RescheduleText(ctx, id, sub)
		if res.Code == control.CodeInvalidTime {
			res.Text += "\n" + textUsage
		}
	}
	if res.Text != "" {
		if rerr := r.reply(ctx, req, res.Text); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func (r *Router) reply(ctx context.Context, req *Request, text string) error {
	if r.sender == nil {
		return nil
	}
	_, err := r.sender.SendText(ctx, req.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

// parseCommand extracts the sub-command of "/news", "/news@bot" and
// "/news <sub>". ok is false for any other text.
func parseCommand(text string) (sub string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	head := fields[0]
	if !strings.HasPrefix(head, "/") {
		return "", false
	}
	name, _, _ := strings.Cut(head[1:], "@")
	if !strings.EqualFold(name, Command) {
		return "", false
	}
	if len(fields) > 1 {
		sub = fields[1]
	}
	return sub, true
}
