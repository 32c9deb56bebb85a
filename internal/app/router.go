package app

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pobot/internal/runtime/gate"
	rtsup "pobot/internal/runtime/supervisor"
	"pobot/internal/transport"
	logx "pobot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

type Command struct {
	Name        string
	Usage       string
	Description string
	Access      Access
	Timeout     time.Duration // 0 keeps the router default
	Handle      HandlerFunc
}

// Request is one parsed chat command.
type Request struct {
	Chat     transport.ChatTarget
	FromID   int64
	Username string
	Command  string
	Args     []string
	ReqID    string
	Logger   logx.Logger

	sender transport.Sender
}

func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// Router parses incoming messages into commands and runs them on a bounded
// worker pool.
type Router struct {
	mu   sync.RWMutex
	cmds map[string]Command

	ownMu  sync.RWMutex
	owners []int64

	log     logx.Logger
	sender  transport.Sender
	timeout time.Duration

	jobs  chan func()
	ready *gate.Signal
}

func NewRouter(log logx.Logger, sender transport.Sender, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cmds:    map[string]Command{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		sender:  sender,
		timeout: 30 * time.Second,
		jobs:    make(chan func(), 256),
	}
}

func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		r.cmds[strings.ToLower(c.Name)] = c
	}
}

// WaitFor holds DispatchLoop back until ready opens. Updates stay queued
// in the channel meanwhile.
func (r *Router) WaitFor(ready *gate.Signal) { r.ready = ready }

func (r *Router) SetOwners(owners []int64) {
	r.ownMu.Lock()
	r.owners = append([]int64(nil), owners...)
	r.ownMu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.ownMu.RLock()
	defer r.ownMu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// DispatchLoop consumes updates until ctx ends or the channel closes.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	if r.ready != nil {
		if _, err := r.ready.Wait(ctx); err != nil {
			return nil
		}
	}
	workers := max(2, runtime.NumCPU())
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "router"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind != transport.UpdateMessage || up.Message == nil {
				continue
			}
			select {
			case r.jobs <- func() { r.Handle(ctx, up) }:
			default:
				msg := up.Message
				_, _ = r.sender.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "busy, try again", nil)
			}
		}
	}
}

// Handle routes one update synchronously. Non-command text is ignored.
func (r *Router) Handle(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	parts := strings.Fields(msg.Text)
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/") {
		return
	}
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if name == "help" || name == "start" {
		_, _ = r.sender.SendText(ctx, chat, r.helpText(), &transport.SendOptions{DisablePreview: true})
		return
	}
	r.mu.RLock()
	cmd, ok := r.cmds[name]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.sender.SendText(ctx, chat, "unknown command, try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		_, _ = r.sender.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Chat:     chat,
		FromID:   msg.FromID,
		Username: msg.FromUsername,
		Command:  name,
		Args:     parts[1:],
		ReqID:    rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", name),
		),
		sender: r.sender,
	}
	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = r.timeout
	}
	h := Chain(cmd.Handle, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(timeout))
	if err := h(ctx, req); err != nil {
		_ = req.Reply(ctx, "error: "+err.Error())
	}
}

func (r *Router) helpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cmds))
	for n := range r.cmds {
		names = append(names, n)
	}
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteString("commands:\n")
	for _, n := range names {
		c := r.cmds[n]
		usage := "/" + n
		if c.Usage != "" {
			usage += " " + c.Usage
		}
		fmt.Fprintf(&sb, "%s - %s", usage, c.Description)
		if c.Access == AccessOwnerOnly {
			sb.WriteString(" (owner)")
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// MWTimeout bounds a handler. Negative disables the bound.
func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)
			if err != nil {
				logger.Warn("request failed", logx.Duration("dur", d), logx.Err(err))
			} else if d >= 750*time.Millisecond {
				logger.Info("request ok", logx.Duration("dur", d))
			} else {
				logger.Debug("request ok", logx.Duration("dur", d))
			}
			return err
		}
	}
}
