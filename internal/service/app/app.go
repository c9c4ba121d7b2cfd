package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"e2e_core/internal/codec"
	"e2e_core/internal/config"
	"e2e_core/internal/identity"
	"e2e_core/internal/media"
	"e2e_core/internal/model"
	"e2e_core/internal/nonceguard"
	"e2e_core/internal/processor"
	"e2e_core/internal/protocol/forwardsecrecy"
	"e2e_core/internal/repository/account"
	"e2e_core/internal/repository/message"
	"e2e_core/internal/service/server"
	"e2e_core/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const historySize = 50

type (
	// Contacts caches the keys of peers fetched from the relay.
	Contacts interface {
		GetByIdentity(ctx context.Context, id model.Identity) (*model.Contact, error)
		Upsert(ctx context.Context, c model.Contact) error
	}

	Options struct {
		Client    config.Client
		Processor config.Processor
		FS        forwardsecrecy.Config

		Accounts *account.AccountRepo
		Contacts Contacts
		Messages *message.MessageRepo
		Guard    nonceguard.Guard
		Sessions forwardsecrecy.SessionStore
		Observer processor.Observer
	}

	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		opts Options
		http *http.Client

		me        model.Identity
		keys      *identity.Store
		processor *processor.Processor
		peer      model.Contact

		connMu sync.Mutex
		conn   *websocket.Conn

		// queueDrained is set once the relay sent every frame queued while offline.
		queueDrained atomic.Bool
	}
)

var (
	_ processor.Notifier = (*App)(nil)
	_ processor.Outbox   = (*App)(nil)
	_ identity.Directory = (*App)(nil)
)

func NewApp(opts Options) *App {
	return &App{
		app:  tview.NewApplication(),
		opts: opts,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Run blocks until the UI exits. An empty peer is asked for on stdin.
func (c *App) Run(ctx context.Context, peer string) error {
	me, err := model.ParseIdentity(c.opts.Client.Identity)
	if err != nil {
		return err
	}
	c.me = me

	kp, err := c.getAccountAndCreateIfNotExist(ctx, me)
	if err != nil {
		return fmt.Errorf("get account failed: %w", err)
	}
	c.keys = identity.NewStore(me, *kp, c)

	err = c.publishKeys(ctx, model.Contact{Identity: me, PublicKey: kp.Public, ForwardSecure: c.opts.FS.Enabled})
	if err != nil {
		return fmt.Errorf("publish keys failed: %w", err)
	}

	if peer == "" {
		fmt.Print("Enter recipient's identity: ")
		if _, err := fmt.Scan(&peer); err != nil {
			return err
		}
	}
	to, err := model.ParseIdentity(peer)
	if err != nil {
		return err
	}
	contact, err := c.resolveContact(ctx, to)
	if err != nil {
		return fmt.Errorf("cannot resolve %s: %w", to, err)
	}
	c.peer = *contact

	if c.processor, err = c.newProcessor(); err != nil {
		return err
	}

	c.conn, err = c.initWebhook(me)
	if err != nil {
		return fmt.Errorf("init webhook to server failed: %w", err)
	}

	c.buildUI()
	c.showHistory(ctx)
	go c.listenOnWebhook(ctx)
	return c.app.Run()
}

func (c *App) Stop() {
	c.app.Stop()
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *App) newProcessor() (*processor.Processor, error) {
	deps := processor.Dependencies{
		Keys:     c.keys,
		Guard:    c.opts.Guard,
		FS:       forwardsecrecy.New(c.opts.FS, c.keys, c.opts.Sessions),
		Entities: c.opts.Messages,
		Notifier: c,
		Outbox:   c,
		Observer: c.opts.Observer,
	}
	if c.opts.Client.BlobURL != "" {
		deps.Media = media.NewHTTPFetcher(c.opts.Client.BlobURL, c.http)
	}
	return processor.New(processor.Config{MaxConcurrent: c.opts.Processor.MaxConcurrent}, deps)
}

func (c *App) buildUI() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", c.peer.Identity))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", c.me))

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")

		go func(msg string) {
			if err := c.SendMessage(context.Background(), msg); err != nil {
				log.Error("send message failed", zap.Error(err))
				c.app.QueueUpdateDraw(func() {
					c.printf("[red]not sent:[-] %s (%v)\n", tview.Escape(msg), err)
				})
			}
		}(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	c.app.SetRoot(layout, true).SetFocus(c.input)
}

func (c *App) printf(format string, args ...any) {
	fmt.Fprintf(c.chatbox, format, args...)
	c.chatbox.ScrollToEnd()
}

func (c *App) showHistory(ctx context.Context) {
	msgs, err := c.opts.Messages.Recent(ctx, c.peer.Identity, historySize)
	if err != nil {
		log.Warn("load history failed", zap.Error(err))
		return
	}
	for _, m := range msgs {
		who := m.From.String()
		if m.From == c.me {
			who = "You"
		}
		c.printf("[gray]%s %s:[-] %s\n", m.Date().Local().Format(time.Kitchen), who, tview.Escape(preview(m)))
	}
}

func (c *App) listenOnWebhook(ctx context.Context) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("client web socket closed", zap.Error(err))
			c.app.QueueUpdateDraw(func() {
				c.chatbox.SetTitle(" disconnected ")
			})
			return
		}

		if kind == websocket.TextMessage {
			if string(data) == server.QueueSendComplete {
				c.queueDrained.Store(true)
			}
			continue
		}

		env, err := codec.UnmarshalEnvelope(data)
		if err != nil {
			log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		t := c.processor.ProcessIncoming(ctx, env, processor.IncomingOptions{
			ReceivedAfterInitialQueueSend: c.queueDrained.Load(),
			MaxBytesToDecrypt:             c.opts.Processor.MaxBytesToDecrypt,
			ThumbnailTimeout:              c.opts.Processor.ThumbnailTimeout,
		})
		go c.ReceiveMessage(ctx, t)
	}
}

// SendMessage encrypts text for the current peer and hands it to the relay.
func (c *App) SendMessage(ctx context.Context, text string) error {
	msg := model.NewMessage(c.me, c.peer.Identity, &model.Text{Text: text})
	if err := c.send(ctx, msg); err != nil {
		return err
	}
	if err := c.opts.Messages.StoreOutgoing(ctx, msg); err != nil {
		log.Warn("sent message not saved", zap.Stringer("message_id", msg.ID()), zap.Error(err))
	}

	c.app.QueueUpdateDraw(func() {
		c.printf("[yellow]You:[-] %s\n", tview.Escape(text))
	})
	return nil
}

func (c *App) send(ctx context.Context, msg *model.Message) error {
	res, err := c.processor.ProcessOutgoing(ctx, msg, c.peer).Wait(ctx)
	if err != nil {
		msg.SendFailed = true
		return err
	}
	if err := c.Send(ctx, res.Envelope); err != nil {
		msg.SendFailed = true
		return err
	}
	msg.Sent = true
	return nil
}

func (c *App) ReceiveMessage(ctx context.Context, t *processor.Task[*processor.IncomingResult]) {
	res, err := t.Wait(ctx)
	if err != nil {
		log.Error("receive message failed", zap.Error(err), zap.Stringer("reason", processor.ReasonOf(err)))
		return
	}
	if res.Message == nil {
		log.Debug("incoming envelope skipped", zap.Stringer("reason", res.Reason))
		return
	}

	msg := res.Message
	if r, ok := msg.Content.(*model.DeliveryReceipt); ok {
		c.app.QueueUpdateDraw(func() {
			c.printf("[gray]%s: %d message(s) %s[-]\n", msg.From, len(r.MessageIDs), receiptLabel(r.Status))
		})
		return
	}
	if !res.Stored {
		return
	}

	c.app.QueueUpdateDraw(func() {
		c.printf("[green]%s:[-] %s\n", msg.From, tview.Escape(preview(msg)))
	})

	if msg.From == c.peer.Identity && !msg.NoDeliveryReceiptFlagSet() {
		receipt := model.NewMessage(c.me, msg.From, &model.DeliveryReceipt{
			Status:     model.ReceiptReceived,
			MessageIDs: []model.MessageID{msg.ID()},
		})
		if err := c.send(ctx, receipt); err != nil {
			log.Warn("delivery receipt not sent", zap.Stringer("message_id", msg.ID()), zap.Error(err))
		}
	}
}

// Notify raises a banner for messages that arrived live, not for the offline backlog.
func (c *App) Notify(_ context.Context, msg *model.Message) {
	if !msg.ReceivedAfterInitialQueueSend {
		return
	}
	c.app.QueueUpdateDraw(func() {
		c.chatbox.SetTitle(fmt.Sprintf(" Chat with %s | new message from %s ", c.peer.Identity, msg.From))
	})
}

// Send writes env to the relay.
func (c *App) Send(_ context.Context, env *model.BoxedEnvelope) error {
	frame, err := codec.MarshalEnvelope(env)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func preview(m *model.Message) string {
	if p, ok := m.Content.(model.Previewer); ok {
		return p.Preview()
	}
	return m.Type().String()
}

func receiptLabel(s model.ReceiptStatus) string {
	switch s {
	case model.ReceiptReceived:
		return "delivered"
	case model.ReceiptRead:
		return "read"
	case model.ReceiptUserAck:
		return "acknowledged"
	case model.ReceiptUserDecline:
		return "declined"
	}
	return "updated"
}
