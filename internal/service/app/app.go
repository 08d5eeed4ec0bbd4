package app

import (
	"context"
	"e2e_call/internal/model"
	"e2e_call/internal/repository/keystore"
	"e2e_call/internal/repository/relay"
	"e2e_call/internal/service/call"
	"e2e_call/internal/service/e2ee"
	"e2e_call/internal/utils/log"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		api         *API
		keys        keystore.Store
		newPeer     call.PeerFactory
		newStream   StreamFactory
		ringTimeout time.Duration

		relay  *relay.WS
		crypto *e2ee.Manager
		user   model.Identity
		peer   model.Identity
		chat   *Chat
		calls  *Calls

		stopChat relay.Unsubscribe
	}

	Options struct {
		API         *API
		Keys        keystore.Store
		NewPeer     call.PeerFactory
		NewStream   StreamFactory
		RingTimeout time.Duration
	}
)

func NewApp(opts Options) *App {
	return &App{
		app:         tview.NewApplication(),
		api:         opts.API,
		keys:        opts.Keys,
		newPeer:     opts.NewPeer,
		newStream:   opts.NewStream,
		ringTimeout: opts.RingTimeout,
	}
}

// Run signs in as name, opens the conversation with peerName and blocks in
// the terminal UI until the user quits.
func (c *App) Run(ctx context.Context, name, peerName string) error {
	user, err := c.api.SignIn(ctx, name)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	c.user = user

	c.relay, err = c.api.DialRelay(ctx, user.Token)
	if err != nil {
		return err
	}

	c.crypto = e2ee.NewManager(ctx, c.keys, c.api.Directory(user.Token))
	// announce on every sign-in so a reset directory heals itself
	if err := c.crypto.Publish(ctx, user.UserID); err != nil {
		// chat stays unavailable, calls still work
		log.Warn("key pair unavailable", zap.String("user_id", user.UserID), zap.Error(err))
	}

	c.peer, err = c.api.LookupUser(ctx, peerName)
	if err != nil {
		return fmt.Errorf("look up %s: %w", peerName, err)
	}

	c.chat = NewChat(c.relay, c.crypto, user.UserID, c.peer.UserID)
	c.calls = NewCalls(c.relay, user, c.newPeer, c.newStream, c.ringTimeout, c.notify)

	c.buildUI()

	c.stopChat, err = c.chat.Listen(ctx, c.printLine)
	if err != nil {
		return err
	}
	if err := c.calls.Start(ctx); err != nil {
		return err
	}

	go func() {
		<-c.relay.Done()
		c.notify("connection to the relay server lost")
	}()

	return c.app.SetRoot(c.layout(), true).SetFocus(c.input).Run()
}

// Stop releases the call, the subscriptions and the relay connection.
func (c *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		c.calls.Close(ctx)
	}
	if c.stopChat != nil {
		c.stopChat()
	}
	if c.crypto != nil {
		c.crypto.Forget(c.user.UserID)
	}
	if c.relay != nil {
		c.relay.Close()
	}
	c.app.Stop()
}

func (c *App) buildUI() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", c.peer.DisplayName))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" /call [title] /accept /reject /hangup /fingerprint /quit ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.input.GetText())
		if text == "" {
			return
		}
		c.input.SetText("")
		go c.handleInput(text)
	})
}

func (c *App) layout() tview.Primitive {
	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)
}

func (c *App) handleInput(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cmd, arg, ok := parseCommand(text)
	if !ok {
		if err := c.chat.Send(ctx, text); err != nil {
			if errors.Is(err, e2ee.ErrEncryptionUnavailable) {
				c.notify("encryption unavailable, message not sent")
				return
			}
			c.notify(fmt.Sprintf("send failed: %v", err))
		}
		return
	}

	var err error
	switch cmd {
	case "call":
		_, err = c.calls.Dial(ctx, c.peer, "", arg)
	case "accept":
		err = c.calls.Accept(ctx, arg)
	case "reject":
		err = c.calls.Reject(ctx, arg)
	case "hangup":
		err = c.calls.Hangup(ctx)
		if err == nil {
			c.notify("call ended")
		}
	case "fingerprint":
		var own, peer string
		own, peer, err = c.crypto.Fingerprints(ctx, c.user.UserID, c.peer.UserID)
		if err == nil {
			c.notify("your key: " + own)
			c.notify(c.peer.DisplayName + "'s key: " + peer)
		}
	case "quit":
		c.Stop()
		return
	default:
		err = fmt.Errorf("unknown command /%s", cmd)
	}
	if err != nil {
		c.notify(err.Error())
	}
}

// parseCommand splits "/name rest" into its parts.
func parseCommand(text string) (cmd, arg string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	cmd, arg, _ = strings.Cut(strings.TrimPrefix(text, "/"), " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg), true
}

func (c *App) printLine(l Line) {
	c.app.QueueUpdateDraw(func() {
		switch {
		case l.SenderID == c.user.UserID:
			fmt.Fprint(c.chatbox, "[yellow]You:[-] ")
		default:
			fmt.Fprintf(c.chatbox, "[green]%s:[-] ", tview.Escape(c.peer.DisplayName))
		}
		if l.Unreadable {
			fmt.Fprintf(c.chatbox, "[red]%s[-]\n", tview.Escape(l.Text))
		} else {
			fmt.Fprintf(c.chatbox, "%s\n", tview.Escape(l.Text))
		}
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) notify(msg string) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, "[blue]* %s[-]\n", tview.Escape(msg))
		c.chatbox.ScrollToEnd()
	})
}
