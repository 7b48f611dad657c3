package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"

	"github.com/aeolun/duochat/pkg/client"
	"github.com/aeolun/duochat/pkg/protocol"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

// chat holds what the terminal needs to render lines
type chat struct {
	api    *client.API
	driver *client.Driver
	state  *client.State
	server string
	format client.MessageFormat

	mu    sync.Mutex
	names map[string]string
}

func main() {
	configPath := flag.String("config", "~/.config/duochat/client.toml", "Path to config file")
	serverAddr := flag.String("server", "", "Server address (overrides config)")
	username := flag.String("user", "", "Username to log in as")
	password := flag.String("password", os.Getenv("DUOCHAT_PASSWORD"), "Password (default $DUOCHAT_PASSWORD)")
	register := flag.Bool("register", false, "Create the account instead of logging in")
	debug := flag.Bool("debug", false, "Log connection events to stderr")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("duochat client %s\n", Version)
		os.Exit(0)
	}

	config, err := client.LoadClientConfig(*configPath)
	if err != nil {
		var cfgErr *client.ConfigError
		if errors.As(err, &cfgErr) {
			log.Fatalf("Config error in %s: %v", cfgErr.Path, cfgErr)
		}
		log.Fatalf("Failed to load config: %v", err)
	}
	if *serverAddr != "" {
		config.Connection.Server = *serverAddr
	}
	if *username == "" {
		*username = config.Local.Username
	}

	statePath, err := config.GetStateDBPath()
	if err != nil {
		log.Fatalf("Failed to resolve state path: %v", err)
	}
	state, err := client.OpenState(statePath)
	if err != nil {
		log.Fatalf("Failed to open state database: %v", err)
	}
	defer state.Close()

	api, err := client.NewAPI(config.Connection.Server)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	server := config.Connection.Server
	self, err := authenticate(ctx, api, state, server, *username, *password, *register)
	if err != nil {
		log.Fatalf("Authentication failed: %v", err)
	}

	driver := client.NewDriver(api)
	driver.SetReconnectDelay(config.GetReconnectDelay())
	if *debug {
		driver.SetLogger(log.New(os.Stderr, "[driver] ", log.LstdFlags))
	}

	c := &chat{
		api:    api,
		driver: driver,
		state:  state,
		server: server,
		format: client.MessageFormat{
			SelfID:         self.UserID,
			UploadsBaseURL: api.BaseURL(),
			ShowTimestamps: config.UI.ShowTimestamps,
			Relative:       config.UI.TimestampFormat == "relative",
		},
		names: map[string]string{self.UserID: self.UserName},
	}
	c.refreshNames(ctx)

	if peer := state.GetLastPeer(server); peer != "" {
		if err := c.open(ctx, peer); err != nil {
			fmt.Printf("could not reopen last conversation: %v\n", err)
		}
	}

	go func() {
		if err := driver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Driver stopped: %v", err)
		}
	}()
	go c.render(ctx)

	fmt.Printf("logged in as %s; /help for commands\n", self.UserName)
	c.readInput(ctx, cancel)
}

// authenticate restores the stored session or logs in with the given credentials
func authenticate(ctx context.Context, api *client.API, state *client.State, server, username, password string, register bool) (protocol.Peer, error) {
	if password == "" {
		_, token, err := state.GetSession(server)
		if err != nil {
			return protocol.Peer{}, err
		}
		if token == "" {
			return protocol.Peer{}, errors.New("no stored session; pass -user and -password")
		}
		api.SetToken(token)

		self, err := api.Profile(ctx)
		if errors.Is(err, client.ErrUnauthorized) {
			state.ClearSession(server)
			return protocol.Peer{}, errors.New("stored session expired; log in again")
		}
		return self, err
	}

	if username == "" {
		return protocol.Peer{}, errors.New("-user is required with -password")
	}

	var err error
	if register {
		_, err = api.Register(ctx, username, password)
	} else {
		_, err = api.Login(ctx, username, password)
	}
	if err != nil {
		return protocol.Peer{}, err
	}

	if err := state.SaveSession(server, username, api.Token()); err != nil {
		log.Printf("Failed to save session: %v", err)
	}
	return api.Profile(ctx)
}

func (c *chat) refreshNames(ctx context.Context) []protocol.Peer {
	people, err := c.api.People(ctx)
	if err != nil {
		fmt.Printf("could not list people: %v\n", err)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range people {
		c.names[p.UserID] = p.UserName
	}
	return people
}

func (c *chat) lineFormat() client.MessageFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.format
	f.Names = make(map[string]string, len(c.names))
	for id, name := range c.names {
		f.Names[id] = name
	}
	return f
}

// open switches the active conversation and prints its history
func (c *chat) open(ctx context.Context, peer string) error {
	if err := c.driver.SetActivePeer(ctx, peer); err != nil {
		return err
	}
	if err := c.state.SetLastPeer(c.server, peer); err != nil {
		log.Printf("Failed to remember conversation: %v", err)
	}

	f := c.lineFormat()
	fmt.Printf("--- conversation with %s ---\n", lo.ValueOr(f.Names, peer, peer))
	for _, m := range c.driver.History() {
		fmt.Println(client.FormatMessage(m, f))
	}
	return nil
}

func (c *chat) render(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-c.driver.StateChanges():
			switch update.State {
			case client.StateTypeReconnecting:
				fmt.Printf("* reconnecting (attempt %d)\n", update.Attempt)
			case client.StateTypeDisconnected:
				fmt.Printf("* disconnected: %v\n", update.Err)
			default:
				fmt.Printf("* %s\n", update.State)
			}
		case ev := <-c.driver.Events():
			switch e := ev.(type) {
			case *protocol.PresenceEvent:
				c.mu.Lock()
				for _, p := range e.Online {
					c.names[p.UserID] = p.UserName
				}
				c.mu.Unlock()
				fmt.Printf("* %s\n", client.FormatRoster(c.driver.OnlinePeers()))
			case *protocol.MessageEvent:
				f := c.lineFormat()
				peer := c.driver.ActivePeer()
				if e.Sender == peer || e.Recipient == peer {
					fmt.Println(client.FormatMessage(*e, f))
				} else {
					fmt.Printf("* new message from %s (/chat %s)\n", lo.ValueOr(f.Names, e.Sender, e.Sender), lo.ValueOr(f.Names, e.Sender, e.Sender))
				}
			case *protocol.ErrorEvent:
				fmt.Printf("* rejected: %s\n", e.Error.Message)
			}
		}
	}
}

func (c *chat) readInput(ctx context.Context, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "/quit":
			cancel()
			return
		case "/help":
			fmt.Println("/who  /people  /chat <name>  /file <path>  /logout  /quit; anything else is sent")
		case "/who":
			fmt.Println(client.FormatRoster(c.driver.OnlinePeers()))
		case "/people":
			people := c.refreshNames(ctx)
			fmt.Println(strings.Join(lo.Map(people, func(p protocol.Peer, _ int) string { return p.UserName }), ", "))
		case "/chat":
			c.chatWith(ctx, arg)
		case "/file":
			c.sendFile(arg)
		case "/logout":
			if err := c.api.Logout(ctx); err != nil {
				fmt.Printf("logout failed: %v\n", err)
			}
			c.state.ClearSession(c.server)
			cancel()
			return
		default:
			if err := c.driver.Send(line); err != nil {
				fmt.Printf("not sent: %v\n", err)
			}
		}
	}
	cancel()
}

func (c *chat) chatWith(ctx context.Context, name string) {
	if name == "" {
		fmt.Println("usage: /chat <name>")
		return
	}

	people := c.refreshNames(ctx)
	peer, ok := lo.Find(people, func(p protocol.Peer) bool { return strings.EqualFold(p.UserName, name) })
	if !ok {
		fmt.Printf("no user named %s\n", name)
		return
	}
	if err := c.open(ctx, peer.UserID); err != nil {
		fmt.Printf("could not open conversation: %v\n", err)
	}
}

func (c *chat) sendFile(path string) {
	if path == "" {
		fmt.Println("usage: /file <path>")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("could not read %s: %v\n", path, err)
		return
	}
	if int64(len(data)) > protocol.MaxFrameSize*3/4 {
		fmt.Printf("%s is too large (%s)\n", path, client.FormatBytes(uint64(len(data))))
		return
	}

	mime, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
	payload := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
	if err := c.driver.SendFile(filepath.Base(path), payload); err != nil {
		fmt.Printf("not sent: %v\n", err)
		return
	}
	fmt.Printf("sent %s (%s)\n", filepath.Base(path), client.FormatBytes(uint64(len(data))))
}
