package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/feedstream"
	"github.com/go-go-golems/parley/pkg/identity"
	"github.com/go-go-golems/parley/pkg/session"
	"github.com/go-go-golems/parley/pkg/store"
)

type chatConfig struct {
	DB         string              `yaml:"db"`
	User       string              `yaml:"user"`
	Timeout    time.Duration       `yaml:"timeout"`
	ReplyDelay time.Duration       `yaml:"reply-delay"`
	Feed       feedstream.Settings `yaml:"feed"`
}

func loadChatConfig(path string) (chatConfig, error) {
	cfg := chatConfig{
		User:       "local",
		Timeout:    session.DefaultResponseTimeout,
		ReplyDelay: 700 * time.Millisecond,
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

func newChatCommand() *cobra.Command {
	var (
		configPath    string
		dbPath        string
		userID        string
		timeout       time.Duration
		replyDelay    time.Duration
		redisEnabled  bool
		redisAddr     string
		redisGroup    string
		redisConsumer string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session on the terminal",
		Long: `Runs a full chat session against a local conversation store.

Type a line to send it as a message. Commands:
  /new [title]          create a chat and switch to it
  /list                 list chats, newest first
  /select <chat-id>     switch the active chat
  /rename <id> <title>  rename a chat
  /delete [chat-id]     delete a chat (default: the active one)
  /title [chat-id]      infer a title from the conversation
  /retry <message-id>   re-send a failed message
  /search <query>       search chats by title and content
  /quit                 sign out and exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadChatConfig(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("db") {
				cfg.DB = dbPath
			}
			if flags.Changed("user") {
				cfg.User = userID
			}
			if flags.Changed("timeout") {
				cfg.Timeout = timeout
			}
			if flags.Changed("reply-delay") {
				cfg.ReplyDelay = replyDelay
			}
			if flags.Changed("redis") {
				cfg.Feed.Enabled = redisEnabled
			}
			if flags.Changed("redis-addr") {
				cfg.Feed.Addr = redisAddr
			}
			if flags.Changed("redis-group") {
				cfg.Feed.Group = redisGroup
			}
			if flags.Changed("redis-consumer") {
				cfg.Feed.Consumer = redisConsumer
			}
			return runChat(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (empty runs in memory)")
	cmd.Flags().StringVar(&userID, "user", "local", "user id for this session")
	cmd.Flags().DurationVar(&timeout, "timeout", session.DefaultResponseTimeout, "assistant response timeout")
	cmd.Flags().DurationVar(&replyDelay, "reply-delay", 700*time.Millisecond, "simulated assistant reply latency")
	cmd.Flags().BoolVar(&redisEnabled, "redis", false, "deliver change feeds over Redis Streams")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address for change feeds")
	cmd.Flags().StringVar(&redisGroup, "redis-group", "parley", "Redis Streams consumer group")
	cmd.Flags().StringVar(&redisConsumer, "redis-consumer", "", "Redis Streams consumer name")
	return cmd
}

func runChat(parent context.Context, cfg chatConfig) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pubsub, err := feedstream.BuildPubSub(cfg.Feed)
	if err != nil {
		return err
	}
	defer func() {
		if err := pubsub.Close(); err != nil {
			log.Warn().Err(err).Msg("closing feed pub/sub")
		}
	}()
	if cfg.Feed.Enabled {
		if err := feedstream.EnsureGroupAtTail(ctx, cfg.Feed.Addr, feedstream.ChatsTopic(cfg.User), cfg.Feed.Group); err != nil {
			return err
		}
	}

	var client store.Client
	if cfg.DB != "" {
		s, err := store.NewSQLiteStore(cfg.DB, pubsub,
			store.WithSQLiteResponder(store.NewCannedResponder()),
			store.WithSQLiteReplyDelay(cfg.ReplyDelay))
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("closing store")
			}
		}()
		client = s
	} else {
		client = store.NewMemoryStore(pubsub,
			store.WithResponder(store.NewCannedResponder()),
			store.WithReplyDelay(cfg.ReplyDelay))
	}

	out := bufio.NewWriter(os.Stdout)
	printf := func(format string, args ...any) {
		fmt.Fprintf(out, format+"\n", args...)
		_ = out.Flush()
	}

	ctl, err := session.New(session.Config{
		Store:           client,
		Identity:        identity.NewStatic(cfg.User),
		ResponseTimeout: cfg.Timeout,
		OnNotice: func(n session.Notice) {
			printf("! %s", n.Text)
		},
		OnTyping: func(chatID string, typing bool) {
			if typing {
				printf("… assistant is typing")
			}
		},
	})
	if err != nil {
		return err
	}
	defer ctl.Close()

	if err := ctl.Start(ctx); err != nil {
		return err
	}
	printActive(printf, ctl.Snapshot())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	g.Go(func() error {
		defer stop()
		return inputLoop(ctx, ctl, printf)
	})
	return g.Wait()
}

type printFunc func(format string, args ...any)

func inputLoop(ctx context.Context, ctl *session.Controller, printf printFunc) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	printf("> type a message, or /help for commands")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if _, err := ctl.SendMessage(line); err != nil {
				printf("! %v", err)
			} else {
				// give the reply feed a beat before the next prompt
				waitForIdle(ctx, ctl)
				printMessages(printf, ctl.Snapshot())
			}
			continue
		}
		if done := runCommand(ctx, ctl, printf, line); done {
			return nil
		}
	}
	return scanner.Err()
}

func runCommand(ctx context.Context, ctl *session.Controller, printf printFunc, line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		if err := ctl.SignOut(ctx); err != nil {
			printf("! sign out: %v", err)
		}
		return true
	case "/new":
		if _, err := ctl.CreateChat(rest); err != nil {
			printf("! %v", err)
		} else {
			printActive(printf, ctl.Snapshot())
		}
	case "/list":
		printChats(printf, ctl.Snapshot().Chats)
	case "/select":
		ctl.SelectChat(rest)
		printActive(printf, ctl.Snapshot())
	case "/rename":
		id, title, _ := strings.Cut(rest, " ")
		if err := ctl.RenameChat(id, strings.TrimSpace(title)); err != nil {
			printf("! %v", err)
		}
	case "/delete":
		id := rest
		if id == "" {
			id = ctl.Snapshot().ActiveChatID
		}
		if err := ctl.DeleteChat(id); err != nil {
			printf("! %v", err)
		} else {
			printActive(printf, ctl.Snapshot())
		}
	case "/title":
		id := rest
		if id == "" {
			id = ctl.Snapshot().ActiveChatID
		}
		title, err := ctl.GenerateTitle(id)
		if err != nil {
			printf("! %v", err)
		} else {
			printf("= %s", title)
		}
	case "/retry":
		if _, err := ctl.RetryMessage(rest); err != nil {
			printf("! %v", err)
		}
	case "/search":
		printChats(printf, ctl.SearchChats(rest))
	case "/messages":
		printMessages(printf, ctl.Snapshot())
	case "/help":
		printf("commands: /new /list /select /rename /delete /title /retry /search /messages /quit")
	default:
		printf("! unknown command %s", cmd)
	}
	return false
}

// waitForIdle blocks until the active chat's response awaiter settles, so the
// reply shows up before the next prompt.
func waitForIdle(ctx context.Context, ctl *session.Controller) {
	active := ctl.Snapshot().ActiveChatID
	for {
		a, ok := ctl.Awaiter(active)
		if !ok || a.State() != session.AwaiterArmed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func printActive(printf printFunc, snap session.Snapshot) {
	if ch, ok := activeChat(snap); ok {
		printf("* %s (%s)", ch.Title, ch.ID)
	}
}

func activeChat(snap session.Snapshot) (chat.Chat, bool) {
	for _, ch := range snap.Chats {
		if ch.ID == snap.ActiveChatID {
			return ch, true
		}
	}
	return chat.Chat{}, false
}

func printChats(printf printFunc, chats []chat.Chat) {
	for _, ch := range chats {
		preview := ""
		if ch.LastMessage != nil {
			preview = " | " + truncateLine(ch.LastMessage.Content, 40)
		}
		printf("  %s  %s%s", ch.ID, ch.Title, preview)
	}
	if len(chats) == 0 {
		printf("  (no chats)")
	}
}

func printMessages(printf printFunc, snap session.Snapshot) {
	for _, m := range snap.ActiveMessages() {
		marker := ""
		switch m.Delivery {
		case chat.DeliverySending:
			marker = " [sending]"
		case chat.DeliveryFailed:
			marker = " [failed: " + m.ID + "]"
		}
		printf("%s %s: %s%s", m.CreatedAt.Format("15:04:05"), m.Role, m.Content, marker)
	}
}

func truncateLine(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
