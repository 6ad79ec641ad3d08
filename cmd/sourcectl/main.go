package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"ChannelRelay/internal/config"
	"ChannelRelay/internal/domain"
	"ChannelRelay/internal/infrastructure/storage"
	"ChannelRelay/pkg/logger"
)

const usage = `usage: sourcectl <command> [flags]

commands:
  add         register or update a source channel
  deactivate  stop collecting from a source channel
  list        print all registered sources
`

func main() {
	log := logger.New("sourcectl")

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.Load()
	db, err := storage.Open(cfg.Storage.DSN)
	if err != nil {
		log.Fatalf("connect storage: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store := storage.NewPostgres(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	switch os.Args[1] {
	case "add":
		err = runAdd(ctx, store, os.Args[2:])
	case "deactivate":
		err = runDeactivate(ctx, store, os.Args[2:])
	case "list":
		err = runList(ctx, store)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func runAdd(ctx context.Context, store *storage.Postgres, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	chatID := fs.Int64("chat", 0, "source chat id (required)")
	username := fs.String("username", "", "public @username of the channel")
	title := fs.String("title", "", "display title")
	joinLink := fs.String("join", "", "invite link for private channels")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chatID == 0 {
		return fmt.Errorf("missing -chat")
	}

	src := domain.Source{
		ChatID:   *chatID,
		Username: *username,
		Title:    *title,
		JoinLink: *joinLink,
		Active:   true,
		AddedAt:  time.Now(),
	}
	if err := store.Upsert(ctx, src); err != nil {
		return err
	}
	fmt.Printf("source %d registered\n", *chatID)
	return nil
}

func runDeactivate(ctx context.Context, store *storage.Postgres, args []string) error {
	fs := flag.NewFlagSet("deactivate", flag.ExitOnError)
	chatID := fs.Int64("chat", 0, "source chat id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chatID == 0 {
		return fmt.Errorf("missing -chat")
	}

	if err := store.Deactivate(ctx, *chatID); err != nil {
		return err
	}
	fmt.Printf("source %d deactivated\n", *chatID)
	return nil
}

func runList(ctx context.Context, store *storage.Postgres) error {
	sources, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Println("no sources registered")
		return nil
	}
	for _, src := range sources {
		state := "active"
		if !src.Active {
			state = "inactive"
		}
		fmt.Printf("%d\t%s\t%s\t%s\n", src.ChatID, state, src.Username, src.Title)
	}
	return nil
}
