package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tabsync/internal/agent"
	"tabsync/internal/config"
	"tabsync/internal/logging"
)

func main() {
	token := flag.String("token", "", "tab token (random when empty)")
	master := flag.Bool("master", false, "start as the master tab")
	flag.Parse()

	if err := run(*token, *master); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(token string, master bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reload := make(chan string, 1)
	a, err := agent.Start(ctx, agent.Options{
		Config: cfg,
		Token:  token,
		Master: master,
		Out:    os.Stdout,
		Logger: log,
		OnReload: func(remoteVersion string) {
			select {
			case reload <- remoteVersion:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer a.Close()
	fmt.Printf("tab %s ready, type help for commands\n", a.Token())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-reload:
			return fmt.Errorf("version %s took over the session, restart to upgrade", v)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			out, err := a.Exec(ctx, line)
			switch {
			case errors.Is(err, agent.ErrUsage):
				fmt.Println(err)
			case err != nil:
				fmt.Println("error:", err)
			case out != "":
				fmt.Println(out)
			}
		}
	}
}
