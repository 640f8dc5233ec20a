// migconsole is an interactive shell for the Gray Logic MIG gateway. It
// sends commands over MQTT and prints the results.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/mqtt"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	path := defaultConfigPath
	if p := os.Getenv("GRAYLOGIC_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.MQTT.Broker.ClientID += "-console"

	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer client.Close() //nolint:errcheck // exiting

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mig> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("creating readline: %w", err)
	}
	defer rl.Close()

	console := NewConsole(client, rl.Stdout())
	if err := console.Subscribe(); err != nil {
		return err
	}
	console.Execute("help")

	// Readline blocks; closing it on cancellation unblocks the loop.
	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	for {
		rl.SetPrompt(promptFor(console.Domain()))
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}
		if console.Execute(line) {
			return nil
		}
	}
}

func promptFor(domain string) string {
	short := domain
	if i := strings.LastIndex(domain, "."); i >= 0 {
		short = domain[i+1:]
	}
	return "mig:" + strings.ToLower(short) + "> "
}
