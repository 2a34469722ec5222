package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/folkengine/goname"
	"github.com/genzplug/fanout"
	"github.com/genzplug/fanout/client"
	"github.com/genzplug/fanout/config"
	"github.com/genzplug/fanout/registry"
	"github.com/genzplug/fanout/router"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// A small CLI for checking a running fanout server.

var (
	serverURL  string
	configPath string
	username   string
	verbose    bool
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "failed to load .env:", err)
	}

	var rootCmd = &cobra.Command{
		Use:          "fanoutctl",
		Short:        "Check and chat with a fanout server",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "url", "u", "http://localhost:3001", "server base url")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection details to stderr")

	var cmdHealth = &cobra.Command{
		Use:   "health",
		Short: "Print the server health report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), cmd.OutOrStdout())
		},
	}

	var cmdChat = &cobra.Command{
		Use:   "chat [room id]",
		Short: "Join a chat room and send stdin lines as messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmdChat.Flags().StringVarP(&username, "username", "n", "", "display name, a random one when empty")

	rootCmd.AddCommand(cmdHealth, cmdChat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runHealth(ctx context.Context, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %s", resp.Status)
	}

	var report fanout.HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("malformed health report: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		fanout.HealthReport
		Latency int64 `json:"latencyMs"`
	}{report, time.Since(start).Milliseconds()})
}

func runChat(ctx context.Context, roomID string, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return err
	}

	logger := zerolog.Nop()
	if verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	c, err := client.New(&client.Config{
		URL:         serverURL,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		MinDelay:    cfg.Reconnect.MinDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
		Jitter:      cfg.Reconnect.Jitter,
		Logger:      &logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if username == "" {
		username = goname.New(goname.FantasyMap).FirstLast()
	}
	userID := uuid.NewString()

	c.OnStatus(func(s client.Status) {
		fmt.Fprintf(out, "* %s\n", s)
	})
	c.On(router.OutChatHistory, func(args []interface{}) {
		var history []registry.ChatMessage
		if len(args) == 0 || client.Decode(args[0], &history) != nil {
			return
		}
		fmt.Fprintf(out, "* %d messages in %s\n", len(history), roomID)
		for _, msg := range history {
			printMessage(out, msg)
		}
	})
	c.OnChatMessage(func(msg registry.ChatMessage) {
		printMessage(out, msg)
	})
	c.OnError(func(message string) {
		fmt.Fprintf(out, "! %s\n", message)
	})

	if err := c.JoinChatRoom(roomID, username); err != nil {
		return err
	}
	c.Connect()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			err := c.SendMessage(router.MessageRequest{
				Message:  line,
				UserID:   userID,
				Username: username,
				RoomID:   roomID,
			})
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

func printMessage(out io.Writer, msg registry.ChatMessage) {
	fmt.Fprintf(out, "[%s] %s: %s\n", msg.Timestamp.Local().Format(time.Kitchen), msg.Username, msg.Message)
}
