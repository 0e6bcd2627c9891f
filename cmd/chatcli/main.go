package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"courseportal.dev/consult/internal/apperr"
	"courseportal.dev/consult/internal/auth"
	"courseportal.dev/consult/internal/core"
	"courseportal.dev/consult/internal/logging"
	"courseportal.dev/consult/internal/stream"
)

var (
	serverURL string
	authToken string
	sessionID string
	groupID   string
	topic     string
	ragMode   string
	verbose   bool

	boldGreen = color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan  = color.New(color.FgCyan, color.Bold).SprintFunc()
	red       = color.New(color.FgRed).SprintFunc()
	faint     = color.New(color.Faint).SprintFunc()
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatcli",
		Short:         "Talk to the course consultation assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "token" {
				return nil
			}
			if authToken == "" {
				authToken = os.Getenv("CONSULT_TOKEN")
			}
			if authToken == "" {
				return errors.New("a token is required: pass --token or set CONSULT_TOKEN")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CONSULT_SERVER", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token (default $CONSULT_TOKEN)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log stream diagnostics")

	root.AddCommand(askCmd(), chatCmd(), sessionsCmd(), tokenCmd())
	return root
}

func newClient() *stream.Client {
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger := logging.New(level, true).Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	return stream.NewClient(serverURL, authToken, logger)
}

func addChatFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&sessionID, "session", "", "Consultation to continue and save turns into")
	cmd.Flags().StringVar(&groupID, "group", "", "Project group for project-scoped retrieval")
	cmd.Flags().StringVar(&topic, "topic", "", "Topic of the consultation")
	cmd.Flags().StringVar(&ragMode, "rag", "auto", "Retrieval: on, off or auto")
}

func enableRAG() (*bool, error) {
	switch ragMode {
	case "auto", "":
		return nil, nil
	case "on":
		v := true
		return &v, nil
	case "off":
		v := false
		return &v, nil
	default:
		return nil, fmt.Errorf("invalid --rag value %q: want on, off or auto", ragMode)
	}
}

// interruptible returns a context cancelled by Ctrl+C, which aborts the
// running stream.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func askCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rag, err := enableRAG()
			if err != nil {
				return err
			}
			client := newClient()
			ctx, stop := interruptible()
			defer stop()

			history := []core.ChatMessage{{Role: core.RoleUser, Content: strings.Join(args, " ")}}
			_, err = converse(ctx, client, history, rag)
			return err
		},
	}
	addChatFlags(cmd)
	return cmd
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive consultation",
		RunE: func(cmd *cobra.Command, args []string) error {
			rag, err := enableRAG()
			if err != nil {
				return err
			}
			client := newClient()

			fmt.Println(boldGreen("Course consultation"))
			if sessionID != "" {
				fmt.Printf("Session: %s\n", boldCyan(sessionID))
			}
			fmt.Println("Type your question and press Enter. Type 'exit' to quit, Ctrl+C stops an answer.")
			fmt.Println()

			var history []core.ChatMessage
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for {
				fmt.Print(boldGreen("You: "))
				if !scanner.Scan() {
					return scanner.Err()
				}
				input := strings.TrimSpace(scanner.Text())
				if input == "" {
					continue
				}
				if input == "exit" || input == "quit" {
					return nil
				}

				ctx, stop := interruptible()
				next := append(history, core.ChatMessage{Role: core.RoleUser, Content: input})
				answer, err := converse(ctx, client, next, rag)
				stop()

				if err != nil {
					if errors.Is(err, context.Canceled) {
						fmt.Println(faint("\n(stopped)"))
						continue
					}
					fmt.Println(red(err.Error()))
					if apperr.KindOf(err) == apperr.KindLimitReached {
						return nil
					}
					continue
				}
				history = append(next, core.ChatMessage{Role: core.RoleAssistant, Content: answer})
			}
		},
	}
	addChatFlags(cmd)
	return cmd
}

// converse streams one answer and, when a session is set, saves the turn.
// An aborted answer is not saved.
func converse(ctx context.Context, client *stream.Client, history []core.ChatMessage, rag *bool) (string, error) {
	req := &core.ChatRequest{
		Messages:   history,
		SessionID:  sessionID,
		GroupID:    groupID,
		TopicTitle: topic,
		EnableRAG:  rag,
	}

	fmt.Print(boldCyan("Assistant: "))
	answer, err := client.Chat(ctx, req, stream.Handlers{
		OnDelta: func(delta string) { fmt.Print(delta) },
	})
	fmt.Println()
	if err != nil {
		return answer, err
	}

	if sessionID != "" {
		question := history[len(history)-1]
		turn := []core.ChatMessage{question, {Role: core.RoleAssistant, Content: answer}}
		if _, err := client.AppendTurn(context.Background(), sessionID, turn); err != nil {
			return answer, fmt.Errorf("answer received but not saved: %w", err)
		}
	}
	return answer, nil
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage consultations",
	}

	var newTopic, newGroup string
	create := &cobra.Command{
		Use:   "new",
		Short: "Start a consultation",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newClient().CreateSession(cmd.Context(), newTopic, newGroup)
			if err != nil {
				return err
			}
			fmt.Println(session.ID)
			return nil
		},
	}
	create.Flags().StringVar(&newTopic, "topic", "", "Topic of the consultation")
	create.Flags().StringVar(&newGroup, "group", "", "Project group id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List your consultations",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := newClient().ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range sessions {
				title := faint("(untitled)")
				if s.Title != nil {
					title = *s.Title
				}
				fmt.Printf("%s  %s  %s\n", boldCyan(s.ID), s.UpdatedAt.Local().Format(time.DateTime), title)
			}
			return nil
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func tokenCmd() *cobra.Command {
	var secret string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a development token with the server secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return errors.New("--secret or JWT_SECRET is required")
			}
			tok, err := auth.GenerateJWT(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret (default $JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
