package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/client"
)

type rootFlags struct {
	url   string
	token string
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Talk to a chat relay from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.url, "url", envOr("RELAY_URL", "http://localhost:8080"), "relay base URL (RELAY_URL)")
	root.PersistentFlags().StringVar(&f.token, "token", os.Getenv("RELAY_TOKEN"), "bearer token (RELAY_TOKEN)")

	root.AddCommand(newChatCmd(f), newHistoryCmd(f), newNewCmd(f), newTokenCmd())
	return root
}

func newChatCmd(f *rootFlags) *cobra.Command {
	var (
		conversationID string
		model          string
		reconcile      bool
	)
	cmd := &cobra.Command{
		Use:   "chat [prompt...]",
		Short: "Send one prompt and print the streamed reply (Ctrl-C stops it)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if conversationID == "" {
				conversationID = uuid.NewString()
				fmt.Fprintf(cmd.ErrOrStderr(), "conversation %s\n", conversationID)
			}
			out := cmd.OutOrStdout()

			var failure error
			s := client.NewSession(client.Options{
				Client:         client.New(f.url, f.token),
				ConversationID: conversationID,
				Model:          model,
				Reconcile:      reconcile,
				Notifier: client.NotifierFunc(func(title, msg string) {
					failure = fmt.Errorf("%s: %s", title, msg)
				}),
				OnDelta: func(d string) { fmt.Fprint(out, d) },
			})
			if reconcile {
				if err := s.Reload(cmd.Context()); err != nil {
					return err
				}
			}

			// Ctrl-C stops the stream but keeps what was printed
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt)
			defer signal.Stop(sig)
			go func() {
				if _, ok := <-sig; ok {
					s.Stop()
				}
			}()

			res, err := s.Send(cmd.Context(), strings.Join(args, " "))
			fmt.Fprintln(out)
			if err != nil {
				if failure != nil {
					return errors.Join(failure, err)
				}
				return err
			}
			if res.Stopped {
				fmt.Fprintln(cmd.ErrOrStderr(), "(stopped)")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation id (a new one is generated when empty)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "upstream model (server default when empty)")
	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "load the stored history first and re-read it after the reply")
	return cmd
}

func newHistoryCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the stored messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := client.New(f.url, f.token).ListMessages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Local().Format(time.DateTime), m.Role, m.Content)
			}
			return nil
		},
	}
}

func newNewCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "new [title...]",
		Short: "Create a conversation and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := client.New(f.url, f.token).CreateConversation(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		userID string
		email  string
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token signed with the shared secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			tok, err := auth.SignJWT(userID, email, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "principal id (token subject)")
	cmd.Flags().StringVar(&email, "email", "", "optional email claim")
	cmd.Flags().StringVar(&secret, "secret", envOr("JWT_SECRET", "dev-secret-change-me"), "signing secret (JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
