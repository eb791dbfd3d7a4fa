package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	talkweave "github.com/TalkWeave-HQ/TalkWeave/sdk/golang"
)

var (
	historyLimit int
	sendReplyTo  string
	uploadMime   string
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Messages per page")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message id to reply to")
	uploadCmd.Flags().StringVar(&uploadMime, "mime", "", "MIME type (default: from extension)")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(contactsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return err
		}
		for _, c := range convs {
			pin := " "
			if c.Pinned {
				pin = "*"
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d)", c.UnreadCount)
			}
			fmt.Printf("%s %-24s %-9s %s%s\n", pin, c.ID, c.Kind, c.Title, unread)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := client.Messages.History(ctx, args[0], "", historyLimit)
		if err != nil {
			return err
		}
		for _, m := range page.Messages {
			printMessage(m)
		}
		if page.HasMore {
			fmt.Printf("... more (cursor %s)\n", page.Cursor)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message and wait for server confirmation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		engine := talkweave.NewEngine(client, &talkweave.Config{AutoReconnect: false})
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := engine.Connect(ctx, identity(cfg)); err != nil {
			return err
		}

		confirmed := make(chan *talkweave.Message, 1)
		sub := engine.On(talkweave.EngineMessageReconciled, func(_ string, payload any) {
			if m, ok := payload.(*talkweave.Message); ok {
				select {
				case confirmed <- m:
				default:
				}
			}
		})
		defer sub.Off()

		body := strings.Join(args[1:], " ")
		msg, err := engine.SendText(ctx, args[0], body, sendReplyTo)
		if err != nil {
			return err
		}

		select {
		case m := <-confirmed:
			fmt.Printf("Sent %s\n", m.ID)
		case <-ctx.Done():
			return fmt.Errorf("no confirmation for %s: %w", msg.ProvisionalID, ctx.Err())
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Stream live events, optionally scoped to one conversation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		engine := talkweave.NewEngine(client, &talkweave.Config{AutoReconnect: true})
		defer engine.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := engine.Connect(ctx, identity(cfg)); err != nil {
			return err
		}
		if len(args) == 1 {
			if err := engine.OpenConversation(ctx, args[0]); err != nil {
				return err
			}
		} else {
			convs, err := client.Conversations.List(ctx)
			if err != nil {
				return err
			}
			for _, c := range convs {
				if err := engine.OpenConversation(ctx, c.ID); err != nil {
					return err
				}
			}
		}

		sub := engine.OnAny(func(event string, payload any) {
			switch event {
			case talkweave.EngineMessageCreated, talkweave.EngineMessageReconciled:
				if m, ok := payload.(*talkweave.Message); ok {
					printMessage(m)
					return
				}
			case talkweave.EngineTypingChanged:
				if t, ok := payload.(talkweave.TypingChange); ok && len(t.Users) > 0 {
					fmt.Printf("-- typing in %s: %s\n", t.ConversationID, strings.Join(t.Users, ", "))
					return
				}
			}
			fmt.Printf("-- %s\n", event)
		})
		defer sub.Off()

		fmt.Println("Watching... Ctrl-C to stop.")
		<-ctx.Done()
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <conversation-id> <file>",
	Short: "Send a file attachment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		mimeType := uploadMime
		if mimeType == "" {
			mimeType = mime.TypeByExtension(filepath.Ext(args[1]))
		}
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		client, cfg := getClient()
		engine := talkweave.NewEngine(client, &talkweave.Config{AutoReconnect: false})
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if err := engine.Connect(ctx, identity(cfg)); err != nil {
			return err
		}

		done := make(chan *talkweave.Message, 1)
		failed := make(chan *talkweave.Message, 1)
		subOK := engine.On(talkweave.EngineMessageReconciled, func(_ string, payload any) {
			if m, ok := payload.(*talkweave.Message); ok {
				select {
				case done <- m:
				default:
				}
			}
		})
		defer subOK.Off()
		subFail := engine.On(talkweave.EngineMessageFailed, func(_ string, payload any) {
			if m, ok := payload.(*talkweave.Message); ok {
				select {
				case failed <- m:
				default:
				}
			}
		})
		defer subFail.Off()

		meta := talkweave.AttachmentMeta{
			FileName: filepath.Base(args[1]),
			MimeType: mimeType,
			Size:     int64(len(data)),
		}
		if _, err := engine.UploadAttachment(ctx, args[0], data, meta, func(p talkweave.TransferProgress) {
			fmt.Printf("\r%d/%d chunks (%.0f%%)", p.ChunksAcked, p.TotalChunks, p.Fraction*100)
		}); err != nil {
			return err
		}

		select {
		case m := <-done:
			fmt.Printf("\nUploaded %s as %s\n", meta.FileName, m.ID)
			return nil
		case m := <-failed:
			fmt.Println()
			return fmt.Errorf("upload failed: %s", m.FailReason)
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		contacts, err := client.Contacts.List(ctx)
		if err != nil {
			return err
		}
		for _, c := range contacts {
			name := c.DisplayName
			if name == "" {
				name = c.Username
			}
			fmt.Printf("%-20s %-24s %s\n", c.Username, c.UserID, name)
		}
		return nil
	},
}

func printMessage(m *talkweave.Message) {
	ts := m.CreatedAt.Local().Format("15:04:05")
	switch {
	case m.System:
		fmt.Printf("[%s] -- %s\n", ts, m.Body)
	case m.Deleted:
		fmt.Printf("[%s] %s: (deleted)\n", ts, m.SenderID)
	case m.Attachment != nil:
		fmt.Printf("[%s] %s: [file] %s\n", ts, m.SenderID, m.Attachment.FileName)
	default:
		edited := ""
		if m.Edited {
			edited = " (edited)"
		}
		fmt.Printf("[%s] %s: %s%s\n", ts, m.SenderID, m.Body, edited)
	}
}
