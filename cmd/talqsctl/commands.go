package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"talqs/internal/util"
	"talqs/pkg/domain"
	"talqs/pkg/fingerprint"
	"talqs/pkg/identity"
	"talqs/pkg/localstate"
	"talqs/pkg/reconcile"
)

// clientIDKey holds this installation's X-Client-ID in the state file.
const clientIDKey = "clientId"

type cliOptions struct {
	ServerURL string
	StatePath string
	UserID    string
	Out       io.Writer
}

type cli struct {
	api      *apiClient
	cache    *localstate.Cache
	userID   string
	clientID string
	state    string
	out      io.Writer
}

func newCLI(ctx context.Context, opts cliOptions) (*cli, error) {
	kv := localstate.NewFileKV(opts.StatePath)
	clientID, ok, err := kv.Get(ctx, clientIDKey)
	if err != nil {
		return nil, fmt.Errorf("open local state: %w", err)
	}
	if !ok || clientID == "" {
		clientID = util.NewClientID()
		if err := kv.Set(ctx, clientIDKey, clientID); err != nil {
			return nil, fmt.Errorf("save client id: %w", err)
		}
	}
	cache := localstate.NewCache(kv)
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		userID = (&identity.FallbackSource{}).Ensure(ctx, cache)
	}
	return &cli{
		api:      newAPIClient(opts.ServerURL, userID, clientID),
		cache:    cache,
		userID:   userID,
		clientID: clientID,
		state:    opts.StatePath,
		out:      opts.Out,
	}, nil
}

func (c *cli) whoami(ctx context.Context) error {
	fmt.Fprintf(c.out, "user:   %s\n", c.userID)
	fmt.Fprintf(c.out, "name:   %s\n", c.cache.DisplayName(ctx, c.userID))
	fmt.Fprintf(c.out, "client: %s\n", c.clientID)
	fmt.Fprintf(c.out, "state:  %s\n", c.state)
	if doc, ok, err := c.cache.CurrentDocument(ctx); err == nil && ok {
		fmt.Fprintf(c.out, "document: %s (%s)\n", doc.Name, doc.Fingerprint)
	}
	return nil
}

func (c *cli) upload(ctx context.Context, path string) error {
	res, err := c.api.Upload(ctx, path)
	if err != nil {
		return err
	}
	meta := domain.DocumentMetadata{
		Fingerprint:     res.Document.Fingerprint,
		Name:            res.Document.Name,
		Size:            res.Document.Size,
		UploadTimestamp: res.Document.UploadTimestamp,
	}
	if err := c.cache.SetCurrentDocument(ctx, meta); err != nil {
		util.LoggerFromContext(ctx).Warn("save current document failed", "err", err)
	}
	fmt.Fprintf(c.out, "document:     %s\n", res.Document.Name)
	fmt.Fprintf(c.out, "fingerprint:  %s\n", res.Document.Fingerprint)
	fmt.Fprintf(c.out, "conversation: %s\n", res.ConversationID)
	fmt.Fprintf(c.out, "summary (%s):\n%s\n", res.SummaryMethod, res.Summary)
	return nil
}

func (c *cli) ask(ctx context.Context, question, fp string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return usageError("ask [-fingerprint FP] <question>")
	}
	res, err := c.api.Ask(ctx, question, fp)
	if err != nil {
		return err
	}

	ref := domain.ConversationRef{
		ConversationID:      res.ConversationID,
		DocumentID:          fingerprint.DocumentID(res.Fingerprint),
		DocumentName:        res.DocumentName,
		DocumentFingerprint: res.Fingerprint,
	}
	if cur, ok, err := c.cache.CurrentDocument(ctx); err == nil && ok && cur.Fingerprint == res.Fingerprint {
		ref.UploadTimestamp = cur.UploadTimestamp
	}
	now := time.Now().UTC()
	for _, msg := range []domain.Message{
		{Role: domain.RoleUser, Content: question, Timestamp: now},
		{Role: domain.RoleAI, Content: res.Answer, Timestamp: now},
	} {
		if _, err := c.cache.AppendMessage(ctx, c.userID, ref, msg); err != nil {
			util.LoggerFromContext(ctx).Warn("save message locally failed", "err", err)
			break
		}
	}

	fmt.Fprintln(c.out, res.Answer)
	if res.Note != "" {
		fmt.Fprintf(c.out, "\nnote: %s\n", res.Note)
	}
	return nil
}

func (c *cli) history(ctx context.Context, fp string) error {
	res := reconcile.Reconciler{Local: c.cache, Remote: c.api}.Reconcile(ctx, c.userID)
	if res.RemoteFailed {
		fmt.Fprintln(c.out, "server unreachable, showing local history")
	} else if err := c.cache.ReplaceUserConversations(ctx, c.userID, res.Conversations); err != nil {
		util.LoggerFromContext(ctx).Warn("update local history failed", "err", err)
	}
	shown := 0
	for _, conv := range res.Conversations {
		if fp != "" && conv.DocumentFingerprint != fp {
			continue
		}
		shown++
		fmt.Fprintf(c.out, "%s\t%s\t%d messages\t%s\n",
			reconcile.Key(conv), conv.DocumentName, len(conv.Messages), conv.UpdatedAt.Local().Format(time.DateTime))
	}
	if shown == 0 {
		fmt.Fprintln(c.out, "no conversations")
	}
	return nil
}

func (c *cli) deleteConversation(ctx context.Context, id string) error {
	remote, remoteErr := c.api.DeleteConversation(ctx, id)
	local, err := c.cache.RemoveConversation(ctx, c.userID, id)
	if err != nil {
		return fmt.Errorf("remove local conversation: %w", err)
	}
	if remoteErr != nil {
		if !local {
			return remoteErr
		}
		util.LoggerFromContext(ctx).Warn("server delete failed, removed locally", "conversation_id", id, "err", remoteErr)
	}
	if !remote && !local {
		return fmt.Errorf("conversation %s not found", id)
	}
	fmt.Fprintf(c.out, "deleted %s\n", id)
	return nil
}

func (c *cli) deleteAll(ctx context.Context) error {
	local, err := c.cache.RemoveUserConversations(ctx, c.userID)
	if err != nil {
		return fmt.Errorf("clear local history: %w", err)
	}
	remote, remoteErr := c.api.DeleteAll(ctx)
	if remoteErr != nil {
		fmt.Fprintf(c.out, "deleted %d local conversations\n", local)
		return fmt.Errorf("server delete failed: %w", remoteErr)
	}
	fmt.Fprintf(c.out, "deleted %d conversations on the server, %d local\n", remote, local)
	return nil
}

var errBadTheme = errors.New("theme must be light, dark or system")

func (c *cli) theme(ctx context.Context, value string) error {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		theme, err := c.cache.Theme(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, theme)
		return nil
	}
	switch value {
	case "light", "dark", "system":
	default:
		return errBadTheme
	}
	if err := c.cache.SetTheme(ctx, value); err != nil {
		return err
	}
	fmt.Fprintln(c.out, value)
	return nil
}
