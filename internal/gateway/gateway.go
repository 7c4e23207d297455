// Package gateway wires the mail-access subsystems (connection pool,
// IMAP session layer, move engine, cache, outbox, attachment store)
// into the tool registry every front-end (REST, MCP over HTTP, MCP
// over stdio) dispatches through. It is the one place that knows
// about every subsystem at once; front-ends only know dispatch.Registry.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rustymail/mailgw/internal/account"
	"github.com/rustymail/mailgw/internal/attachstore"
	"github.com/rustymail/mailgw/internal/cache"
	"github.com/rustymail/mailgw/internal/dispatch"
	"github.com/rustymail/mailgw/internal/eventbus"
	"github.com/rustymail/mailgw/internal/imapsession"
	"github.com/rustymail/mailgw/internal/moveengine"
	"github.com/rustymail/mailgw/internal/outbox"
	"github.com/rustymail/mailgw/internal/pool"
	"github.com/rustymail/mailgw/internal/smtpsend"
	"github.com/rustymail/mailgw/internal/validate"
)

// Gateway holds every long-lived subsystem a tool handler might need.
type Gateway struct {
	Accounts *account.Registry
	Pools    *pool.Manager
	Cache    *cache.Store
	Moves    *moveengine.Engine
	Outbox   *outbox.Queue
	Attach   *attachstore.Store
	Bus      *eventbus.Bus
	Logger   *slog.Logger
}

// Register adds every REST/MCP tool this gateway exposes to reg.
func (g *Gateway) Register(reg *dispatch.Registry) {
	reg.Register(dispatch.Tool{Name: "list_folders", Scope: dispatch.ScopeRead, Handler: g.listFolders})
	reg.Register(dispatch.Tool{Name: "create_folder", Scope: dispatch.ScopeWrite, Handler: g.createFolder})
	reg.Register(dispatch.Tool{Name: "delete_folder", Scope: dispatch.ScopeWrite, Handler: g.deleteFolder})
	reg.Register(dispatch.Tool{Name: "rename_folder", Scope: dispatch.ScopeWrite, Handler: g.renameFolder})
	reg.Register(dispatch.Tool{Name: "folder_stats", Scope: dispatch.ScopeRead, Handler: g.folderStats})

	reg.Register(dispatch.Tool{Name: "list_messages", Scope: dispatch.ScopeRead, Handler: g.listMessages})
	reg.Register(dispatch.Tool{Name: "list_unread", Scope: dispatch.ScopeRead, Handler: g.listUnread})
	reg.Register(dispatch.Tool{Name: "search_messages", Scope: dispatch.ScopeRead, Handler: g.searchMessages})
	reg.Register(dispatch.Tool{Name: "read_message", Scope: dispatch.ScopeRead, Handler: g.readMessage})
	reg.Register(dispatch.Tool{Name: "mark_messages", Scope: dispatch.ScopeWrite, Handler: g.markMessages})
	reg.Register(dispatch.Tool{Name: "move_messages", Scope: dispatch.ScopeWrite, Handler: g.moveMessages})
	reg.Register(dispatch.Tool{Name: "delete_message", Scope: dispatch.ScopeWrite, Handler: g.deleteMessage})
	reg.Register(dispatch.Tool{Name: "append_message", Scope: dispatch.ScopeWrite, Handler: g.appendMessage})

	reg.Register(dispatch.Tool{Name: "send_message", Scope: dispatch.ScopeSend, Handler: g.sendMessage})
	reg.Register(dispatch.Tool{Name: "outbox_status", Scope: dispatch.ScopeSend, Handler: g.outboxStatus})

	reg.Register(dispatch.Tool{Name: "list_attachments", Scope: dispatch.ScopeRead, Handler: g.listAttachments})

	reg.Register(dispatch.Tool{Name: "account_status", Scope: dispatch.ScopeAdmin, Handler: g.accountStatus})
	reg.Register(dispatch.Tool{Name: "recent_moves", Scope: dispatch.ScopeAdmin, Handler: g.recentMoves})
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) > 0 {
		if err := json.Unmarshal(params, &v); err != nil {
			return v, dispatch.NewError(dispatch.KindValidation, "invalid parameters: "+err.Error(), nil)
		}
	}
	return v, nil
}

// validateFolders runs every given folder name through the adapter-
// ingress whitelist (internal/validate), rejecting the request with
// *-32602 invalid params* before any IMAP round-trip is attempted
// rather than letting a traversal attempt reach the wire.
func validateFolders(names ...string) error {
	for _, n := range names {
		if err := validate.FolderName(n); err != nil {
			return dispatch.NewError(dispatch.KindValidation, err.Error(), nil)
		}
	}
	return nil
}

func (g *Gateway) withSession(ctx context.Context, accountID string, fn func(sess *imapsession.Session) (any, error)) (any, error) {
	if accountID == "" {
		return nil, dispatch.NewError(dispatch.KindValidation, "account_id is required", nil)
	}
	pool, err := g.Pools.For(accountID)
	if err != nil {
		return nil, dispatch.NewError(dispatch.KindNotFound, err.Error(), nil)
	}
	sess, err := pool.Acquire(ctx)
	if err != nil {
		return nil, dispatch.NewError(dispatch.KindUpstream, fmt.Sprintf("acquire IMAP session: %v", err), nil)
	}
	defer pool.Release(sess)
	return fn(sess)
}

type folderParams struct {
	Folder string `json:"folder"`
}

func (g *Gateway) listFolders(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	return g.withSession(ctx, accountID, func(sess *imapsession.Session) (any, error) {
		folders, err := sess.ListFolders(ctx)
		if err != nil {
			return nil, dispatch.NewError(dispatch.KindUpstream, err.Error(), nil)
		}
		return map[string]any{"folders": folders}, nil
	})
}

func (g *Gateway) createFolder(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[folderParams](params)
	if err != nil {
		return nil, err
	}
	if err := validateFolders(p.Folder); err != nil {
		return nil, err
	}
	_, ferr := g.withSession(ctx, accountID, func(sess *imapsession.Session) (any, error) {
		if err := sess.CreateFolder(ctx, p.Folder); err != nil {
			if err == imapsession.ErrFolderExists {
				return nil, dispatch.NewError(dispatch.KindConflict, "folder already exists: "+p.Folder, nil)
			}
			return nil, dispatch.NewError(dispatch.KindUpstream, err.Error(), nil)
		}
		return nil, nil
	})
	if ferr != nil {
		return nil, ferr
	}
	return map[string]string{"status": "ok"}, nil
}

func (g *Gateway) deleteFolder(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[folderParams](params)
	if err != nil {
		return nil, err
	}
	if err := validateFolders(p.Folder); err != nil {
		return nil, err
	}
	_, ferr := g.withSession(ctx, accountID, func(sess *imapsession.Session) (any, error) {
		if err := sess.DeleteFolder(ctx, p.Folder); err != nil {
			if err == imapsession.ErrFolderNotEmpty {
				return nil, dispatch.NewError(dispatch.KindConflict, "folder not empty: "+p.Folder, nil)
			}
			return nil, dispatch.NewError(dispatch.KindUpstream, err.Error(), nil)
		}
		return nil, nil
	})
	if ferr != nil {
		return nil, ferr
	}
	return map[string]string{"status": "ok"}, nil
}

type renameFolderParams struct {
	Folder  string `json:"folder"`
	NewName string `json:"new_name"`
}

func (g *Gateway) renameFolder(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[renameFolderParams](params)
	if err != nil {
		return nil, err
	}
	if err := validateFolders(p.Folder, p.NewName); err != nil {
		return nil, err
	}
	_, ferr := g.withSession(ctx, accountID, func(sess *imapsession.Session) (any, error) {
		if err := sess.RenameFolder(ctx, p.Folder, p.NewName); err != nil {
			return nil, dispatch.NewError(dispatch.KindUpstream, err.Error(), nil)
		}
		return nil, nil
	})
	if ferr != nil {
		return nil, ferr
	}
	return map[string]string{"status": "ok"}, nil
}

type appendParams struct {
	Folder  string   `json:"folder"`
	Raw     string   `json:"raw"` // base64-encoded RFC 822 message; if empty, composed from Subject/Body/To
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	To      []string `json:"to"`
}

func (g *Gateway) appendMessage(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[appendParams](params)
	if err != nil {
		return nil, err
	}
	if err := validateFolders(p.Folder); err != nil {
		return nil, err
	}
	var raw []byte
	if p.Raw != "" {
		decoded, decErr := decodeBase64(p.Raw)
		if decErr != nil {
			return nil, dispatch.NewError(dispatch.KindValidation, "raw must be base64-encoded: "+decErr.Error(), nil)
		}
		raw = decoded
	} else {
		composed, compErr := smtpsend.ComposeMessage(smtpsend.ComposeOptions{From: accountID, To: p.To, Subject: p.Subject, Body: p.Body})
		if compErr != nil {
			return nil, dispatch.NewError(dispatch.KindValidation, compErr.Error(), nil)
		}
		raw = composed
	}
	_, ferr := g.withSession(ctx, accountID, func(sess *imapsession.Session) (any, error) {
		if err := sess.AppendMessage(ctx, p.Folder, raw, nil); err != nil {
			return nil, dispatch.NewError(dispatch.KindUpstream, err.Error(), nil)
		}
		return nil, nil
	})
	if ferr != nil {
		return nil, ferr
	}
	return map[string]string{"status": "ok"}, nil
}

func (g *Gateway) folderStats(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[folderParams](params)
	if err != nil {
		return nil, err
	}
	if err := validateFolders(p.Folder); err != nil {
		return nil, err
	}
	return g.withSession(ctx, accountID, func(sess *imapsession.Session) (any, error) {
		folders, err := sess.ListFolders(ctx)
		if err != nil {
			return nil, dispatch.NewError(dispatch.KindUpstream, err.Error(), nil)
		}
		for _, f := range folders {
			if f.Name == p.Folder {
				return f, nil
			}
		}
		return nil, dispatch.NewError(dispatch.KindNotFound, "folder not found: "+p.Folder, nil)
	})
}

type listParams struct {
	Folder   string `json:"folder"`
	Limit    int    `json:"limit"`
	SinceUID uint32 `json:"since_uid"`
}

func (g *Gateway) listMessages(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[listParams](params)
	if err != nil {
		return nil, err
	}
	if err := validateFolders(p.Folder); err != nil {
		return nil, err
	}
	return g.withSession(ctx, accountID, func(sess *imapsession.Session) (any, error) {
		envs, err := sess.ListMessages(ctx, imapsession.ListOptions{Folder: p.Folder, Limit: p.Limit, SinceUID: p.SinceUID})
		if err != nil {
			return nil, dispatch.NewError(dispatch.KindUpstream, err.Error(), nil)
		}
		return map[string]any{"messages": envs}, nil
	})
}

func (g *Gateway) listUnread(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[listParams](params)
	if err != nil {
		return nil, err
	}
	if err := validateFolders(p.Folder); err != nil {
		return nil, err
	}
	return g.withSession(ctx, accountID, func(sess *imapsession.Session) (any, error) {
		envs, err := sess.ListMessages(ctx, imapsession.ListOptions{Folder: p.Folder, Limit: p.Limit, Unseen: true})
		if err != nil {
			return nil, dispatch.NewError(dispatch.KindUpstream, err.Error(), nil)
		}
		return map[string]any{"messages": envs}, nil
	})
}

type searchParams struct {
	Folder   string `json:"folder"`
	Query    string `json:"query"`
	Limit    int    `json:"limit"`
	UseCache bool   `json:"use_cache"`
}

func (g *Gateway) searchMessages(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[searchParams](params)
	if err != nil {
		return nil, err
	}
	if !p.UseCache {
		if err := validateFolders(p.Folder); err != nil {
			return nil, err
		}
	}
	if p.UseCache {
		rows, err := g.Cache.SearchText(ctx, accountID, p.Query, p.Limit)
		if err != nil {
			return nil, dispatch.NewError(dispatch.KindInternal, err.Error(), nil)
		}
		return map[string]any{"messages": rows}, nil
	}
	return g.withSession(ctx, accountID, func(sess *imapsession.Session) (any, error) {
		envs, err := sess.SearchMessages(ctx, imapsession.SearchOptions{
			Folder:   p.Folder,
			Criteria: imapsession.Or(imapsession.Body(p.Query), imapsession.Header("Subject", p.Query)),
			Limit:    p.Limit,
		})
		if err != nil {
			return nil, dispatch.NewError(dispatch.KindUpstream, err.Error(), nil)
		}
		return map[string]any{"messages": envs}, nil
	})
}

type readParams struct {
	Folder string `json:"folder"`
	UID    uint32 `json:"uid"`
}

func (g *Gateway) readMessage(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[readParams](params)
	if err != nil {
		return nil, err
	}
	if err := validateFolders(p.Folder); err != nil {
		return nil, err
	}
	return g.withSession(ctx, accountID, func(sess *imapsession.Session) (any, error) {
		msg, err := sess.ReadMessage(ctx, p.Folder, p.UID)
		if err != nil {
			return nil, dispatch.NewError(dispatch.KindUpstream, err.Error(), nil)
		}
		g.materializeAttachments(ctx, accountID, p.Folder, msg)
		return msg, nil
	})
}

// materializeAttachments persists every attachment ReadMessage decoded
// in memory to internal/attachstore and indexes it in the cache's
// attachments table, so list_attachments and the REST download routes
// have something to serve back. A save failure is logged and skipped
// rather than failing the read — the message body the caller asked
// for is still good even if one attachment couldn't be stored.
func (g *Gateway) materializeAttachments(ctx context.Context, accountID, folder string, msg *imapsession.Message) {
	if len(msg.Attachments) == 0 {
		return
	}
	messageID := msg.MessageID
	if messageID == "" {
		messageID = attachstore.SyntheticMessageID(accountID, folder, msg.UID, msg.Date)
	}
	for _, att := range msg.Attachments {
		stored, err := g.Attach.Save(accountID, messageID, att.Filename, att.ContentType, att.ContentID, bytes.NewReader(att.Content))
		if err != nil {
			g.Logger.Warn("gateway: save attachment", "account", accountID, "folder", folder, "uid", msg.UID, "filename", att.Filename, "error", err)
			continue
		}
		if err := g.Cache.UpsertAttachment(ctx, cache.AttachmentRow{
			Account:     accountID,
			MessageID:   messageID,
			Filename:    stored.Filename,
			ContentType: stored.ContentType,
			ContentID:   stored.ContentID,
			Size:        stored.Size,
		}); err != nil {
			g.Logger.Warn("gateway: index attachment", "account", accountID, "folder", folder, "uid", msg.UID, "filename", stored.Filename, "error", err)
		}
	}
}

type markParams struct {
	Folder string   `json:"folder"`
	UIDs   []uint32 `json:"uids"`
	Flag   string   `json:"flag"`
	Add    bool     `json:"add"`
}

func (g *Gateway) markMessages(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[markParams](params)
	if err != nil {
		return nil, err
	}
	if err := validateFolders(p.Folder); err != nil {
		return nil, err
	}
	_, ferr := g.withSession(ctx, accountID, func(sess *imapsession.Session) (any, error) {
		if err := sess.Mark(ctx, imapsession.MarkAction{Folder: p.Folder, UIDs: p.UIDs, Flag: p.Flag, Add: p.Add}); err != nil {
			return nil, dispatch.NewError(dispatch.KindValidation, err.Error(), nil)
		}
		return nil, nil
	})
	if ferr != nil {
		return nil, ferr
	}
	return map[string]string{"status": "ok"}, nil
}

type moveParams struct {
	SourceFolder string   `json:"source_folder"`
	DestFolder   string   `json:"dest_folder"`
	UIDs         []uint32 `json:"uids"`
}

func (g *Gateway) moveMessages(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[moveParams](params)
	if err != nil {
		return nil, err
	}
	if err := validateFolders(p.SourceFolder, p.DestFolder); err != nil {
		return nil, err
	}
	return g.withSession(ctx, accountID, func(sess *imapsession.Session) (any, error) {
		txn, err := g.Moves.Move(ctx, sess, accountID, p.SourceFolder, p.DestFolder, p.UIDs)
		if err != nil {
			return nil, dispatch.NewError(dispatch.KindUpstream, err.Error(), nil)
		}
		return txn, nil
	})
}

type deleteParams struct {
	Folder string `json:"folder"`
	UID    uint32 `json:"uid"`
}

func (g *Gateway) deleteMessage(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[deleteParams](params)
	if err != nil {
		return nil, err
	}
	if err := validateFolders(p.Folder); err != nil {
		return nil, err
	}
	_, ferr := g.withSession(ctx, accountID, func(sess *imapsession.Session) (any, error) {
		if err := sess.MarkDeleted(ctx, p.Folder, []uint32{p.UID}); err != nil {
			return nil, dispatch.NewError(dispatch.KindUpstream, err.Error(), nil)
		}
		if err := sess.ExpungeUIDs(ctx, p.Folder, []uint32{p.UID}); err != nil {
			return nil, dispatch.NewError(dispatch.KindUpstream, err.Error(), nil)
		}
		return nil, nil
	})
	if ferr != nil {
		return nil, ferr
	}
	messageID, err := g.Cache.MessageIDForUID(ctx, accountID, p.Folder, p.UID)
	if err != nil {
		g.Logger.Warn("gateway: resolve message-id for attachment cascade", "error", err)
	}
	if err := g.Cache.MarkDeleted(ctx, accountID, p.Folder, []uint32{p.UID}); err != nil {
		g.Logger.Warn("gateway: cache mark-deleted after IMAP delete", "error", err)
	}
	if messageID != "" {
		if err := g.Cache.DeleteAttachments(ctx, accountID, messageID); err != nil {
			g.Logger.Warn("gateway: cascade-delete attachment rows", "message_id", messageID, "error", err)
		}
		if err := g.Attach.Delete(accountID, messageID); err != nil {
			g.Logger.Warn("gateway: cascade-delete attachment files", "message_id", messageID, "error", err)
		}
	}
	return map[string]string{"status": "ok"}, nil
}

type sendParams struct {
	To         []string `json:"to"`
	Cc         []string `json:"cc"`
	Bcc        []string `json:"bcc"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	InReplyTo  string   `json:"in_reply_to"`
	References []string `json:"references"`
}

func (g *Gateway) sendMessage(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[sendParams](params)
	if err != nil {
		return nil, err
	}
	if accountID == "" {
		return nil, dispatch.NewError(dispatch.KindValidation, "account_id is required", nil)
	}
	payload := outbox.Payload{
		From: accountID, To: p.To, Cc: p.Cc, Bcc: p.Bcc, Subject: p.Subject, Body: p.Body,
		InReplyTo: p.InReplyTo, References: p.References,
	}
	id, err := g.Outbox.Enqueue(ctx, accountID, payload)
	if err != nil {
		return nil, dispatch.NewError(dispatch.KindInternal, err.Error(), nil)
	}
	g.Bus.Publish(eventbus.Event{Source: eventbus.SourceOutbox, Kind: eventbus.KindOperationCompleted,
		Data: map[string]any{"operation": "enqueue_send", "outbox_id": id, "account": accountID}})
	return map[string]string{"outbox_id": id, "status": "queued"}, nil
}

type outboxStatusParams struct {
	ID string `json:"id"`
}

func (g *Gateway) outboxStatus(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[outboxStatusParams](params)
	if err != nil {
		return nil, err
	}
	item, err := g.Outbox.Get(ctx, p.ID)
	if err != nil {
		return nil, dispatch.NewError(dispatch.KindNotFound, err.Error(), nil)
	}
	return item, nil
}

type attachParams struct {
	MessageID string `json:"message_id"`
}

func (g *Gateway) listAttachments(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[attachParams](params)
	if err != nil {
		return nil, err
	}
	atts, err := g.Attach.List(accountID, p.MessageID)
	if err != nil {
		return nil, dispatch.NewError(dispatch.KindNotFound, err.Error(), nil)
	}
	return map[string]any{"attachments": atts}, nil
}

func (g *Gateway) accountStatus(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	return g.Accounts.List(), nil
}

type recentMovesParams struct {
	Limit int `json:"limit"`
}

func (g *Gateway) recentMoves(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
	p, err := decode[recentMovesParams](params)
	if err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	return map[string]any{"moves": g.Moves.Log().Recent(p.Limit)}, nil
}
