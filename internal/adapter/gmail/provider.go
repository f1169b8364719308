package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"helpdesk/apps/backend/features/mailsync"
)

const (
	user          = "me"
	sentLabel     = "SENT"
	maxPageSize   = 500
	fetchParallel = 8
)

var errLimitReached = errors.New("limit reached")

// Provider fetches the newest sent messages of one mailbox.
type Provider struct {
	svc *gmail.Service
}

func NewProvider(svc *gmail.Service) *Provider {
	return &Provider{svc: svc}
}

// FetchSentMessages returns up to limit sent messages, newest first.
// Messages deleted between listing and fetching are skipped.
func (p *Provider) FetchSentMessages(ctx context.Context, limit int) ([]mailsync.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := p.listSentIDs(ctx, limit)
	if err != nil {
		return nil, err
	}

	fetched := make([]*mailsync.Message, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallel)
	for i, id := range ids {
		g.Go(func() error {
			m, err := p.svc.Users.Messages.Get(user, id).Format("full").Context(gctx).Do()
			if err != nil {
				var gerr *googleapi.Error
				if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
					slog.WarnContext(ctx, "sent message vanished before fetch", "message_id", id)
					return nil
				}
				return fmt.Errorf("get message %s: %w", id, err)
			}
			msg := convert(m)
			fetched[i] = &msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]mailsync.Message, 0, len(fetched))
	for _, m := range fetched {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (p *Provider) listSentIDs(ctx context.Context, limit int) ([]string, error) {
	call := p.svc.Users.Messages.List(user).
		LabelIds(sentLabel).
		IncludeSpamTrash(false).
		MaxResults(int64(min(limit, maxPageSize)))

	ids := make([]string, 0, limit)
	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
			if len(ids) >= limit {
				return errLimitReached
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return nil, fmt.Errorf("list sent messages: %w", err)
	}
	return ids, nil
}

func convert(m *gmail.Message) mailsync.Message {
	headers := make(map[string]string)
	var body string
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			headers[strings.ToLower(h.Name)] = h.Value
		}
		body = extractText(m.Payload)
	}
	if body == "" {
		body = m.Snippet
	}

	return mailsync.Message{
		ID:             m.Id,
		ConversationID: m.ThreadId,
		Subject:        headers["subject"],
		From:           headers["from"],
		To:             splitAddrs(headers["to"]),
		Date:           time.UnixMilli(m.InternalDate).UTC(),
		Body:           body,
		Labels:         m.LabelIds,
	}
}

// extractText returns the first text/plain part, depth first.
func extractText(part *gmail.MessagePart) string {
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		data, err := decodeBody(part.Body.Data)
		if err == nil {
			return string(data)
		}
	}
	for _, child := range part.Parts {
		if text := extractText(child); text != "" {
			return text
		}
	}
	return ""
}

func decodeBody(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}

// splitAddrs parses an address-list header. Display names may contain
// commas, so a plain split is only used when the header is not RFC 5322.
func splitAddrs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if addrs, err := mail.ParseAddressList(s); err == nil {
		result := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			if addr.Name == "" {
				result = append(result, addr.Address)
				continue
			}
			result = append(result, addr.String())
		}
		return result
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
