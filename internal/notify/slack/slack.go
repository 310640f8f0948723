// Package slack sends service request notifications and backlog digests to
// Slack via incoming webhooks.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/slack-go/slack"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/loandesk/internal/digest"
	"github.com/linnemanlabs/loandesk/internal/triage"
)

const (
	maxSectionLen = 3000
	maxHeaderLen  = 150
	httpTimeout   = 10 * time.Second
)

// Notifier posts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, every send is a
// no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool {
	return n.webhookURL != ""
}

// ServiceRequestCreated announces a newly routed service request.
func (n *Notifier) ServiceRequestCreated(ctx context.Context, sr *triage.ServiceRequest) error {
	if !n.Enabled() || sr == nil {
		return nil
	}
	if err := n.post(ctx, buildRequestMessage(sr)); err != nil {
		return err
	}
	n.logger.Info(ctx, "slack notified", "service_request_id", sr.ID, "team", sr.TeamAssigned)
	return nil
}

// SendDigest posts a backlog summary.
func (n *Notifier) SendDigest(ctx context.Context, d digest.Digest) error {
	if !n.Enabled() {
		return nil
	}
	return n.post(ctx, buildDigestMessage(d))
}

func (n *Notifier) post(ctx context.Context, msg *slack.WebhookMessage) error {
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, msg); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	return nil
}

func buildRequestMessage(sr *triage.ServiceRequest) *slack.WebhookMessage {
	title := fmt.Sprintf("%s New service request: %s", confidenceEmoji(sr.ConfidenceScore), sr.RequestType)

	sub := "_none_"
	if sr.SubRequestType != nil {
		sub = escape(*sr.SubRequestType)
	}
	deal := "_unknown_"
	if sr.DealID != "" {
		deal = escape(sr.DealID)
	}

	fields := []*slack.TextBlockObject{
		mrkdwn("*Team:* " + escape(sr.TeamAssigned)),
		mrkdwn("*Status:* " + string(sr.Status)),
		mrkdwn("*Deal:* " + deal),
		mrkdwn("*Sub-type:* " + sub),
		mrkdwn(fmt.Sprintf("*Confidence:* %.0f%%", sr.ConfidenceScore*100)),
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(plain(truncate(title, maxHeaderLen))),
		slack.NewSectionBlock(nil, fields, nil),
		slack.NewDividerBlock(),
		slack.NewSectionBlock(mrkdwn(truncate("*Extracted fields*\n"+fieldLines(sr.ExtractedFields), maxSectionLen)), nil, nil),
		slack.NewContextBlock("", mrkdwn(fmt.Sprintf("loandesk • request %s • %s", sr.ID, stamp(sr.CreatedAt)))),
	}

	return &slack.WebhookMessage{
		Text:   fmt.Sprintf("New %s request for %s", sr.RequestType, sr.TeamAssigned),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func buildDigestMessage(d digest.Digest) *slack.WebhookMessage {
	var b strings.Builder
	for _, tb := range d.Teams {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		if tb.Total == 0 {
			fmt.Fprintf(&b, "*%s*: no requests", escape(tb.Team))
			continue
		}
		fmt.Fprintf(&b, "*%s*: %d open", escape(tb.Team), tb.Open())
		parts := make([]string, 0, len(triage.Statuses))
		for _, s := range triage.Statuses {
			parts = append(parts, fmt.Sprintf("%s %d", s, tb.Counts[s]))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	if b.Len() == 0 {
		b.WriteString("_No teams configured._")
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(plain(fmt.Sprintf("Service request backlog: %d open", d.Open()))),
		slack.NewSectionBlock(mrkdwn(truncate(b.String(), maxSectionLen)), nil, nil),
		slack.NewContextBlock("", mrkdwn("loandesk digest • "+stamp(d.GeneratedAt))),
	}

	return &slack.WebhookMessage{
		Text:   fmt.Sprintf("Service request backlog: %d open", d.Open()),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func fieldLines(fields map[string]any) string {
	if len(fields) == 0 {
		return "_None extracted._"
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = fmt.Sprintf("*%s:* %s", escape(k), formatValue(fields[k]))
	}
	return strings.Join(lines, "\n")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "_null_"
	case string:
		return escape(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return escape(fmt.Sprint(x))
	}
}

func confidenceEmoji(score float64) string {
	switch {
	case score >= 0.8:
		return "\U0001f7e2" // green circle
	case score >= 0.5:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f534" // red circle
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "unknown time"
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

func mrkdwn(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

func plain(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, text, true, false)
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// escape neutralizes the characters Slack treats as control sequences.
func escape(s string) string {
	return escaper.Replace(s)
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
