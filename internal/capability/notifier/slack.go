package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/slack-go/slack"
)

// SlackNotifier posts to a fixed channel using a bot token, threading
// successive messages that share a thread key under the first such
// message's timestamp so an operator sees related messages as one Slack
// thread rather than a flood of top-level messages. Messages with an empty
// thread key are always posted top-level.
type SlackNotifier struct {
	client  *slack.Client
	channel string

	mu      sync.Mutex
	threads map[string]string // threadKey -> parent message timestamp
}

// NewSlackNotifier builds a notifier bound to one channel. botToken is a
// "xoxb-" bot token with chat:write scope.
func NewSlackNotifier(botToken, channel string) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
		threads: make(map[string]string),
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, projectID, message, threadKey string) error {
	opts := []slack.MsgOption{slack.MsgOptionText(fmt.Sprintf("[%s] %s", projectID, message), false)}

	if threadKey != "" {
		n.mu.Lock()
		parentTS, ok := n.threads[threadKey]
		n.mu.Unlock()
		if ok {
			opts = append(opts, slack.MsgOptionTS(parentTS))
		}
	}

	_, ts, err := n.client.PostMessageContext(ctx, n.channel, opts...)
	if err != nil {
		return fmt.Errorf("notifier: slack post failed: %w", err)
	}

	if threadKey != "" {
		n.mu.Lock()
		if _, ok := n.threads[threadKey]; !ok {
			n.threads[threadKey] = ts
		}
		n.mu.Unlock()
	}
	return nil
}
