package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"stageline/internal/domain"
)

// SlackPoster is the subset of *slack.Client used here, so tests can fake it.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts a one-line summary of gate decisions and stage moves to a channel.
type Slack struct {
	Client  SlackPoster
	Channel string
	filter  eventFilter
}

func NewSlack(token, channel string) *Slack {
	return &Slack{
		Client:  slack.New(token),
		Channel: channel,
		filter: newEventFilter([]string{
			string(domain.EventStageAdvance),
			string(domain.EventGateApproved),
			string(domain.EventGateRejected),
			string(domain.EventManualOverride),
		}),
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, evt domain.WorkflowEvent) error {
	if !s.filter.match(evt.Type) {
		return nil
	}
	if _, _, err := s.Client.PostMessageContext(ctx, s.Channel, slack.MsgOptionText(Summary(evt), false)); err != nil {
		return fmt.Errorf("slack post to %s: %w", s.Channel, err)
	}
	return nil
}
