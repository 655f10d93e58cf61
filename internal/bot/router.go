package bot

import (
	"fmt"

	"github.com/kynetic-ai/kbot/internal/channel"
)

// SessionKey builds the routing identity for an inbound message:
// agent:<agent>:<platform>:<peer-kind>:<peer-id>. Keys are
// case-sensitive; two senders differing only in case get distinct
// conversations.
func SessionKey(agentName string, msg channel.InboundMessage) string {
	peer := msg.Channel
	if msg.Kind == "dm" {
		peer = msg.Sender
	}
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentName, msg.Platform, msg.Kind, peer)
}
