package action

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/saqshy/saqshy/internal/messaging"
	"github.com/saqshy/saqshy/internal/pkg/logger"
)

// notifyInterval caps admin notifications at one per group per minute.
const notifyInterval = time.Minute

// AdminNotifier sends moderation notices to a group's admin channel,
// rate-limited per group. Notifications suppressed by the limiter are
// coalesced into the next one that goes through.
type AdminNotifier struct {
	client messaging.Client

	// adminChatFor resolves the destination chat for a group's notices;
	// by default notices go to the group itself.
	adminChatFor func(chatID int64) int64

	mu         sync.Mutex
	lastSent   map[int64]time.Time
	suppressed map[int64]int
	now        func() time.Time
}

// NewAdminNotifier creates the notifier. adminChatFor may be nil.
func NewAdminNotifier(client messaging.Client, adminChatFor func(chatID int64) int64) *AdminNotifier {
	if adminChatFor == nil {
		adminChatFor = func(chatID int64) int64 { return chatID }
	}
	return &AdminNotifier{
		client:       client,
		adminChatFor: adminChatFor,
		lastSent:     make(map[int64]time.Time),
		suppressed:   make(map[int64]int),
		now:          time.Now,
	}
}

// Notify sends text to the group's admin channel unless the per-group limit
// suppresses it. Returns whether a message went out.
func (n *AdminNotifier) Notify(ctx context.Context, chatID int64, text string) bool {
	n.mu.Lock()
	now := n.now()
	if last, ok := n.lastSent[chatID]; ok && now.Sub(last) < notifyInterval {
		n.suppressed[chatID]++
		n.mu.Unlock()
		logger.Debug("admin notification suppressed", "chat_id", chatID)
		return false
	}
	pending := n.suppressed[chatID]
	n.suppressed[chatID] = 0
	n.lastSent[chatID] = now
	n.mu.Unlock()

	if pending > 0 {
		text = fmt.Sprintf("%s\n(+%d earlier notices coalesced)", text, pending)
	}
	if _, err := n.client.SendMessage(ctx, n.adminChatFor(chatID), text, 0); err != nil {
		logger.Warn("admin notification failed", "chat_id", chatID, "error", err)
		// The slot was consumed; the content is folded into the next notice.
		n.mu.Lock()
		n.suppressed[chatID]++
		n.mu.Unlock()
		return false
	}
	return true
}
