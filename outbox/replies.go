package outbox

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/types"
)

// ReplyNode is one post in a conversation. Exactly one of Inbox and Outbox is set.
type ReplyNode struct {
	ApID      string              `json:"apId"`
	Published time.Time           `json:"published"`
	Inbox     *types.InboxObject  `json:"inbox,omitempty"`
	Outbox    *types.OutboxObject `json:"outbox,omitempty"`
	Children  []*ReplyNode        `json:"children"`

	parent string
}

// GetRepliesTree returns the conversation containing apID, rooted at its topmost known ancestor.
func (c *Composer) GetRepliesTree(ctx context.Context, apID string) (*ReplyNode, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.GetRepliesTree")
	defer span.End()

	requested, err := c.lookupNode(ctx, apID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	conversation := requested.ApID
	switch {
	case requested.Inbox != nil:
		conversation = conversationOf(requested.Inbox.Conversation, conversation)
	case requested.Outbox != nil:
		conversation = conversationOf(requested.Outbox.Conversation, conversation)
	}

	inbox, outbox, err := c.store.GetConversation(ctx, conversation)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	nodes := map[string]*ReplyNode{requested.ApID: requested}
	for i := range inbox {
		if _, ok := nodes[inbox[i].ApID]; !ok {
			nodes[inbox[i].ApID] = inboxNode(&inbox[i])
		}
	}
	for i := range outbox {
		if _, ok := nodes[outbox[i].ApID]; !ok {
			nodes[outbox[i].ApID] = outboxNode(&outbox[i])
		}
	}

	children := map[string][]*ReplyNode{}
	for _, node := range nodes {
		if node.parent != "" && node.parent != node.ApID {
			children[node.parent] = append(children[node.parent], node)
		}
	}

	root := requested
	visited := map[string]bool{root.ApID: true}
	for {
		parent, ok := nodes[root.parent]
		if !ok || visited[parent.ApID] {
			break
		}
		visited[parent.ApID] = true
		root = parent
	}

	// attach breadth first so a malformed reply cycle can't loop
	attached := map[string]bool{root.ApID: true}
	queue := []*ReplyNode{root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, child := range children[node.ApID] {
			if attached[child.ApID] {
				continue
			}
			attached[child.ApID] = true
			node.Children = append(node.Children, child)
			queue = append(queue, child)
		}
		sort.Slice(node.Children, func(i, j int) bool {
			return node.Children[i].Published.Before(node.Children[j].Published)
		})
	}
	return root, nil
}

func (c *Composer) lookupNode(ctx context.Context, apID string) (*ReplyNode, error) {
	if c.config.IsLocal(apID) {
		object, err := c.store.GetOutboxObjectByApID(ctx, apID)
		if err != nil {
			return nil, notFound(err, apID)
		}
		if object.IsDeleted {
			return nil, errors.Wrap(types.ErrObjectIsGone, apID)
		}
		return outboxNode(&object), nil
	}

	object, err := c.store.GetInboxObjectByApID(ctx, apID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errors.Wrap(types.ErrObjectNotFound, apID)
		}
		return nil, err
	}
	if object.IsDeleted {
		return nil, errors.Wrap(types.ErrObjectIsGone, apID)
	}
	return inboxNode(&object), nil
}

func inboxNode(o *types.InboxObject) *ReplyNode {
	return &ReplyNode{
		ApID:      o.ApID,
		Published: o.ApPublishedAt,
		Inbox:     o,
		parent:    deref(o.InReplyTo),
	}
}

func outboxNode(o *types.OutboxObject) *ReplyNode {
	return &ReplyNode{
		ApID:      o.ApID,
		Published: o.CreatedAt,
		Outbox:    o,
		parent:    deref(o.InReplyTo),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
