package types

import "time"

// NewInboxObject maps a received document onto a row owned by actor.
func NewInboxObject(doc *RawApObj, actor Actor) InboxObject {
	object := InboxObject{
		ActorID:       actor.ID,
		Actor:         actor,
		ApID:          doc.ID(),
		ApType:        doc.Type(),
		ApObject:      *doc,
		ApPublishedAt: PublishedAt(doc),
		Visibility:    ObjectVisibility(doc, actor.FollowersCollection()),
		InReplyTo:     doc.InReplyTo(),
	}
	if id := doc.ObjectID(); id != "" {
		object.ActivityObjectApID = &id
	}
	for _, key := range []string{"conversation", "context"} {
		if conv, ok := doc.GetString(key); ok && conv != "" {
			object.Conversation = &conv
			break
		}
	}
	return object
}

// PublishedAt parses the published field, falling back to the current time.
func PublishedAt(doc *RawApObj) time.Time {
	if published, ok := doc.GetString("published"); ok {
		if t, err := time.Parse(time.RFC3339, published); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
