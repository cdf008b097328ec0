package types

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var ErrBothRelations = errors.New("object relates to both an inbox and an outbox object")

// Actor is a db model of a remote actor.
type Actor struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	ApID           string    `json:"apId" gorm:"size:512;uniqueIndex"`
	ApType         ApType    `json:"apType" gorm:"type:text"`
	Handle         string    `json:"handle" gorm:"type:text"`
	ApActor        RawApObj  `json:"apActor"`
	PublicKeyID    string    `json:"publicKeyId" gorm:"size:512;index"`
	PublicKeyPem   string    `json:"-" gorm:"type:text"`
	InboxURL       string    `json:"inboxUrl" gorm:"type:text"`
	SharedInboxURL *string   `json:"sharedInboxUrl" gorm:"type:text"`
	IsBlocked      bool      `json:"isBlocked"`
	IsDeleted      bool      `json:"isDeleted"`
}

// DeliveryInbox prefers the shared inbox.
func (a Actor) DeliveryInbox() string {
	if a.SharedInboxURL != nil && *a.SharedInboxURL != "" {
		return *a.SharedInboxURL
	}
	return a.InboxURL
}

func (a Actor) FollowersCollection() string {
	return a.ApActor.MustGetString("followers")
}

// InboxObject is a db model of an activity or object received from a remote actor.
type InboxObject struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	ActorID uint  `json:"actorId" gorm:"index"`
	Actor   Actor `json:"actor"`

	ApID               string     `json:"apId" gorm:"size:512;uniqueIndex"`
	ApType             ApType     `json:"apType" gorm:"size:64;index"`
	ApObject           RawApObj   `json:"apObject"`
	ApPublishedAt      time.Time  `json:"apPublishedAt"`
	Visibility         Visibility `json:"visibility" gorm:"size:32"`
	ActivityObjectApID *string    `json:"activityObjectApId" gorm:"size:512;index"`
	InReplyTo          *string    `json:"inReplyTo" gorm:"size:512;index"`
	Conversation       *string    `json:"conversation" gorm:"size:512;index"`

	RelatesToInboxObjectID  *uint `json:"relatesToInboxObjectId"`
	RelatesToOutboxObjectID *uint `json:"relatesToOutboxObjectId"`
	UndoneByInboxObjectID   *uint `json:"undoneByInboxObjectId"`

	LikedViaOutboxObjectApID     *string `json:"likedViaOutboxObjectApId" gorm:"type:text"`
	AnnouncedViaOutboxObjectApID *string `json:"announcedViaOutboxObjectApId" gorm:"type:text"`

	LikesCount     int `json:"likesCount"`
	AnnouncesCount int `json:"announcesCount"`
	RepliesCount   int `json:"repliesCount"`

	IsHiddenFromStream bool `json:"isHiddenFromStream"`
	HasLocalMention    bool `json:"hasLocalMention"`
	IsDeleted          bool `json:"isDeleted"`
	IsTransient        bool `json:"isTransient"`
}

func (o *InboxObject) BeforeSave(tx *gorm.DB) error {
	if o.RelatesToInboxObjectID != nil && o.RelatesToOutboxObjectID != nil {
		return ErrBothRelations
	}
	return nil
}

// OutboxObject is a db model of an activity or object authored by the local actor.
type OutboxObject struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	PublicID           string     `json:"publicId" gorm:"size:64;uniqueIndex"`
	ApID               string     `json:"apId" gorm:"size:512;uniqueIndex"`
	ApType             ApType     `json:"apType" gorm:"size:64;index"`
	ApObject           RawApObj   `json:"apObject"`
	Source             *string    `json:"source" gorm:"type:text"`
	Visibility         Visibility `json:"visibility" gorm:"size:32"`
	ActivityObjectApID *string    `json:"activityObjectApId" gorm:"size:512;index"`
	InReplyTo          *string    `json:"inReplyTo" gorm:"size:512;index"`
	Conversation       *string    `json:"conversation" gorm:"size:512;index"`

	RelatesToInboxObjectID  *uint `json:"relatesToInboxObjectId"`
	RelatesToOutboxObjectID *uint `json:"relatesToOutboxObjectId"`
	RelatesToActorID        *uint `json:"relatesToActorId"`
	UndoneByOutboxObjectID  *uint `json:"undoneByOutboxObjectId"`

	LikesCount     int `json:"likesCount"`
	AnnouncesCount int `json:"announcesCount"`
	RepliesCount   int `json:"repliesCount"`

	IsDeleted   bool `json:"isDeleted"`
	IsTransient bool `json:"isTransient"`
}

func (o *OutboxObject) BeforeSave(tx *gorm.DB) error {
	if o.RelatesToInboxObjectID != nil && o.RelatesToOutboxObjectID != nil {
		return ErrBothRelations
	}
	return nil
}

// Follower is a db model of a remote actor following the local actor.
type Follower struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	ActorID       uint      `json:"actorId" gorm:"uniqueIndex"`
	Actor         Actor     `json:"actor"`
	InboxObjectID uint      `json:"inboxObjectId"`
	ApActorID     string    `json:"apActorId" gorm:"size:512;uniqueIndex"`
}

// Following is a db model of a remote actor the local actor follows.
type Following struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	ActorID        uint      `json:"actorId" gorm:"uniqueIndex"`
	Actor          Actor     `json:"actor"`
	OutboxObjectID uint      `json:"outboxObjectId"`
	ApActorID      string    `json:"apActorId" gorm:"size:512;uniqueIndex"`
}

// OutgoingActivity is one delivery task: an object sent to one recipient inbox.
type OutgoingActivity struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Recipient      string `json:"recipient" gorm:"type:text"`
	OutboxObjectID *uint  `json:"outboxObjectId" gorm:"index"`
	InboxObjectID  *uint  `json:"inboxObjectId" gorm:"index"`

	Tries          int        `json:"tries"`
	NextTry        time.Time  `json:"nextTry" gorm:"index"`
	LastTry        *time.Time `json:"lastTry"`
	LastStatusCode *int       `json:"lastStatusCode"`
	LastResponse   *string    `json:"lastResponse" gorm:"type:text"`
	IsSent         bool       `json:"isSent" gorm:"index"`
	IsErrored      bool       `json:"isErrored" gorm:"index"`
	Error          *string    `json:"error" gorm:"type:text"`
}

func (o *OutgoingActivity) BeforeSave(tx *gorm.DB) error {
	if (o.OutboxObjectID == nil) == (o.InboxObjectID == nil) {
		return errors.New("outgoing activity must reference exactly one object")
	}
	return nil
}

// IncomingActivity is one admitted inbox payload awaiting processing.
type IncomingActivity struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	SentByApActorID string   `json:"sentByApActorId" gorm:"type:text"`
	ApID            string   `json:"apId" gorm:"size:512;index"`
	ApObject        RawApObj `json:"apObject"`

	Tries       int        `json:"tries"`
	NextTry     time.Time  `json:"nextTry" gorm:"index"`
	LastTry     *time.Time `json:"lastTry"`
	IsProcessed bool       `json:"isProcessed" gorm:"index"`
	IsErrored   bool       `json:"isErrored" gorm:"index"`
	Error       *string    `json:"error" gorm:"type:text"`
}

type NotificationType string

const (
	NotificationNewFollower           NotificationType = "NEW_FOLLOWER"
	NotificationUnfollow              NotificationType = "UNFOLLOW"
	NotificationFollowRequestAccepted NotificationType = "FOLLOW_REQUEST_ACCEPTED"
	NotificationFollowRequestRejected NotificationType = "FOLLOW_REQUEST_REJECTED"
	NotificationLike                  NotificationType = "LIKE"
	NotificationUndoLike              NotificationType = "UNDO_LIKE"
	NotificationAnnounce              NotificationType = "ANNOUNCE"
	NotificationUndoAnnounce          NotificationType = "UNDO_ANNOUNCE"
	NotificationMention               NotificationType = "MENTION"
	NotificationMove                  NotificationType = "MOVE"
	NotificationBlocked               NotificationType = "BLOCKED"
	NotificationUnblocked             NotificationType = "UNBLOCKED"
	NotificationBlock                 NotificationType = "BLOCK"
	NotificationUnblock               NotificationType = "UNBLOCK"
)

// Notification is a db model of an event surfaced to the local user.
type Notification struct {
	ID               uint             `json:"id" gorm:"primaryKey"`
	CreatedAt        time.Time        `json:"createdAt"`
	NotificationType NotificationType `json:"notificationType" gorm:"size:64;index"`
	IsNew            bool             `json:"isNew" gorm:"index"`
	ActorID          *uint            `json:"actorId"`
	OutboxObjectID   *uint            `json:"outboxObjectId"`
	InboxObjectID    *uint            `json:"inboxObjectId"`
}

// PollAnswer is a db model of one remote vote on a local Question. An actor answers each
// option at most once.
type PollAnswer struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	CreatedAt      time.Time `json:"createdAt"`
	OutboxObjectID uint      `json:"outboxObjectId" gorm:"uniqueIndex:idx_poll_answer"`
	ActorID        uint      `json:"actorId" gorm:"uniqueIndex:idx_poll_answer"`
	Name           string    `json:"name" gorm:"size:512;uniqueIndex:idx_poll_answer"`
	PollType       string    `json:"pollType" gorm:"size:16"`
	InboxObjectID  uint      `json:"inboxObjectId"`
}

// AllModels lists every table for migrations.
func AllModels() []any {
	return []any{
		&Actor{},
		&InboxObject{},
		&OutboxObject{},
		&Follower{},
		&Following{},
		&OutgoingActivity{},
		&IncomingActivity{},
		&Notification{},
		&PollAnswer{},
	}
}
