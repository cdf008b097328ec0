package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/concrnt/apnode/types"
)

var tracer = otel.Tracer("store")

// Store is a repository for the federation tables.
type Store struct {
	db *gorm.DB
}

// NewStore returns a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn against a Store bound to a single transaction.
// The transaction is rolled back if fn returns an error or ctx is done.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	ctx, span := tracer.Start(ctx, "StoreTransaction")
	defer span.End()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// IsNotFound reports whether err is a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// Actors --------------------------------------------------------------

func (s *Store) GetActorByApID(ctx context.Context, apID string) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActorByApID")
	defer span.End()

	var actor types.Actor
	result := s.db.WithContext(ctx).Where("ap_id = ?", apID).First(&actor)
	return actor, result.Error
}

func (s *Store) GetActorByID(ctx context.Context, id uint) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActorByID")
	defer span.End()

	var actor types.Actor
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&actor)
	return actor, result.Error
}

func (s *Store) GetActorByKeyID(ctx context.Context, keyID string) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActorByKeyID")
	defer span.End()

	var actor types.Actor
	result := s.db.WithContext(ctx).Where("public_key_id = ?", keyID).First(&actor)
	return actor, result.Error
}

// CreateActor inserts actor unless a row with the same ap_id exists, then returns the stored row.
func (s *Store) CreateActor(ctx context.Context, actor types.Actor) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateActor")
	defer span.End()

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "ap_id"}}, DoNothing: true}).
		Create(&actor).Error
	if err != nil {
		span.RecordError(err)
		return actor, err
	}

	var stored types.Actor
	err = s.db.WithContext(ctx).Where("ap_id = ?", actor.ApID).First(&stored).Error
	return stored, err
}

func (s *Store) UpdateActor(ctx context.Context, actor types.Actor) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "StoreUpdateActor")
	defer span.End()

	result := s.db.WithContext(ctx).Save(&actor)
	return actor, result.Error
}

// Inbox ---------------------------------------------------------------

func (s *Store) GetInboxObjectByApID(ctx context.Context, apID string) (types.InboxObject, error) {
	ctx, span := tracer.Start(ctx, "StoreGetInboxObjectByApID")
	defer span.End()

	var object types.InboxObject
	result := s.db.WithContext(ctx).Preload("Actor").Where("ap_id = ?", apID).First(&object)
	return object, result.Error
}

func (s *Store) GetInboxObjectByID(ctx context.Context, id uint) (types.InboxObject, error) {
	ctx, span := tracer.Start(ctx, "StoreGetInboxObjectByID")
	defer span.End()

	var object types.InboxObject
	result := s.db.WithContext(ctx).Preload("Actor").Where("id = ?", id).First(&object)
	return object, result.Error
}

func (s *Store) CreateInboxObject(ctx context.Context, object types.InboxObject) (types.InboxObject, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateInboxObject")
	defer span.End()

	result := s.db.WithContext(ctx).Omit(clause.Associations).Create(&object)
	return object, result.Error
}

func (s *Store) UpdateInboxObject(ctx context.Context, object types.InboxObject) (types.InboxObject, error) {
	ctx, span := tracer.Start(ctx, "StoreUpdateInboxObject")
	defer span.End()

	result := s.db.WithContext(ctx).Omit(clause.Associations).Save(&object)
	return object, result.Error
}

// DeleteInboxObjectsByActor tombstones every object received from actorID.
func (s *Store) DeleteInboxObjectsByActor(ctx context.Context, actorID uint) error {
	ctx, span := tracer.Start(ctx, "StoreDeleteInboxObjectsByActor")
	defer span.End()

	return s.db.WithContext(ctx).Model(&types.InboxObject{}).
		Where("actor_id = ?", actorID).
		Update("is_deleted", true).Error
}

// Outbox --------------------------------------------------------------

func (s *Store) GetOutboxObjectByApID(ctx context.Context, apID string) (types.OutboxObject, error) {
	ctx, span := tracer.Start(ctx, "StoreGetOutboxObjectByApID")
	defer span.End()

	var object types.OutboxObject
	result := s.db.WithContext(ctx).Where("ap_id = ?", apID).First(&object)
	return object, result.Error
}

func (s *Store) GetOutboxObjectByPublicID(ctx context.Context, publicID string) (types.OutboxObject, error) {
	ctx, span := tracer.Start(ctx, "StoreGetOutboxObjectByPublicID")
	defer span.End()

	var object types.OutboxObject
	result := s.db.WithContext(ctx).Where("public_id = ?", publicID).First(&object)
	return object, result.Error
}

func (s *Store) GetOutboxObjectByID(ctx context.Context, id uint) (types.OutboxObject, error) {
	ctx, span := tracer.Start(ctx, "StoreGetOutboxObjectByID")
	defer span.End()

	var object types.OutboxObject
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&object)
	return object, result.Error
}

func (s *Store) CreateOutboxObject(ctx context.Context, object types.OutboxObject) (types.OutboxObject, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateOutboxObject")
	defer span.End()

	result := s.db.WithContext(ctx).Create(&object)
	return object, result.Error
}

func (s *Store) UpdateOutboxObject(ctx context.Context, object types.OutboxObject) (types.OutboxObject, error) {
	ctx, span := tracer.Start(ctx, "StoreUpdateOutboxObject")
	defer span.End()

	result := s.db.WithContext(ctx).Save(&object)
	return object, result.Error
}

// GetPublicOutbox lists the latest public, non-deleted stream objects.
func (s *Store) GetPublicOutbox(ctx context.Context, limit int) ([]types.OutboxObject, int64, error) {
	ctx, span := tracer.Start(ctx, "StoreGetPublicOutbox")
	defer span.End()

	query := s.db.WithContext(ctx).Model(&types.OutboxObject{}).
		Where("visibility = ? AND is_deleted = ? AND ap_type IN ?", types.VisibilityPublic, false,
			[]types.ApType{types.TypeNote, types.TypeArticle, types.TypeQuestion, types.TypeAnnounce})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var objects []types.OutboxObject
	err := query.Order("id DESC").Limit(limit).Find(&objects).Error
	return objects, total, err
}

// Counters ------------------------------------------------------------

// Counter is one of the denormalized counters on inbox and outbox objects.
type Counter string

const (
	LikesCount     Counter = "likes_count"
	AnnouncesCount Counter = "announces_count"
	RepliesCount   Counter = "replies_count"
)

func (s *Store) AdjustOutboxCounter(ctx context.Context, id uint, counter Counter, delta int) error {
	ctx, span := tracer.Start(ctx, "StoreAdjustOutboxCounter")
	defer span.End()

	return s.db.WithContext(ctx).Model(&types.OutboxObject{}).
		Where("id = ?", id).
		UpdateColumn(string(counter), gorm.Expr(string(counter)+" + ?", delta)).Error
}

func (s *Store) AdjustInboxCounter(ctx context.Context, id uint, counter Counter, delta int) error {
	ctx, span := tracer.Start(ctx, "StoreAdjustInboxCounter")
	defer span.End()

	return s.db.WithContext(ctx).Model(&types.InboxObject{}).
		Where("id = ?", id).
		UpdateColumn(string(counter), gorm.Expr(string(counter)+" + ?", delta)).Error
}

// Conversations -------------------------------------------------------

// GetConversation returns all stream objects sharing a conversation.
func (s *Store) GetConversation(ctx context.Context, conversation string) ([]types.InboxObject, []types.OutboxObject, error) {
	ctx, span := tracer.Start(ctx, "StoreGetConversation")
	defer span.End()

	streamTypes := []types.ApType{types.TypeNote, types.TypeArticle, types.TypeQuestion, types.TypePage}

	var inbox []types.InboxObject
	err := s.db.WithContext(ctx).Preload("Actor").
		Where("conversation = ? AND is_deleted = ? AND ap_type IN ?", conversation, false, streamTypes).
		Order("ap_published_at ASC").
		Find(&inbox).Error
	if err != nil {
		return nil, nil, err
	}

	var outbox []types.OutboxObject
	err = s.db.WithContext(ctx).
		Where("conversation = ? AND is_deleted = ? AND ap_type IN ?", conversation, false, streamTypes).
		Order("created_at ASC").
		Find(&outbox).Error
	return inbox, outbox, err
}

// Followers -----------------------------------------------------------

func (s *Store) GetFollowerByActorID(ctx context.Context, actorID uint) (types.Follower, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowerByActorID")
	defer span.End()

	var follower types.Follower
	result := s.db.WithContext(ctx).Where("actor_id = ?", actorID).First(&follower)
	return follower, result.Error
}

// UpsertFollower creates the follower edge or points it at the latest Follow.
func (s *Store) UpsertFollower(ctx context.Context, follower types.Follower) error {
	ctx, span := tracer.Start(ctx, "StoreUpsertFollower")
	defer span.End()

	return s.db.WithContext(ctx).Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "actor_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"inbox_object_id", "updated_at"}),
		}).
		Create(&follower).Error
}

func (s *Store) DeleteFollower(ctx context.Context, actorID uint) (int64, error) {
	ctx, span := tracer.Start(ctx, "StoreDeleteFollower")
	defer span.End()

	result := s.db.WithContext(ctx).Where("actor_id = ?", actorID).Delete(&types.Follower{})
	return result.RowsAffected, result.Error
}

// GetFollowers returns followers with their actors.
func (s *Store) GetFollowers(ctx context.Context) ([]types.Follower, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowers")
	defer span.End()

	var followers []types.Follower
	err := s.db.WithContext(ctx).Preload("Actor").Order("id ASC").Find(&followers).Error
	return followers, err
}

// Following -----------------------------------------------------------

func (s *Store) GetFollowingByActorID(ctx context.Context, actorID uint) (types.Following, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowingByActorID")
	defer span.End()

	var following types.Following
	result := s.db.WithContext(ctx).Where("actor_id = ?", actorID).First(&following)
	return following, result.Error
}

// CreateFollowing is a no-op when the edge already exists.
func (s *Store) CreateFollowing(ctx context.Context, following types.Following) error {
	ctx, span := tracer.Start(ctx, "StoreCreateFollowing")
	defer span.End()

	return s.db.WithContext(ctx).Omit(clause.Associations).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "actor_id"}}, DoNothing: true}).
		Create(&following).Error
}

func (s *Store) DeleteFollowing(ctx context.Context, actorID uint) (int64, error) {
	ctx, span := tracer.Start(ctx, "StoreDeleteFollowing")
	defer span.End()

	result := s.db.WithContext(ctx).Where("actor_id = ?", actorID).Delete(&types.Following{})
	return result.RowsAffected, result.Error
}

func (s *Store) GetFollowing(ctx context.Context) ([]types.Following, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowing")
	defer span.End()

	var following []types.Following
	err := s.db.WithContext(ctx).Preload("Actor").Order("id ASC").Find(&following).Error
	return following, err
}

// Delivery queue ------------------------------------------------------

func (s *Store) CreateOutgoingActivity(ctx context.Context, activity types.OutgoingActivity) (types.OutgoingActivity, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateOutgoingActivity")
	defer span.End()

	result := s.db.WithContext(ctx).Create(&activity)
	return activity, result.Error
}

// FetchOutgoingActivities returns due delivery tasks, earliest first, skipping ids in exclude.
func (s *Store) FetchOutgoingActivities(ctx context.Context, now time.Time, exclude []uint, limit int) ([]types.OutgoingActivity, error) {
	ctx, span := tracer.Start(ctx, "StoreFetchOutgoingActivities")
	defer span.End()

	query := s.db.WithContext(ctx).
		Where("next_try <= ? AND is_errored = ? AND is_sent = ?", now, false, false)
	if len(exclude) > 0 {
		query = query.Where("id NOT IN ?", exclude)
	}

	var activities []types.OutgoingActivity
	err := query.Order("next_try ASC").Limit(limit).Find(&activities).Error
	return activities, err
}

func (s *Store) GetOutgoingActivityByID(ctx context.Context, id uint) (types.OutgoingActivity, error) {
	ctx, span := tracer.Start(ctx, "StoreGetOutgoingActivityByID")
	defer span.End()

	var activity types.OutgoingActivity
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&activity)
	return activity, result.Error
}

func (s *Store) GetOutgoingActivitiesByOutboxObject(ctx context.Context, outboxObjectID uint) ([]types.OutgoingActivity, error) {
	ctx, span := tracer.Start(ctx, "StoreGetOutgoingActivitiesByOutboxObject")
	defer span.End()

	var activities []types.OutgoingActivity
	err := s.db.WithContext(ctx).Where("outbox_object_id = ?", outboxObjectID).Order("id ASC").Find(&activities).Error
	return activities, err
}

func (s *Store) UpdateOutgoingActivity(ctx context.Context, activity types.OutgoingActivity) error {
	ctx, span := tracer.Start(ctx, "StoreUpdateOutgoingActivity")
	defer span.End()

	return s.db.WithContext(ctx).Save(&activity).Error
}

// Admission queue -----------------------------------------------------

func (s *Store) CreateIncomingActivity(ctx context.Context, activity types.IncomingActivity) (types.IncomingActivity, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateIncomingActivity")
	defer span.End()

	result := s.db.WithContext(ctx).Create(&activity)
	return activity, result.Error
}

func (s *Store) FetchIncomingActivities(ctx context.Context, now time.Time, exclude []uint, limit int) ([]types.IncomingActivity, error) {
	ctx, span := tracer.Start(ctx, "StoreFetchIncomingActivities")
	defer span.End()

	query := s.db.WithContext(ctx).
		Where("next_try <= ? AND is_errored = ? AND is_processed = ?", now, false, false)
	if len(exclude) > 0 {
		query = query.Where("id NOT IN ?", exclude)
	}

	var activities []types.IncomingActivity
	err := query.Order("next_try ASC").Limit(limit).Find(&activities).Error
	return activities, err
}

func (s *Store) GetIncomingActivityByID(ctx context.Context, id uint) (types.IncomingActivity, error) {
	ctx, span := tracer.Start(ctx, "StoreGetIncomingActivityByID")
	defer span.End()

	var activity types.IncomingActivity
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&activity)
	return activity, result.Error
}

func (s *Store) UpdateIncomingActivity(ctx context.Context, activity types.IncomingActivity) error {
	ctx, span := tracer.Start(ctx, "StoreUpdateIncomingActivity")
	defer span.End()

	return s.db.WithContext(ctx).Save(&activity).Error
}

// Notifications -------------------------------------------------------

func (s *Store) CreateNotification(ctx context.Context, notification types.Notification) error {
	ctx, span := tracer.Start(ctx, "StoreCreateNotification")
	defer span.End()

	notification.IsNew = true
	return s.db.WithContext(ctx).Create(&notification).Error
}

func (s *Store) GetNotifications(ctx context.Context, limit int) ([]types.Notification, error) {
	ctx, span := tracer.Start(ctx, "StoreGetNotifications")
	defer span.End()

	var notifications []types.Notification
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&notifications).Error
	return notifications, err
}

// MarkNotificationsRead clears the is_new flag on every notification.
func (s *Store) MarkNotificationsRead(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "StoreMarkNotificationsRead")
	defer span.End()

	return s.db.WithContext(ctx).Model(&types.Notification{}).
		Where("is_new = ?", true).
		Update("is_new", false).Error
}

// Polls ---------------------------------------------------------------

// CreatePollAnswer reports false when the actor already gave this answer.
func (s *Store) CreatePollAnswer(ctx context.Context, answer types.PollAnswer) (bool, error) {
	ctx, span := tracer.Start(ctx, "StoreCreatePollAnswer")
	defer span.End()

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "outbox_object_id"}, {Name: "actor_id"}, {Name: "name"}},
			DoNothing: true,
		}).
		Create(&answer)
	return result.RowsAffected > 0, result.Error
}

func (s *Store) GetPollAnswers(ctx context.Context, outboxObjectID uint) ([]types.PollAnswer, error) {
	ctx, span := tracer.Start(ctx, "StoreGetPollAnswers")
	defer span.End()

	var answers []types.PollAnswer
	err := s.db.WithContext(ctx).Where("outbox_object_id = ?", outboxObjectID).Order("id ASC").Find(&answers).Error
	return answers, err
}

// Stats ---------------------------------------------------------------

func (s *Store) CountLocalPosts(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "StoreCountLocalPosts")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).Model(&types.OutboxObject{}).
		Where("ap_type IN ? AND is_deleted = ?", []types.ApType{types.TypeNote, types.TypeArticle, types.TypeQuestion}, false).
		Count(&count).Error
	return count, err
}
