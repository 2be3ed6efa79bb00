package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/therr/realtime-server-go/internal/fanout"
	redisclient "github.com/therr/realtime-server-go/internal/redis"
	"github.com/therr/realtime-server-go/internal/throttle"
)

// Event types delivered on a user's channel.
const (
	EventTypeDirectMessage          = "direct-message"
	EventTypeReaction               = "reaction"
	EventTypeNearbyContentActivated = "nearby-content-activated"
	EventTypePushRequested          = "push-requested"
)

// Push notification types understood by the push service.
const (
	PushNewDirectMessage        = "NEW_DM_RECEIVED"
	PushNewLike                 = "NEW_LIKE_RECEIVED"
	PushNewSuperLike            = "NEW_SUPER_LIKE_RECEIVED"
	PushProximityRequiredMoment = "PROXIMITY_REQUIRED_MOMENT"
	PushProximityRequiredSpace  = "PROXIMITY_REQUIRED_SPACE"
	PushNewAreasActivated       = "NEW_AREAS_ACTIVATED"
)

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeNotified  Outcome = "notified"
	OutcomeThrottled Outcome = "throttled"
	OutcomeSkipped   Outcome = "skipped"
)

type Publisher interface {
	Publish(ctx context.Context, channel string, event fanout.Event) error
}

type PresenceChecker interface {
	IsOnlineOrOffline(ctx context.Context, userID string) bool
}

type Throttler interface {
	TryAcquire(ctx context.Context, kind throttle.Kind, toUserID, fromUserID string) (throttle.Decision, error)
}

type DirectMessage struct {
	ID           string `json:"id"`
	ToUserID     string `json:"toUserId"`
	FromUserID   string `json:"fromUserId"`
	FromUserName string `json:"fromUserName"`
	Text         string `json:"text"`
	CreatedAt    int64  `json:"createdAt"`
}

type Reaction struct {
	ContentID       string `json:"contentId"`
	ContentUserID   string `json:"contentUserId"`
	ReactorUserID   string `json:"reactorUserId"`
	ReactorUserName string `json:"reactorUserName"`
	PostType        string `json:"postType,omitempty"`
	IsSuperLike     bool   `json:"isSuperLike"`
}

// PushRequest asks the push service to notify a user's devices.
type PushRequest struct {
	UserID        string            `json:"userId"`
	Type          string            `json:"type"`
	AssociationID string            `json:"associationId,omitempty"`
	FromUserName  string            `json:"fromUserName,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
}

// NotificationService routes user-to-user notifications: live delivery when
// the recipient has a session, otherwise a throttled push request.
type NotificationService struct {
	throttle  Throttler
	presence  PresenceChecker
	publisher Publisher
}

func NewNotificationService(throttler Throttler, presence PresenceChecker, publisher Publisher) *NotificationService {
	return &NotificationService{
		throttle:  throttler,
		presence:  presence,
		publisher: publisher,
	}
}

// SendDirectMessage delivers msg to an online recipient; an offline recipient
// gets at most one push request per throttle window per sender.
func (s *NotificationService) SendDirectMessage(ctx context.Context, msg DirectMessage) (Outcome, error) {
	if msg.ToUserID == "" || msg.ToUserID == msg.FromUserID {
		return OutcomeSkipped, nil
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}

	if s.presence.IsOnlineOrOffline(ctx, msg.ToUserID) {
		if err := publishEvent(ctx, s.publisher, redisclient.UserEventsChannel(msg.ToUserID), EventTypeDirectMessage, msg); err != nil {
			return "", err
		}
		return OutcomeDelivered, nil
	}

	return s.push(ctx, throttle.KindDirectMessage, msg.FromUserID, PushRequest{
		UserID:       msg.ToUserID,
		Type:         PushNewDirectMessage,
		FromUserName: msg.FromUserName,
		Params:       map[string]string{"userId": msg.FromUserID, "userName": msg.FromUserName},
	})
}

// NotifyReaction sends the content owner a throttled push request. Online
// owners also get the reaction live.
func (s *NotificationService) NotifyReaction(ctx context.Context, reaction Reaction) (Outcome, error) {
	if reaction.ContentUserID == "" || reaction.ContentUserID == reaction.ReactorUserID {
		return OutcomeSkipped, nil
	}

	if s.presence.IsOnlineOrOffline(ctx, reaction.ContentUserID) {
		if err := publishEvent(ctx, s.publisher, redisclient.UserEventsChannel(reaction.ContentUserID), EventTypeReaction, reaction); err != nil {
			log.Warn().Err(err).Str("userId", reaction.ContentUserID).Msg("failed to deliver reaction live")
		}
	}

	pushType := PushNewLike
	if reaction.IsSuperLike {
		pushType = PushNewSuperLike
	}
	return s.push(ctx, throttle.KindReaction, reaction.ReactorUserID, PushRequest{
		UserID:        reaction.ContentUserID,
		Type:          pushType,
		AssociationID: reaction.ContentID,
		FromUserName:  reaction.ReactorUserName,
		Params: map[string]string{
			"userId":   reaction.ReactorUserID,
			"userName": reaction.ReactorUserName,
			"postType": reaction.PostType,
		},
	})
}

func (s *NotificationService) push(ctx context.Context, kind throttle.Kind, fromUserID string, req PushRequest) (Outcome, error) {
	decision, err := s.throttle.TryAcquire(ctx, kind, req.UserID, fromUserID)
	if err != nil {
		return "", fmt.Errorf("throttle %s: %w", kind, err)
	}
	if decision == throttle.Suppressed {
		return OutcomeThrottled, nil
	}

	if err := publishEvent(ctx, s.publisher, redisclient.PushChannel, EventTypePushRequested, req); err != nil {
		return "", err
	}

	log.Debug().
		Str("userId", req.UserID).
		Str("fromUserId", fromUserID).
		Str("type", req.Type).
		Msg("push notification requested")

	return OutcomeNotified, nil
}

func publishEvent(ctx context.Context, publisher Publisher, channel, eventType string, payload any) error {
	event, err := fanout.NewEvent(eventType, payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return publisher.Publish(ctx, channel, event)
}
