package sop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Message is a point-to-point transport record between roles (or from
// the engine to a role). The bus never interprets its content.
type Message struct {
	ID            int64
	CorrelationID string
	FromRole      string
	ToRole        string
	Type          string
	Subject       string
	Body          string
	Data          *JSONContext
	// InstanceID ties the message to a workflow instance; zero when the
	// message is not instance-scoped.
	InstanceID int64
	CreatedAt  int64
}

// MessageBus persists and routes messages. Delivery to a registered
// recipient happens synchronously within Send, giving at-least-once
// semantics inside the process lifetime; replay across restarts is the
// persistence adapter's business, not the bus's.
type MessageBus struct {
	repo     Repo
	registry *ActorRegistry
}

func NewMessageBus(repo Repo, registry *ActorRegistry) *MessageBus {
	return &MessageBus{repo: repo, registry: registry}
}

type SendMessageReq struct {
	FromRole   string `validate:"required"`
	ToRole     string `validate:"required"`
	Type       string `validate:"required"`
	Subject    string
	Body       string
	Data       map[string]any
	InstanceID int64
}

// Send persists the message, then invokes the recipient's
// ReceiveMessage when the role has a registered actor. A receive
// failure is the recipient's problem: it is logged and the message id
// is still returned, the record already being on the durable log.
func (b *MessageBus) Send(ctx context.Context, req *SendMessageReq) (int64, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return 0, errors.Wrapf(ErrParamInvalid, "Send failed, req: %v, err: %v", req, err)
	}
	message := &Message{
		CorrelationID: uuid.NewString(),
		FromRole:      req.FromRole,
		ToRole:        req.ToRole,
		Type:          req.Type,
		Subject:       req.Subject,
		Body:          req.Body,
		Data:          NewJSONContextFromMap(req.Data),
		InstanceID:    req.InstanceID,
		CreatedAt:     time.Now().Unix(),
	}
	stored, err := b.repo.CreateMessage(ctx, messageToPo(message))
	if err != nil {
		return 0, errors.WithMessagef(ErrPersistence, "CreateMessage failed, toRole: %s, err: %v", req.ToRole, err)
	}
	message.ID = stored.ID

	if actor, ok := b.registry.Lookup(req.ToRole); ok {
		if err := b.deliver(ctx, actor, message); err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("ReceiveMessage failed, messageID: %d, toRole: %s, err: %v", message.ID, req.ToRole, err))
		}
	}
	return message.ID, nil
}

func (b *MessageBus) deliver(ctx context.Context, actor RoleActor, message *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("ReceiveMessage panic: %v, toRole: %s", r, message.ToRole)
		}
	}()
	return actor.ReceiveMessage(ctx, message)
}

func messageToPo(m *Message) *MessagePo {
	return &MessagePo{
		CorrelationID: m.CorrelationID,
		FromRole:      m.FromRole,
		ToRole:        m.ToRole,
		Type:          m.Type,
		Subject:       m.Subject,
		Body:          m.Body,
		Data:          m.Data.ToBytesWithoutError(),
		InstanceID:    m.InstanceID,
		CreatedAt:     m.CreatedAt,
	}
}

func messageFromPo(po *MessagePo) *Message {
	return &Message{
		ID:            po.ID,
		CorrelationID: po.CorrelationID,
		FromRole:      po.FromRole,
		ToRole:        po.ToRole,
		Type:          po.Type,
		Subject:       po.Subject,
		Body:          po.Body,
		Data:          NewJSONContext(po.Data),
		InstanceID:    po.InstanceID,
		CreatedAt:     po.CreatedAt,
	}
}
