package authorization

import (
	"context"
	"errors"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidRole   = errors.New("invalid_role")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

// Actor is the caller being authorized. System actors carry no role and
// always resolve to role:system.
type Actor struct {
	Type string
	ID   string
	Role string
}

const (
	ActorTypeSystem   = "system"
	ActorTypeOperator = "operator"
)

func SystemActor(id string) Actor {
	return Actor{Type: ActorTypeSystem, ID: id}
}

type Service interface {
	Authorize(ctx context.Context, actor Actor, object string, action string) error
}
