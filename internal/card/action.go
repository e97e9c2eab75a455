package card

import (
	"github.com/ddikddak/dockerclaw-sub000/internal/activity"
	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/ddikddak/dockerclaw-sub000/pkg/models"
)

// Action is a card-level state transition.
type Action uint8

const (
	Approve Action = iota + 1
	Reject
	Delete
	Archive
	Move
)

var actionNames = map[Action]string{
	Approve: models.ActionApprove,
	Reject:  models.ActionReject,
	Delete:  models.ActionDelete,
	Archive: models.ActionArchive,
	Move:    models.ActionMove,
}

// ParseAction parses a wire action name. Unknown names are KindInvalidInput.
func ParseAction(s string) (Action, error) {
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return 0, invalidField("action", "Invalid action")
}

func (a Action) String() string { return actionNames[a] }

// activityAction is the ledger action recorded for a.
func (a Action) activityAction() string {
	switch a {
	case Approve:
		return activity.ActionApproved
	case Reject:
		return activity.ActionRejected
	case Archive:
		return activity.ActionArchived
	case Delete:
		return activity.CardDeleted
	case Move:
		return activity.CardMoved
	}
	return activity.ActionExecuted
}

// target returns the status a leaves the card in. Move reads it from payload.column.
func (a Action) target(payload map[string]any) (string, error) {
	switch a {
	case Approve:
		return store.StatusApproved, nil
	case Reject:
		return store.StatusRejected, nil
	case Delete:
		return store.StatusDeleted, nil
	case Archive:
		return store.StatusArchived, nil
	case Move:
		col, _ := payload["column"].(string)
		if col == "" {
			return "", invalidField("payload.column", "column is required")
		}
		if !store.ValidStatus(col) {
			return "", invalidField("payload.column", "Invalid column: "+col)
		}
		return col, nil
	}
	return "", invalidField("action", "Invalid action")
}

// ComponentAction edits one component inside card data.
type ComponentAction uint8

const (
	EditText ComponentAction = iota + 1
	EditCode
	ToggleCheck
	AddComment
	UploadImage
)

var componentNames = map[ComponentAction]string{
	EditText:    models.ComponentEditText,
	EditCode:    models.ComponentEditCode,
	ToggleCheck: models.ComponentToggleCheck,
	AddComment:  models.ComponentAddComment,
	UploadImage: models.ComponentUploadImage,
}

// ParseComponentAction parses a wire component action name.
func ParseComponentAction(s string) (ComponentAction, error) {
	for a, name := range componentNames {
		if name == s {
			return a, nil
		}
	}
	return 0, invalidField("action", "Invalid action")
}

func (a ComponentAction) String() string { return componentNames[a] }
