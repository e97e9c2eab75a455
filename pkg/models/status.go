package models

// Card statuses; also the board columns a card can be moved to.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
	StatusArchived   = "archived"
	StatusDeleted    = "deleted"
)

// Card actions.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionDelete  = "delete"
	ActionArchive = "archive"
	ActionMove    = "move"
)

// Component actions.
const (
	ComponentEditText    = "edit_text"
	ComponentEditCode    = "edit_code"
	ComponentToggleCheck = "toggle_check"
	ComponentAddComment  = "add_comment"
	ComponentUploadImage = "upload_image"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultCardListLimit       = 100
	DefaultSSEChannelBuffer    = 64
)
