package core

import (
	"time"

	"github.com/google/uuid"
)

// ChangeOperation is the kind of mutation a change applies.
type ChangeOperation string

const (
	OpCreate ChangeOperation = "create"
	OpUpdate ChangeOperation = "update"
	OpDelete ChangeOperation = "delete"
	OpMove   ChangeOperation = "move"
)

// ChangeStatus tracks the review state of a change.
type ChangeStatus string

const (
	ChangePending  ChangeStatus = "pending"
	ChangeApproved ChangeStatus = "approved"
	ChangeRejected ChangeStatus = "rejected"
)

// Change is a tracked mutation to a file. The mutation is already applied
// on disk when the record is created; approving is metadata-only and
// rejecting reverts the disk state to OldContent.
type Change struct {
	ID         string          `json:"id"`
	FilePath   string          `json:"file_path"`
	Operation  ChangeOperation `json:"operation"`
	OldContent *string         `json:"old_content,omitempty"`
	NewContent *string         `json:"new_content,omitempty"`
	OldPath    string          `json:"old_path,omitempty"`
	Status     ChangeStatus    `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	Diff       string          `json:"diff,omitempty"`
	Agent      string          `json:"agent,omitempty"`
	Block      string          `json:"block,omitempty"`
}

// NewChange creates a pending change record.
func NewChange(filePath string, op ChangeOperation) *Change {
	return &Change{
		ID:        uuid.NewString(),
		FilePath:  filePath,
		Operation: op,
		Status:    ChangePending,
		CreatedAt: time.Now(),
	}
}

// Resolve stamps the change with a terminal status.
func (c *Change) Resolve(status ChangeStatus) {
	now := time.Now()
	c.Status = status
	c.ResolvedAt = &now
}

// ValidateOperation enforces the content invariants per operation:
// create carries new content and no old content, delete no new content,
// move an old path, update new content. An update's old content is not
// checked here; it is captured from disk when the change is applied.
func (c *Change) ValidateOperation() error {
	switch c.Operation {
	case OpCreate:
		if c.OldContent != nil {
			return ErrInvalidInput("create change must not carry old_content")
		}
		if c.NewContent == nil {
			return ErrInvalidInput("create change requires new_content")
		}
	case OpUpdate:
		if c.NewContent == nil {
			return ErrInvalidInput("update change requires new_content")
		}
	case OpDelete:
		if c.NewContent != nil {
			return ErrInvalidInput("delete change must not carry new_content")
		}
	case OpMove:
		if c.OldPath == "" {
			return ErrInvalidInput("move change requires old_path")
		}
	default:
		return ErrInvalidInput("unknown change operation: " + string(c.Operation))
	}
	return nil
}

// StrPtr is a convenience for building change content fields.
func StrPtr(s string) *string { return &s }
