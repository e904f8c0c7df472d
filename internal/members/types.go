package members

import "github.com/google/uuid"

// CreateMemberRequest represents the data needed to enroll a member in a
// savings group.
type CreateMemberRequest struct {
	GroupID     uuid.UUID `json:"group_id"`
	DisplayName string    `json:"display_name"`
}

// RenameMemberRequest updates a member's display name. Historic bid and draw
// rows keep the name they were written with.
type RenameMemberRequest struct {
	DisplayName string `json:"display_name"`
}
