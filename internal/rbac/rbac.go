package rbac

import "strings"

type Role string
type Action string

const (
	RoleMember Role = "MEMBER"
	RoleLeader Role = "LEADER"
)

const (
	ActionReadChat         Action = "read_chat"
	ActionSendMessage      Action = "send_message"
	ActionReact            Action = "react"
	ActionDeleteOwnMessage Action = "delete_own_message"
	ActionDeleteAnyMessage Action = "delete_any_message"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleLeader:
		return true
	case RoleMember:
		return action == ActionReadChat || action == ActionSendMessage || action == ActionReact || action == ActionDeleteOwnMessage
	default:
		return false
	}
}

// Normalize maps stored role strings onto a Role; anything unknown is a plain member.
func Normalize(role string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(role))) {
	case RoleLeader:
		return RoleLeader
	default:
		return RoleMember
	}
}
