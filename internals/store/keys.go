package store

import "fmt"

const (
	KeyPrefixState      = "state:"
	KeyPrefixMatch      = "match:"
	KeyPrefixUserMatch  = "user_match:"
	KeyPrefixCooldown   = "cooldown:"
	KeyPrefixAlone      = "alone:"
	KeyPrefixLeftBehind = "left_behind:"
	KeyPrefixRecovering = "recovering:"
	KeyPrefixUserLock   = "lock:user:"
	KeyPrefixHeartbeat  = "hb:"
	KeyPrefixRoomName   = "room_name:"

	KeyPendingQueue = "queue:pending"
	KeyMatchLock    = "lock:matching"
	KeyMatchLockTS  = "lock:matching:ts"
)

func StateKey(state string) string {
	return fmt.Sprintf("%s%s", KeyPrefixState, state)
}

func MatchKey(sessionID string) string {
	return fmt.Sprintf("%s%s", KeyPrefixMatch, sessionID)
}

func UserMatchKey(userID string) string {
	return fmt.Sprintf("%s%s", KeyPrefixUserMatch, userID)
}

// CooldownKey builds the order-independent pair key: the lexicographically
// smaller user always comes first, so cooldown(a,b) and cooldown(b,a) land
// on the same entry.
func CooldownKey(u1, u2 string) string {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return fmt.Sprintf("%s%s:%s", KeyPrefixCooldown, u1, u2)
}

func AloneKey(userID string) string {
	return fmt.Sprintf("%s%s", KeyPrefixAlone, userID)
}

func LeftBehindKey(userID string) string {
	return fmt.Sprintf("%s%s", KeyPrefixLeftBehind, userID)
}

func RecoveringKey(userID string) string {
	return fmt.Sprintf("%s%s", KeyPrefixRecovering, userID)
}

func UserLockKey(userID string) string {
	return fmt.Sprintf("%s%s", KeyPrefixUserLock, userID)
}

func HeartbeatKey(userID string) string {
	return fmt.Sprintf("%s%s", KeyPrefixHeartbeat, userID)
}

func RoomNameKey(name string) string {
	return fmt.Sprintf("%s%s", KeyPrefixRoomName, name)
}
