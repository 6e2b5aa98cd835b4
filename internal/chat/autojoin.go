package chat

import "sort"

// ChooseAutoJoinRoom picks the room a first connection lands in: the default
// room when it is allowed, else the only allowed room, else the
// lexicographically first one. ok is false when nothing is allowed.
func ChooseAutoJoinRoom(p Profile) (room string, ok bool) {
	if len(p.AllowedRooms) == 0 {
		return "", false
	}
	if p.DefaultRoom != "" && p.Allows(p.DefaultRoom) {
		return p.DefaultRoom, true
	}
	if len(p.AllowedRooms) == 1 {
		return p.AllowedRooms[0], true
	}
	rooms := make([]string, len(p.AllowedRooms))
	copy(rooms, p.AllowedRooms)
	sort.Strings(rooms)
	return rooms[0], true
}
