package presence

import (
	"strings"
	"sync"
)

// Label renders the typing indicator for the given display names, which
// must arrive in the insertion order of the underlying set. The second
// return value is false when there is nothing to show.
//
//	one:   "Ada is typing"
//	two:   "Ada and Alan are typing"
//	three: "Ada, Alan, and Kurt are typing"
func Label(names []string) (string, bool) {
	switch len(names) {
	case 0:
		return "", false
	case 1:
		return names[0] + " is typing", true
	case 2:
		return names[0] + " and " + names[1] + " are typing", true
	default:
		head := strings.Join(names[:len(names)-1], ", ")
		return head + ", and " + names[len(names)-1] + " are typing", true
	}
}

type typist struct {
	userID   string
	username string
}

// typingRegistry tracks, per room, which users are currently typing, in
// insertion order. State is process-local: typing is best-effort and
// session-scoped, so it is deliberately not shared across instances.
type typingRegistry struct {
	mu    sync.Mutex
	rooms map[string][]typist
}

func newTypingRegistry() *typingRegistry {
	return &typingRegistry{rooms: make(map[string][]typist)}
}

// Add records userID as typing in room. Returns true when the set changed.
func (r *typingRegistry) Add(room, userID, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.rooms[room] {
		if t.userID == userID {
			return false
		}
	}
	r.rooms[room] = append(r.rooms[room], typist{userID: userID, username: username})
	return true
}

// Remove clears userID from room. Returns true when the set changed.
func (r *typingRegistry) Remove(room, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(room, userID)
}

// RemoveFromRooms clears userID from every given room, returning the rooms
// whose sets changed. Used on disconnect so a vanished user does not stay
// "typing" forever.
func (r *typingRegistry) RemoveFromRooms(userID string, rooms []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for _, room := range rooms {
		if r.removeLocked(room, userID) {
			changed = append(changed, room)
		}
	}
	return changed
}

// Names returns the display names of the room's typists in insertion
// order.
func (r *typingRegistry) Names(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	typists := r.rooms[room]
	names := make([]string, 0, len(typists))
	for _, t := range typists {
		names = append(names, t.username)
	}
	return names
}

func (r *typingRegistry) removeLocked(room, userID string) bool {
	typists := r.rooms[room]
	for i, t := range typists {
		if t.userID == userID {
			r.rooms[room] = append(typists[:i], typists[i+1:]...)
			if len(r.rooms[room]) == 0 {
				delete(r.rooms, room)
			}
			return true
		}
	}
	return false
}
