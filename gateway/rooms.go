package gateway

import "sync"

// rooms maps deviceID to the set of clients subscribed to it. An emptied
// room is pruned so the map never grows past the set of live devices.
type rooms struct {
	mu      sync.RWMutex
	members map[string]map[*client]struct{}
}

func newRooms() *rooms {
	return &rooms{members: make(map[string]map[*client]struct{})}
}

func (r *rooms) join(deviceID string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.members[deviceID]
	if !ok {
		room = make(map[*client]struct{})
		r.members[deviceID] = room
	}
	room[c] = struct{}{}
}

func (r *rooms) leave(deviceID string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(deviceID, c)
}

// leaveAll removes the client from every room it belonged to.
func (r *rooms) leaveAll(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for deviceID := range r.members {
		r.remove(deviceID, c)
	}
}

// remove deletes the membership and prunes an emptied room. Must hold r.mu.
func (r *rooms) remove(deviceID string, c *client) {
	room, ok := r.members[deviceID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(r.members, deviceID)
	}
}

// snapshot returns the current members of a room.
func (r *rooms) snapshot(deviceID string) []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.members[deviceID]
	out := make([]*client, 0, len(room))
	for c := range room {
		out = append(out, c)
	}
	return out
}

// size reports the number of live rooms.
func (r *rooms) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
