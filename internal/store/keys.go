package store

import "strings"

// Key layout:
//
//	session:<token>
//	session:<token>:chat:<room>
//	session:<token>:chat:<room>:message:<event>
//	session:<token>:screenshot:<id>

func sessionKey(token string) string { return "session:" + token }

func sessionChildren(token string) string { return sessionKey(token) + ":" }

func roomPrefix(token string) string { return sessionKey(token) + ":chat:" }

func roomKey(token, room string) string { return roomPrefix(token) + room }

func eventPrefix(token, room string) string { return roomKey(token, room) + ":message:" }

func eventKey(token, room, id string) string { return eventPrefix(token, room) + id }

func screenshotPrefix(token string) string { return sessionKey(token) + ":screenshot:" }

func screenshotKey(token, id string) string { return screenshotPrefix(token) + id }

// roomIDFromKey returns the room id when key names a room hash and not one
// of its events.
func roomIDFromKey(token, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, roomPrefix(token))
	if !ok || rest == "" || strings.Contains(rest, ":") {
		return "", false
	}
	return rest, true
}
