package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// RoomID addresses the room for one topic within a project.
type RoomID struct {
	ProjectID int64
	TopicID   int64
}

// String returns the canonical "<project>-<topic>" form.
func (r RoomID) String() string {
	return strconv.FormatInt(r.ProjectID, 10) + "-" + strconv.FormatInt(r.TopicID, 10)
}

// ParseRoomID parses "<project>-<topic>" or "<project>/<topic>".
func ParseRoomID(s string) (RoomID, error) {
	sep := "-"
	if strings.Contains(s, "/") {
		sep = "/"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 2 {
		return RoomID{}, fmt.Errorf("invalid room id %q", s)
	}
	projectID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || projectID <= 0 {
		return RoomID{}, fmt.Errorf("invalid project id in room id %q", s)
	}
	topicID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || topicID <= 0 {
		return RoomID{}, fmt.Errorf("invalid topic id in room id %q", s)
	}
	return RoomID{ProjectID: projectID, TopicID: topicID}, nil
}
