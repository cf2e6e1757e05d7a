package transport

import "strings"

// Topic class suffixes used across the fleet namespace. Devices publish
// on <root>/<deviceID>/<class>.
const (
	ClassRegistration    = "active"
	ClassLastWill        = "lwt"
	ClassStatus          = "status"
	ClassRegistrationAck = "registration_ack"
)

// Topic joins the root, device ID, and class segments.
func Topic(root, deviceID, class string) string {
	return root + "/" + deviceID + "/" + class
}

// SplitTopic extracts the device ID and class suffix from a topic of
// the form <root>/<deviceID>/<class>. ok is false when the topic does
// not match that shape or the root segment differs.
func SplitTopic(root, topic string) (deviceID, class string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != root || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// MatchTopic reports whether topic matches an MQTT topic filter,
// honoring the single-level (+) and multi-level (#) wildcards.
func MatchTopic(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
