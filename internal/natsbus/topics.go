package natsbus

import "strings"

// SubjectPrefix prefixes every relayed subject.
const SubjectPrefix = "lockwarden.events."

// Subject maps an event topic to its NATS subject.
func Subject(topic string) string {
	return SubjectPrefix + topic
}

// AllEvents matches every relayed subject.
const AllEvents = SubjectPrefix + ">"

// Topic recovers the event topic from a subject.
func Topic(subject string) string {
	return strings.TrimPrefix(subject, SubjectPrefix)
}
