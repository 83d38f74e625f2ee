package gateway

import "strings"

// Bus topic layout. Inbound messages arrive on
// organization.{orgID}.{type}[.{extraID}]; the gateway subscribes to the
// whole organization namespace and demultiplexes on the type segment.
const (
	topicPattern = "organization.*"

	// TopicEventsGlobal receives every new event id, regardless of organization.
	TopicEventsGlobal = "events.new"

	msgTypeStorage     = "storage"
	msgTypeModule      = "module"
	msgTypeModuleEject = "module-eject"
)

// OrgEventsTopic is the organization-scoped new-event topic.
func OrgEventsTopic(organizationID string) string {
	return "organization." + organizationID + ".events.new"
}

// OrgStorageTopic is the organization-scoped storage-change topic.
// Its payload is the changed key; every gateway instance consumes it to fan
// out storage.sync notifications to subscribed modules.
func OrgStorageTopic(organizationID string) string {
	return "organization." + organizationID + ".storage.sync"
}

// OrgModuleTopic addresses one connected module for direct invocation.
func OrgModuleTopic(organizationID, connectionID string) string {
	return "organization." + organizationID + ".module." + connectionID
}

// OrgModuleEjectTopic forces one module's session closed.
func OrgModuleEjectTopic(organizationID, connectionID string) string {
	return "organization." + organizationID + ".module-eject." + connectionID
}

// parseTopic decomposes an inbound topic into (orgID, msgType, extraID).
// extraID is empty for three-segment topics.
func parseTopic(topic string) (orgID, msgType, extraID string, ok bool) {
	parts := strings.Split(topic, ".")
	if len(parts) < 3 || parts[0] != "organization" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	orgID, msgType = parts[1], parts[2]
	if len(parts) > 3 {
		extraID = strings.Join(parts[3:], ".")
	}
	return orgID, msgType, extraID, true
}
