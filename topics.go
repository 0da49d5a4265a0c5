package backplane

// Topics maps logical targets to bus topics. The prefix is derived from the
// hub name, so distinct hubs sharing one bus never see each other's traffic.
type Topics struct {
	prefix string
}

// NewTopics returns the namespace for hubName.
func NewTopics(hubName string) Topics {
	return Topics{prefix: "backplane." + hubName}
}

// All is the broadcast topic every process subscribes to.
func (t Topics) All() string {
	return t.prefix + ".all"
}

// Connection is the topic of a single connection.
func (t Topics) Connection(connectionID string) string {
	return t.prefix + ".connection." + connectionID
}

// Group is the topic of a named group.
func (t Topics) Group(groupName string) string {
	return t.prefix + ".group." + groupName
}

// User is the topic shared by every connection of a user.
func (t Topics) User(userID string) string {
	return t.prefix + ".user." + userID
}

// GroupManagement carries group commands between processes.
func (t Topics) GroupManagement() string {
	return t.prefix + ".groupmanagement"
}
