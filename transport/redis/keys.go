package redis

// keys builds the Redis key names of one broker. All keys share a prefix so
// several deployments can use one database.
type keys struct {
	prefix string
}

// topics is the Set of provisioned topic names: {prefix}:topics
func (k keys) topics() string { return k.prefix + ":topics" }

// topicOptions maps a topic to its JSON options: {prefix}:topic_options
func (k keys) topicOptions() string { return k.prefix + ":topic_options" }

// subscriptions maps subscription names of topic to JSON records: {prefix}:subs:{topic}
func (k keys) subscriptions(topic string) string { return k.prefix + ":subs:" + topic }

// ready is the List of visible message ids on path: {prefix}:ready:{path}
func (k keys) ready(path string) string { return k.prefix + ":ready:" + path }

// delayed is the Sorted Set of scheduled ids on path, scored by unix ms: {prefix}:delayed:{path}
func (k keys) delayed(path string) string { return k.prefix + ":delayed:" + path }

// leased is the Sorted Set of leased ids on path, scored by lease expiry: {prefix}:leased:{path}
func (k keys) leased(path string) string { return k.prefix + ":leased:" + path }

// messagePrefix precedes a message id in its Hash key.
func (k keys) messagePrefix() string { return k.prefix + ":msg:" }

// message is the Hash holding one stored copy: {prefix}:msg:{id}
func (k keys) message(id string) string { return k.messagePrefix() + id }
