package cluster

// keyspace builds fully-qualified broker keys under the configured
// prefix. Hot prefixes: agent:*, events:*, tasks:*, session:*,
// context:*, agent_work:*, mem:*, failover:votes:*, election:*,
// ratelimit:*.
type keyspace struct {
	prefix string
}

func (k keyspace) agent(id string) string { return k.prefix + "agent:" + id }

func (k keyspace) agentPattern() string { return k.prefix + "agent:*" }

func (k keyspace) configEpoch() string { return k.prefix + "config_epoch" }

func (k keyspace) events(channel string) string { return k.prefix + "events:" + channel }

func (k keyspace) session(convID string) string { return k.prefix + "session:" + convID }

func (k keyspace) sessionsActive() string { return k.prefix + "sessions:active" }

func (k keyspace) context(convID string) string { return k.prefix + "context:" + convID }

func (k keyspace) agentWork(id string) string { return k.prefix + "agent_work:" + id }

func (k keyspace) agentWorkPattern() string { return k.prefix + "agent_work:*" }

func (k keyspace) tasks(priority string) string { return k.prefix + "tasks:" + priority }

func (k keyspace) tasksDead() string { return k.prefix + "tasks:dead" }

func (k keyspace) result(taskID string) string { return k.prefix + "result:" + taskID }

func (k keyspace) memory(id string) string { return k.prefix + "mem:" + id }

func (k keyspace) memoryPattern() string { return k.prefix + "mem:*" }

func (k keyspace) memoryHashes() string { return k.prefix + "mem_hashes" }

func (k keyspace) memoryIndex() string { return k.prefix + "mem_idx" }

func (k keyspace) votes(targetID string) string { return k.prefix + "failover:votes:" + targetID }

func (k keyspace) electionLock() string { return k.prefix + "election:lock" }

func (k keyspace) electionPrimary() string { return k.prefix + "election:primary" }

func (k keyspace) rateWindow(resource string, windowStart int64) string {
	return k.prefix + "ratelimit:" + resource + ":" + itoa(windowStart)
}
