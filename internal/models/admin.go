package models

type Operator struct {
	Name       string  `json:"name"`
	Created    string  `json:"created"`
	LastActive *string `json:"last_active,omitempty"`
}

type RetireResult struct {
	Names         []string `json:"names"`
	AgentsRemoved int      `json:"agents_removed"`
	StatesRemoved int      `json:"states_removed"`
}

type Stats struct {
	Agents        int `json:"agents"`
	AgentStates   int `json:"agent_states"`
	ActingAgents  int `json:"acting_agents"`
	Boards        int `json:"boards"`
	Threads       int `json:"threads"`
	Posts         int `json:"posts"`
	AgentPosts    int `json:"agent_posts"`
	LockedThreads int `json:"locked_threads"`
	PinnedThreads int `json:"pinned_threads"`
}
