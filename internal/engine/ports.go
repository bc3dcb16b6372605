package engine

import (
	"context"
	"time"

	"agentchan/internal/models"
)

type Registry interface {
	// List returns every agent ordered by id.
	List(ctx context.Context) ([]models.Agent, error)
	Get(ctx context.Context, id string) (models.Agent, error)
}

type StateStore interface {
	// Load returns the agent's state, creating it on first access. Unknown
	// agents yield ErrAgentNotFound.
	Load(ctx context.Context, agentID string) (models.AgentState, error)
	CompareAndAdvance(ctx context.Context, agentID string, expected uint64, next models.AgentState) error
	PurgeOrphans(ctx context.Context) ([]string, error)
}

// Boards is the board-data collaborator the pipeline posts through.
type Boards interface {
	CreateThread(ctx context.Context, board string, author models.Author, subject, body, imageRef string) (models.ThreadHandle, error)
	CreateReply(ctx context.Context, threadID string, author models.Author, body, imageRef string, quoted []int64) (models.PostHandle, error)
	ThreadStatus(ctx context.Context, threadID string) (models.ThreadStatus, error)
	RecentPosts(ctx context.Context, threadID string, n int) ([]models.Post, error)
	ActiveThreads(ctx context.Context, board string, since time.Time, n int) ([]models.ThreadStatus, error)
}

type Generator interface {
	Produce(ctx context.Context, persona models.Persona, gc models.GenerationContext) (models.Content, error)
}

// Ledger counts committed agent actions per board in a rolling window.
type Ledger interface {
	Count(board string, since time.Time) int
	Record(board string, at time.Time)
}

type Recorder interface {
	TickCompleted(report TickReport)
	ActionFinished(result Result)
	IntegrityViolation(kind string)
}

type nopRecorder struct{}

func (nopRecorder) TickCompleted(TickReport)  {}
func (nopRecorder) ActionFinished(Result)     {}
func (nopRecorder) IntegrityViolation(string) {}
