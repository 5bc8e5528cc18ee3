package domain

// RunSpec is what every worker needs to know about the run besides its
// shard. It is sent once, together with the shard, at distribution time.
type RunSpec struct {
	RunID   string
	Seed    uint64
	Threads int
	Params  KernelParams
}

type AssignRequest struct {
	Spec  RunSpec
	Shard Shard
}

type StepRequest struct {
	RunID string
	Step  int
}

type StepResult struct {
	Worker      int
	Step        int
	Size        int
	Counts      Counts
	Transitions Transitions
}

type GatherRequest struct {
	RunID string
}

type AbortRequest struct {
	RunID  string
	Reason string
}

type Ack struct {
	Worker int
	OK     bool
}

type MessageKind string

const (
	MessageKindAssign MessageKind = "ASSIGN"
	MessageKindStep   MessageKind = "STEP"
	MessageKindGather MessageKind = "GATHER"
	MessageKindAbort  MessageKind = "ABORT"
)

// Message is a request travelling over the in-process bus. Exactly one of
// the request fields matching Kind is set. The worker answers on Reply,
// which must be buffered so a worker never blocks on a departed caller.
type Message struct {
	ID       string
	ToWorker string
	Kind     MessageKind
	Assign   *AssignRequest
	Step     *StepRequest
	Gather   *GatherRequest
	Abort    *AbortRequest
	Reply    chan<- Reply
}

type Reply struct {
	MessageID string
	Result    StepResult
	Shard     Shard
	Err       error
}
