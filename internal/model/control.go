package model

// ControlMessage is one frame on the consumer stream. Every BeginBlock is
// followed by zero or more PoolUpdate frames and exactly one EndBlock whose
// NumUpdates equals the number of updates between them.
type ControlMessage interface {
	isControlMessage()
}

// BeginBlock opens a block frame. IsRevert marks frames carrying events of
// a block being removed from the canonical chain.
type BeginBlock struct {
	BlockNumber    uint64 `json:"block_number"`
	BlockTimestamp uint64 `json:"block_timestamp"`
	IsRevert       bool   `json:"is_revert"`
}

// EndBlock closes a block frame. NumUpdates lets consumers validate that no
// update inside the frame was lost.
type EndBlock struct {
	BlockNumber uint64 `json:"block_number"`
	NumUpdates  uint64 `json:"num_updates"`
}

// Shutdown is the terminal frame sent to each consumer on clean exit.
type Shutdown struct{}

// Ping is a keepalive frame emitted when the stream is otherwise idle, so
// consumers can distinguish a quiet chain from a dead pipeline.
type Ping struct{}

// Pong is the reserved keepalive response frame.
type Pong struct{}

func (BeginBlock) isControlMessage() {}
func (PoolUpdate) isControlMessage() {}
func (EndBlock) isControlMessage()   {}
func (Shutdown) isControlMessage()   {}
func (Ping) isControlMessage()       {}
func (Pong) isControlMessage()       {}
