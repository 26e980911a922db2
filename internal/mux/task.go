package mux

import "github.com/tuic-go/tuic/internal/protocol"

// Task is one fully classified inbound command. The variant set is closed:
// TaskAuthenticate, TaskConnect, TaskPacket, TaskDissociate and
// TaskHeartbeat. Dispatch sites should type-switch exhaustively so a new
// command forces every site to be revisited.
type Task interface {
	isTask()
}

// TaskAuthenticate carries the client's credential token.
type TaskAuthenticate struct {
	Token [protocol.TokenLen]byte
}

// TaskConnect carries an accepted relayed connection.
type TaskConnect struct {
	Conn *Connect
}

// TaskPacket carries one inbound UDP relay fragment awaiting acceptance.
type TaskPacket struct {
	Packet *Packet
}

// TaskDissociate names a UDP association the peer tore down.
type TaskDissociate struct {
	AssocID uint16
}

// TaskHeartbeat is a liveness probe.
type TaskHeartbeat struct{}

func (TaskAuthenticate) isTask() {}
func (TaskConnect) isTask()      {}
func (TaskPacket) isTask()       {}
func (TaskDissociate) isTask()   {}
func (TaskHeartbeat) isTask()    {}
