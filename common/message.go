// Copyright 2022 The relaymq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"bytes"
	"fmt"
	"time"
)

// Reserved protocol frames
var (
	// FrameHeartbeat liveness probe sent to collectors, and their reply
	FrameHeartbeat = []byte("HEARTBEAT")
	// FrameRegister reader command for subscribing to a collector
	FrameRegister = []byte("REGISTER")
	// FrameOK positive reply to REGISTER
	FrameOK = []byte("OK")
	// FrameBadRequest negative reply to REGISTER
	FrameBadRequest = []byte("BAD REQUEST")
	// FrameUnknownCommand reply to an unrecognized reader command
	FrameUnknownCommand = []byte("UNKNOWN COMMAND")
)

// Message is one identity-framed multipart message.
//
// On receive, Identity is the connection identity of the sending peer. On send, Identity
// selects the connection the frames are routed to.
type Message struct {
	Identity   string
	Frames     [][]byte
	ReceivedAt time.Time
}

// NewMessage define a new message addressed to a peer
func NewMessage(identity string, frames ...[]byte) Message {
	return Message{Identity: identity, Frames: frames}
}

// IsEmpty whether the message carries no frame after the identity
func (m Message) IsEmpty() bool {
	return len(m.Frames) == 0
}

// Frame fetch a frame by index
func (m Message) Frame(idx int) ([]byte, bool) {
	if idx < 0 || idx >= len(m.Frames) {
		return nil, false
	}
	return m.Frames[idx], true
}

// IsHeartbeat whether the first frame is the heartbeat marker
func (m Message) IsHeartbeat() bool {
	first, ok := m.Frame(0)
	return ok && bytes.Equal(first, FrameHeartbeat)
}

// String toString function
func (m Message) String() string {
	size := 0
	for _, f := range m.Frames {
		size += len(f)
	}
	return fmt.Sprintf("MSG[%s F:%d B:%d]", PrintableID(m.Identity), len(m.Frames), size)
}
