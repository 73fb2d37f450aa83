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

package dataplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alwitt/relaymq/common"
	"github.com/apex/log"
	"github.com/go-zeromq/zmq4"
)

// MaxFramesPerMessage is the largest number of frames one inbound message may carry
const MaxFramesPerMessage = 64

var (
	// ErrUnroutable the message is addressed to an identity the endpoint never heard from
	ErrUnroutable = errors.New("no peer with that identity")
	// ErrSendQueueFull the endpoint's outbound queue is full
	ErrSendQueueFull = errors.New("endpoint send queue full")
)

// ForwardMessageHandlerCB callback used to forward new messages to the next pipeline stage
type ForwardMessageHandlerCB func(ctxt context.Context, msg common.Message) error

// RouterEndpoint is an identity-framed message endpoint.
//
// Every inbound message is handed to the forward callback with the sending peer's
// identity attached. Outbound messages are routed to the peer whose identity matches
// the message identity.
type RouterEndpoint interface {
	// Start begin receiving from peers
	Start(wg *sync.WaitGroup, forwardCB ForwardMessageHandlerCB) error
	// Send queue a message for the peer named by msg.Identity. Never blocks.
	Send(msg common.Message) error
	// Addr the address the endpoint is bound to
	Addr() net.Addr
	// Peers the identities of the peers the endpoint has received from
	Peers() []string
	// Stop close the socket and every peer connection
	Stop() error
}

// zmqRouterImpl implements RouterEndpoint with a ZeroMQ ROUTER socket
type zmqRouterImpl struct {
	common.Component
	name          string
	socket        zmq4.Socket
	operationCtxt context.Context
	cancel        context.CancelFunc
	maxFrameBytes int
	outbound      chan zmq4.Msg
	lock          sync.RWMutex
	peers         map[string]time.Time
	started       bool
	stopOnce      sync.Once
	forward       ForwardMessageHandlerCB
}

// GetRouterEndpoint define a new ZeroMQ ROUTER endpoint listening on TCP. The socket is
// bound immediately so bind failures surface to the caller.
func GetRouterEndpoint(
	ctxt context.Context,
	name string,
	config common.EndpointConfig,
	maxFrameBytes int,
	outboundQueueLen int,
) (RouterEndpoint, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "zmq-router", "instance": name,
	}
	if maxFrameBytes <= 0 || outboundQueueLen <= 0 {
		err := fmt.Errorf(
			"invalid limits: max frame %d, queue length %d", maxFrameBytes, outboundQueueLen,
		)
		log.WithError(err).WithFields(logTags).Error("Unable to define router endpoint")
		return nil, err
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	socket := zmq4.NewRouter(optCtxt, zmq4.WithID(zmq4.SocketIdentity(name)))
	endpoint := fmt.Sprintf(
		"tcp://%s", net.JoinHostPort(config.ListenOn, fmt.Sprintf("%d", config.Port)),
	)
	if err := socket.Listen(endpoint); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to bind %s", endpoint)
		cancel()
		_ = socket.Close()
		return nil, err
	}
	log.WithFields(logTags).Infof("Listening on %s", socket.Addr())
	return &zmqRouterImpl{
		Component:     common.Component{LogTags: logTags},
		name:          name,
		socket:        socket,
		operationCtxt: optCtxt,
		cancel:        cancel,
		maxFrameBytes: maxFrameBytes,
		outbound:      make(chan zmq4.Msg, outboundQueueLen),
		peers:         make(map[string]time.Time),
	}, nil
}

// Addr the address the endpoint is bound to
func (r *zmqRouterImpl) Addr() net.Addr {
	return r.socket.Addr()
}

// Peers the identities of the peers the endpoint has received from
func (r *zmqRouterImpl) Peers() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]string, 0, len(r.peers))
	for identity := range r.peers {
		result = append(result, identity)
	}
	return result
}

// Start begin receiving from peers
func (r *zmqRouterImpl) Start(wg *sync.WaitGroup, forwardCB ForwardMessageHandlerCB) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.started {
		err := fmt.Errorf("already started")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start endpoint")
		return err
	}
	r.started = true
	r.forward = forwardCB

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(r.LogTags).Info("Receive loop exiting")
		r.receiveLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(r.LogTags).Info("Send loop exiting")
		r.sendLoop()
	}()
	return nil
}

// Stop close the socket and every peer connection
func (r *zmqRouterImpl) Stop() error {
	r.stopOnce.Do(func() {
		log.WithFields(r.LogTags).Info("Stopping endpoint")
		r.cancel()
		if err := r.socket.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Debug("Socket close")
		}
	})
	return nil
}

// Send queue a message for the peer named by msg.Identity
func (r *zmqRouterImpl) Send(msg common.Message) error {
	r.lock.RLock()
	_, ok := r.peers[msg.Identity]
	r.lock.RUnlock()
	if !ok {
		return ErrUnroutable
	}
	frames := make([][]byte, 0, len(msg.Frames)+1)
	frames = append(frames, []byte(msg.Identity))
	frames = append(frames, msg.Frames...)
	select {
	case r.outbound <- zmq4.NewMsgFrom(frames...):
		return nil
	default:
		log.WithFields(r.LogTags).Warnf("Dropping %s, send queue full", msg.String())
		return ErrSendQueueFull
	}
}

// validFrames check an inbound message against the frame limits
func (r *zmqRouterImpl) validFrames(frames [][]byte) error {
	if len(frames) > MaxFramesPerMessage {
		return fmt.Errorf("message has %d frames, limit is %d", len(frames), MaxFramesPerMessage)
	}
	for idx, frame := range frames {
		if len(frame) > r.maxFrameBytes {
			return fmt.Errorf(
				"frame %d is %d bytes, limit is %d", idx, len(frame), r.maxFrameBytes,
			)
		}
	}
	return nil
}

// receiveLoop hand every inbound message to the forward callback
func (r *zmqRouterImpl) receiveLoop() {
	for {
		raw, err := r.socket.Recv()
		if err != nil {
			if r.operationCtxt.Err() != nil {
				return
			}
			log.WithError(err).WithFields(r.LogTags).Debug("Receive failure")
			continue
		}
		// Frame 0 is the peer identity added by the ROUTER socket
		if len(raw.Frames) == 0 {
			continue
		}
		identity := string(raw.Frames[0])
		frames := raw.Frames[1:]
		if err := r.validFrames(frames); err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Dropping message from %s", common.PrintableID(identity),
			)
			continue
		}
		r.lock.Lock()
		if _, ok := r.peers[identity]; !ok {
			log.WithFields(r.LogTags).Debugf("New peer %s", common.PrintableID(identity))
		}
		r.peers[identity] = time.Now()
		r.lock.Unlock()

		msg := common.Message{Identity: identity, Frames: frames, ReceivedAt: time.Now()}
		if err := r.forward(r.operationCtxt, msg); err != nil {
			if r.operationCtxt.Err() != nil {
				return
			}
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to forward %s", msg.String())
		}
	}
}

// sendLoop drain the outbound queue onto the socket
func (r *zmqRouterImpl) sendLoop() {
	for {
		select {
		case <-r.operationCtxt.Done():
			return
		case msg := <-r.outbound:
			if err := r.socket.Send(msg); err != nil {
				if r.operationCtxt.Err() != nil {
					return
				}
				log.WithError(err).WithFields(r.LogTags).Debugf(
					"Send to %s failed", common.PrintableID(string(msg.Frames[0])),
				)
			}
		}
	}
}
