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
	"net"
	"sync"

	"github.com/alwitt/relaymq/common"
	"github.com/apex/log"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
)

// RouterClient is the DEALER side of a RouterEndpoint connection
type RouterClient interface {
	// Identity the identity this client presents to the endpoint
	Identity() string
	// Send one multipart message to the endpoint
	Send(frames ...[]byte) error
	// Receive wait for the next message from the endpoint
	Receive(ctx context.Context) ([][]byte, error)
	// Close the connection
	Close() error
}

// receivedMessage one read result from the background reader
type receivedMessage struct {
	frames [][]byte
	err    error
}

// routerClientImpl implements RouterClient
type routerClientImpl struct {
	common.Component
	identity  string
	socket    zmq4.Socket
	cancel    context.CancelFunc
	inbound   chan receivedMessage
	closeOnce sync.Once
}

// Dial connect a DEALER socket to a RouterEndpoint at host:port using the given
// identity. An empty identity is replaced with a random one. Dial returns once the
// ZMTP handshake has completed.
func Dial(ctx context.Context, addr string, identity string) (RouterClient, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "router-client", "instance": addr,
	}
	if identity == "" {
		identity = uuid.NewString()
	}
	sockCtxt, cancel := context.WithCancel(context.Background())
	socket := zmq4.NewDealer(sockCtxt, zmq4.WithID(zmq4.SocketIdentity(identity)))

	dialResult := make(chan error, 1)
	go func() {
		dialResult <- socket.Dial("tcp://" + addr)
	}()
	var err error
	select {
	case err = <-dialResult:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Dial failed")
		cancel()
		_ = socket.Close()
		return nil, err
	}

	client := &routerClientImpl{
		identity: identity,
		socket:   socket,
		cancel:   cancel,
		inbound:  make(chan receivedMessage, 64),
	}
	logTags["peer"] = common.PrintableID(identity)
	client.LogTags = logTags

	go func() {
		defer close(client.inbound)
		for {
			msg, err := socket.Recv()
			if err != nil {
				if sockCtxt.Err() == nil {
					client.inbound <- receivedMessage{err: err}
				}
				return
			}
			client.inbound <- receivedMessage{frames: msg.Frames}
		}
	}()
	return client, nil
}

// Identity the identity this client presents to the endpoint
func (c *routerClientImpl) Identity() string {
	return c.identity
}

// Send one multipart message to the endpoint
func (c *routerClientImpl) Send(frames ...[]byte) error {
	return c.socket.Send(zmq4.NewMsgFrom(frames...))
}

// Receive wait for the next message from the endpoint
func (c *routerClientImpl) Receive(ctx context.Context) ([][]byte, error) {
	select {
	case msg, ok := <-c.inbound:
		if !ok {
			return nil, net.ErrClosed
		}
		return msg.frames, msg.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close the connection
func (c *routerClientImpl) Close() error {
	var err error
	c.closeOnce.Do(func() {
		log.WithFields(c.LogTags).Debug("Closing connection")
		err = c.socket.Close()
		c.cancel()
		// Unblock the reader if nobody is draining it
		go func() {
			for range c.inbound {
			}
		}()
	})
	return err
}
