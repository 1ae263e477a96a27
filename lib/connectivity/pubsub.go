/*
Copyright 2024 EdgeGate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package connectivity tracks the gateway's reachable host addresses.
// The shadow monitor follows a desired/reported/delta document
// published over a pub/sub transport and raises connectivity events
// when the host set changes.
package connectivity

import (
	"context"

	"github.com/edgegate/edgegate/lib/events"
)

// MessageHandler receives one inbound pub/sub message. Handlers must
// not block; the monitor hands the payload off to its own goroutine.
type MessageHandler func(topic string, payload []byte)

// PubSubClient is the transport the shadow monitor speaks over. It is
// implemented by the hosting runtime's MQTT binding.
type PubSubClient interface {
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
}

// InfoProvider resolves the current set of reachable host addresses
// from the connectivity information service.
type InfoProvider interface {
	HostAddresses(ctx context.Context) ([]string, error)
}

// NetworkStateProvider reports the last observed transport state.
type NetworkStateProvider interface {
	Current() events.NetworkState
}
