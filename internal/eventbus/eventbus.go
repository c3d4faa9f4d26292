// Package eventbus implements the named-topic pub/sub that wires the block
// importer to the transaction fetcher and importer. Dispatch is synchronous
// on the publisher's own goroutine; handlers are expected to enqueue work
// and return quickly rather than block.
package eventbus

import "sync"

// Topic is one of the closed set of topics the gateway dispatches.
// Publishing or subscribing to any other value is a no-op.
type Topic string

const (
	// TopicBlockTxFetchFailed fires once per tx id that a block importer
	// iteration could not fetch synchronously.
	TopicBlockTxFetchFailed Topic = "block-tx-fetch-failed"

	// TopicTxFetched fires once a previously missing transaction has been
	// fetched by internal/fetcher.
	TopicTxFetched Topic = "tx-fetched"
)

func known(t Topic) bool {
	return t == TopicBlockTxFetchFailed || t == TopicTxFetched
}

// Handler receives a published payload. Its argument type is whatever the
// publisher on that topic sends: a tx id string for
// TopicBlockTxFetchFailed, a *chainmodel.Transaction for TopicTxFetched.
type Handler func(payload any)

// Bus is a thread-safe, synchronous, named-topic publisher/subscriber.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Topic][]Handler)}
}

// Subscribe registers handler to run, in registration order, every time
// topic is published. Subscribing to an unknown topic is a silent no-op,
// matching Publish's behavior on the same topic.
func (b *Bus) Subscribe(topic Topic, handler Handler) {
	if !known(topic) || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish invokes every handler subscribed to topic, synchronously, on the
// calling goroutine, in subscription order. Publishing to an unknown topic
// is inert.
func (b *Bus) Publish(topic Topic, payload any) {
	if !known(topic) {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}
