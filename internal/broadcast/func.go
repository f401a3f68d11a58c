package broadcast

import (
	"time"

	"github.com/haivemind/haivemind/internal/protocol"
)

// nowFn is swapped in tests that assert timeline timestamps.
var nowFn = time.Now

// Func adapts a function to the Broadcaster interface. Tests use it to
// capture emitted messages without a hub.
type Func func(msg protocol.Message)

// Broadcast calls the function.
func (f Func) Broadcast(msg protocol.Message) { f(msg) }

// BroadcastGlobal calls the function.
func (f Func) BroadcastGlobal(msg protocol.Message) { f(msg) }

// Discard returns a Broadcaster that drops everything.
func Discard() Broadcaster {
	return Func(func(protocol.Message) {})
}
