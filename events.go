package parley

// State is the connection lifecycle state of a Client.
type State int

const (
	// Disconnected is the initial state, before Connect.
	Disconnected State = iota

	// Connecting means the first connection is being established.
	Connecting

	// Connected means the client has a live connection.
	Connected

	// Reconnecting means a previously live connection dropped and the
	// client is redialing with backoff.
	Reconnecting

	// Offline means the connection is alive but the broker refuses
	// publishes (flow control). Purely observational.
	Offline

	// Failed is terminal: reconnection attempts exceeded the maximum.
	Failed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Offline:
		return "offline"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Observer receives lifecycle notifications from a Client. Observers are
// invoked outside the client's internal locks; implementations that block
// delay other notifications but cannot deadlock the client.
type Observer interface {
	// OnReady fires exactly once, on the very first successful connection.
	OnReady()

	// OnReconnecting fires before each redial attempt with the attempt
	// number, starting at 1.
	OnReconnecting(attempt int)

	// OnReconnected fires on every successful connection after the first.
	OnReconnected()

	// OnOffline fires when the broker signals it will not accept publishes.
	OnOffline()

	// OnOnline fires when an offline episode ends.
	OnOnline()

	// OnError reports a non-fatal transport or subscription error. The
	// client keeps running.
	OnError(err error)

	// OnFailed fires once when the client gives up reconnecting for good
	// and the connection was configured as required.
	OnFailed(err error)
}

// ObserverFuncs adapts plain functions to the Observer interface. Nil
// fields are skipped, so callers only set the notifications they care
// about.
type ObserverFuncs struct {
	Ready        func()
	Reconnecting func(attempt int)
	Reconnected  func()
	Offline      func()
	Online       func()
	Error        func(err error)
	Failed       func(err error)
}

func (o ObserverFuncs) OnReady() {
	if o.Ready != nil {
		o.Ready()
	}
}

func (o ObserverFuncs) OnReconnecting(attempt int) {
	if o.Reconnecting != nil {
		o.Reconnecting(attempt)
	}
}

func (o ObserverFuncs) OnReconnected() {
	if o.Reconnected != nil {
		o.Reconnected()
	}
}

func (o ObserverFuncs) OnOffline() {
	if o.Offline != nil {
		o.Offline()
	}
}

func (o ObserverFuncs) OnOnline() {
	if o.Online != nil {
		o.Online()
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o ObserverFuncs) OnFailed(err error) {
	if o.Failed != nil {
		o.Failed(err)
	}
}
