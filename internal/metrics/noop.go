package metrics

import "time"

// Noop implements Sink by discarding everything. Useful for tests and for
// callers that don't want a Prometheus registry.
type Noop struct{}

func (Noop) IncBytesSent(string, int)                         {}
func (Noop) IncBytesReceived(string, int)                     {}
func (Noop) IncFinalizations(string)                          {}
func (Noop) IncClientConnectedEventFailures()                 {}
func (Noop) IncClientDisconnectedEventFailures()              {}
func (Noop) SetClientsConnected(int)                          {}
func (Noop) ObserveClientConnectedEventTime(time.Duration)    {}
func (Noop) ObserveClientDisconnectedEventTime(time.Duration) {}
func (Noop) IncUDPHandshakeRejected()                         {}
func (Noop) ObserveClientIDProbeSteps(int)                    {}
