/*
Package health implements peer liveness probing for the Arweave gateway.

internal/chain uses HTTPChecker to probe a peer's /info endpoint when
deciding whether to keep it in the ranked peer set; a peer whose probe fails
is left out of that refresh. PeerStatus applies simple hysteresis to a
series of probe results: it marks a peer unhealthy only after
Config.Retries consecutive failures, and healthy again on the next success.
internal/chain does not use PeerStatus.
*/
package health
