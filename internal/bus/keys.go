package bus

// Stream and key names are part of the wire contract shared with
// collectors and downstream executors. Do not rename.
const (
	StreamRaw      = "events:raw"
	StreamFused    = "events:fused"
	StreamRouteCEX = "events:route:cex"
	StreamRouteHL  = "events:route:hl"
	StreamRouteDEX = "events:route:dex"

	GroupFusion  = "fusion_engine_group"
	GroupRouter  = "router_group"
	GroupWebhook = "webhook_pusher_group"
)

// Stream caps, applied as approximate MAXLEN trims on append.
const (
	MaxLenRaw      = 50000
	MaxLenFused    = 10000
	MaxLenRouteCEX = 1000
	MaxLenRouteHL  = 1000
	MaxLenRouteDEX = 5000
)

// KeyDedup returns the dedup window key for a fingerprint.
func KeyDedup(fp string) string { return "dedup:" + fp }

// KeyFirstSeen returns the first-seen ledger key for a fingerprint.
func KeyFirstSeen(fp string) string { return "first_seen:" + fp }

// KeyCooldown returns the post-route cooldown key for a symbol.
func KeyCooldown(symbol string) string { return "cooldown:" + symbol }

// KeyHeartbeat returns the liveness hash key for a node.
func KeyHeartbeat(nodeID string) string { return "node:heartbeat:" + nodeID }

// KeyKnownPairs returns the known-symbol set for an exchange.
func KeyKnownPairs(exchange string) string { return "known_pairs:" + exchange }
