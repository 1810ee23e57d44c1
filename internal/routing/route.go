// Package routing implements the hot-swappable route table (spec §4.3
// "Route Table") and the container observer that drives it (spec §4.4
// "Container Observer"), following the teacher's copy-on-write /
// change-epoch pattern described in spec §9 ("Hot reload without restart").
package routing

// BackendEndpoint is the upstream a Route forwards to (spec §3).
type BackendEndpoint struct {
	Host    string // the route's host, carried for logging
	Scheme  string // always "http" — HarborGate terminates TLS itself
	Address string // IP literal
	Port    int    // 1..65535
}

// Route is one live host -> backend binding (spec §3 "Route").
type Route struct {
	ContainerID   string
	Name          string
	Host          string
	Backend       BackendEndpoint
	TLS           bool
	AuthRequired  bool
	RequiredRoles []string
}
