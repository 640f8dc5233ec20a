// Package api provides the HTTP REST API and WebSocket server for the
// interface gateway.
//
// It lists the hosted interfaces and their modules, runs commands, changes
// interface options and serves property and command history. Notifications
// are pushed to WebSocket clients as they are emitted.
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
