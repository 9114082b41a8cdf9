// Package gateway exposes a live state Hub to remote dashboard clients.
//
// gateway/websocket runs one session per browser tab. Widgets register listeners over
// the socket and receive a snapshot followed by a "changed" frame for every flushed
// batch that touches them. gateway/http is the server the socket is mounted on; it adds
// request ids, CORS preflight and /health, and serves no resources of its own.
//
// Errors never leak broker topics or internal detail to clients: HTTPStatus and
// PublicMessage map classified errors to a status code and a fixed message.
//
//	hub, _ := livestate.New(bus, opts...)
//	ws, _ := wsgw.New(hub, cfg)
//	srv, _ := httpgw.NewServer(":8080", cfg, logger)
//	srv.Mount("/live/", ws)
//	go srv.Start()
package gateway
