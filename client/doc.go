// Package client implements the tether tunnel client: it dials out to a
// tether edge server, registers itself as the sole upstream, and serves
// tunneled HTTP requests against a local loopback service.
//
// A Client is configured with the loopback port and handed the edge base
// URL via DialAndServe, which maintains the control channel for the life
// of the context, reconnecting with exponential backoff when it drops:
//
//	client := &client.Client{LocalPort: 3000}
//	if err := client.DialAndServe(ctx, "https://tunnel.example.com"); err != nil {
//		log.Fatal(err)
//	}
//
// Each inbound request frame is dispatched concurrently; request and
// response bodies are streamed through the channel in both directions.
package client
