// Package client connects to the gateway's WebSocket endpoint as a
// dashboard or widget would.
//
// # Overview
//
// Dial opens the socket and starts one reader goroutine. Handlers registered
// with On run on that goroutine, one frame at a time, in the order frames
// arrive. A slow handler delays every later frame for this client only.
//
//	c, err := client.Dial(ctx, "ws://localhost:3000", client.Options{TenantID: "t1"})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	off := c.On("new-handoff", func(f client.Frame) {
//		fmt.Println(string(f.Data))
//	})
//	defer off()
//
//	err = c.SetAgentOnline(ctx, "agent-1", "t1")
//
// Register handlers under AllEvents to see every frame.
//
// # Authentication
//
// Options.Token is sent as a bearer header. The gateway answers a missing
// or invalid token with 401, which Dial returns as an error.
package client
