// Package mcp implements the Model Context Protocol (MCP): a bidirectional JSON-RPC 2.0 protocol
// between AI clients and capability servers that expose tools, resources, prompts and logging.
// The implementation follows https://spec.modelcontextprotocol.io/specification/.
//
// A Server is assembled from optional providers. Each provider slot that is filled becomes an
// advertised capability, and methods outside the advertised set answer "method not found":
//
//	srv := mcp.NewServer(mcp.Info{Name: "demo", Version: "1.0.0"},
//		mcp.WithToolProvider(tools),
//		mcp.WithPromptProvider(prompts),
//	)
//	err := srv.Serve(ctx, mcp.NewTransportSession(mcp.NewStdio(os.Stdin, os.Stdout)))
//
// A Client drives the other side of the conversation over any Transport:
//
//	cli := mcp.NewClient(mcp.Info{Name: "cli", Version: "1.0.0"}, transport)
//	if err := cli.Connect(ctx); err != nil {
//		return err
//	}
//	res, err := cli.CallTool(ctx, "add", map[string]any{"a": 15, "b": 27})
//
// Each session follows the same lifecycle on both ends: New, Initializing after the initialize
// request, Ready after its response, Operating after notifications/initialized, and Closed.
// The HTTP server side lives in the httpengine package; the message layer in jsonrpc.
package mcp
