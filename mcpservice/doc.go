// Package mcpservice provides the tool side of the MCP server: typed tool
// construction, the per-session tool Registry and the Server catalogue that
// mints registries.
//
// Tools are declared with a typed argument struct. NewTool reflects a JSON
// schema from the struct with invopop/jsonschema, decodes arguments strictly
// and reports argument problems as tool-level errors:
//
//	type GeoArgs struct {
//	    Address string `json:"address" jsonschema:"description=structured address"`
//	    City    string `json:"city,omitempty"`
//	}
//
//	geo := mcpservice.NewTool[GeoArgs]("geo",
//	    func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[GeoArgs]) error {
//	        return w.AppendText("looked up " + r.Args().Address)
//	    },
//	    mcpservice.WithToolDescription("Convert an address into coordinates"),
//	)
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	    mcpservice.WithTools(geo),
//	)
//	reg := srv.NewRegistry(sessionID)
//	defer reg.Close()
//
// Fields without `omitempty` are required. A call missing one never reaches
// the handler.
package mcpservice
