package amap

import (
	"context"
	"net/url"

	"github.com/ggoodman/amap-mcp-server-go/mcp"
	"github.com/ggoodman/amap-mcp-server-go/mcpservice"
)

// ServerInfo identifies the server during initialize.
var ServerInfo = mcp.ImplementationInfo{Name: "amap-maps", Version: "1.0.0"}

// Instructions is returned to clients during initialize.
const Instructions = "Amap (Gaode) maps tools: geocoding, reverse geocoding, route planning, POI search, weather, distance and IP location. Coordinates are \"longitude,latitude\"."

type paramsArgs interface {
	params() url.Values
}

// Tools returns the full Amap tool catalogue backed by c.
func Tools(c *Client) []mcpservice.StaticTool {
	return []mcpservice.StaticTool{
		newTool[GeoArgs](c, api{tool: "geo", path: "v3/geocode/geo", label: "Geocoding"},
			"Convert a structured address into longitude and latitude coordinates"),
		newTool[RegeocodeArgs](c, api{tool: "regeocode", path: "v3/geocode/regeo", label: "ReGeocoding"},
			"Convert longitude and latitude coordinates into an address"),
		newTool[DrivingArgs](c, api{tool: "direction_driving", path: "v3/direction/driving", label: "Driving direction"},
			"Plan a driving route between two points"),
		newTool[RouteArgs](c, api{tool: "direction_walking", path: "v3/direction/walking", label: "Walking direction"},
			"Plan a walking route between two points"),
		newTool[TransitArgs](c, api{tool: "direction_transit_integrated", path: "v3/direction/transit/integrated", label: "Transit direction"},
			"Plan a public transit route between two points"),
		newTool[RouteArgs](c, api{tool: "bicycling", path: "v4/direction/bicycling", label: "Bicycling direction", v4: true},
			"Plan a bicycling route between two points"),
		newTool[TextSearchArgs](c, api{tool: "text_search", path: "v3/place/text", label: "Text search"},
			"Search points of interest by keyword"),
		newTool[AroundSearchArgs](c, api{tool: "around_search", path: "v3/place/around", label: "Around search"},
			"Search points of interest around a location"),
		newTool[DetailArgs](c, api{tool: "search_detail", path: "v3/place/detail", label: "POI detail"},
			"Fetch details for a point of interest by id"),
		newTool[WeatherArgs](c, api{tool: "weather", path: "v3/weather/weatherInfo", label: "Weather query"},
			"Query current weather and forecast for a city"),
		newTool[DistanceArgs](c, api{tool: "distance", path: "v3/distance", label: "Distance query"},
			"Measure distance between origins and a destination"),
		newTool[IPLocationArgs](c, api{tool: "ip_location", path: "v3/ip", label: "IP location"},
			"Locate an IP address"),
	}
}

func newTool[A paramsArgs](c *Client, a api, desc string) mcpservice.StaticTool {
	return mcpservice.NewTool[A](a.tool, func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[A]) error {
		res := c.call(ctx, a, r.Args().params())
		w.SetError(res.IsError)
		return w.AppendBlocks(res.Content...)
	}, mcpservice.WithToolDescription(desc))
}
