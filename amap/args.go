package amap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/invopop/jsonschema"
)

// FlexString accepts either a JSON string or a JSON number and keeps its
// textual form. Amap takes several numeric enums (strategy, page) as query
// strings and clients send both shapes.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexString(n.String())
		return nil
	}
	return fmt.Errorf("expected string or number, got %s", data)
}

// JSONSchema advertises both accepted shapes.
func (FlexString) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "number"},
		},
	}
}

// query accumulates request parameters, skipping empty optional values.
type query url.Values

func (q query) set(k, v string) query {
	if v != "" {
		url.Values(q).Set(k, v)
	}
	return q
}

type GeoArgs struct {
	Address string `json:"address" jsonschema:"description=Structured address to geocode"`
	City    string `json:"city,omitempty" jsonschema:"description=City name or adcode to narrow the search"`
}

func (a GeoArgs) params() url.Values {
	return url.Values(query{}.set("address", a.Address).set("city", a.City))
}

type RegeocodeArgs struct {
	Location   string `json:"location" jsonschema:"description=Coordinates as longitude and latitude separated by a comma"`
	Extensions string `json:"extensions,omitempty" jsonschema:"description=base or all"`
	Radius     string `json:"radius,omitempty" jsonschema:"description=Search radius in meters"`
	Roadlevel  string `json:"roadlevel,omitempty" jsonschema:"description=Road level filter"`
}

func (a RegeocodeArgs) params() url.Values {
	return url.Values(query{}.
		set("location", a.Location).
		set("extensions", a.Extensions).
		set("radius", a.Radius).
		set("roadlevel", a.Roadlevel))
}

type DrivingArgs struct {
	Origin        string     `json:"origin" jsonschema:"description=Start point as longitude and latitude"`
	Destination   string     `json:"destination" jsonschema:"description=End point as longitude and latitude"`
	Strategy      FlexString `json:"strategy,omitempty" jsonschema:"description=Route strategy code"`
	Waypoints     string     `json:"waypoints,omitempty" jsonschema:"description=Intermediate points separated by semicolons"`
	Avoidpolygons string     `json:"avoidpolygons,omitempty" jsonschema:"description=Areas to avoid"`
	Avoidroad     string     `json:"avoidroad,omitempty" jsonschema:"description=Road name to avoid"`
}

func (a DrivingArgs) params() url.Values {
	return url.Values(query{}.
		set("origin", a.Origin).
		set("destination", a.Destination).
		set("strategy", string(a.Strategy)).
		set("waypoints", a.Waypoints).
		set("avoidpolygons", a.Avoidpolygons).
		set("avoidroad", a.Avoidroad))
}

// RouteArgs is shared by the walking and bicycling tools.
type RouteArgs struct {
	Origin      string `json:"origin" jsonschema:"description=Start point as longitude and latitude"`
	Destination string `json:"destination" jsonschema:"description=End point as longitude and latitude"`
}

func (a RouteArgs) params() url.Values {
	return url.Values(query{}.set("origin", a.Origin).set("destination", a.Destination))
}

type TransitArgs struct {
	Origin      string     `json:"origin" jsonschema:"description=Start point as longitude and latitude"`
	Destination string     `json:"destination" jsonschema:"description=End point as longitude and latitude"`
	City        string     `json:"city" jsonschema:"description=Departure city name or adcode"`
	Cityd       string     `json:"cityd,omitempty" jsonschema:"description=Arrival city for cross-city trips"`
	Strategy    FlexString `json:"strategy,omitempty" jsonschema:"description=Transit strategy code"`
	Nightflag   FlexString `json:"nightflag,omitempty" jsonschema:"description=Whether to include night buses (0 or 1)"`
	Date        string     `json:"date,omitempty" jsonschema:"description=Departure date"`
	Time        string     `json:"time,omitempty" jsonschema:"description=Departure time"`
}

func (a TransitArgs) params() url.Values {
	return url.Values(query{}.
		set("origin", a.Origin).
		set("destination", a.Destination).
		set("city", a.City).
		set("cityd", a.Cityd).
		set("strategy", string(a.Strategy)).
		set("nightflag", string(a.Nightflag)).
		set("date", a.Date).
		set("time", a.Time))
}

type TextSearchArgs struct {
	Keywords   string     `json:"keywords" jsonschema:"description=Search keywords"`
	City       string     `json:"city,omitempty" jsonschema:"description=City name or adcode"`
	Types      string     `json:"types,omitempty" jsonschema:"description=POI type codes"`
	Offset     FlexString `json:"offset,omitempty" jsonschema:"description=Results per page"`
	Page       FlexString `json:"page,omitempty" jsonschema:"description=Page number"`
	Extensions string     `json:"extensions,omitempty" jsonschema:"description=base or all"`
}

func (a TextSearchArgs) params() url.Values {
	return url.Values(query{}.
		set("keywords", a.Keywords).
		set("city", a.City).
		set("types", a.Types).
		set("offset", string(a.Offset)).
		set("page", string(a.Page)).
		set("extensions", a.Extensions))
}

type AroundSearchArgs struct {
	Location string     `json:"location" jsonschema:"description=Center point as longitude and latitude"`
	Keywords string     `json:"keywords,omitempty" jsonschema:"description=Search keywords"`
	Types    string     `json:"types,omitempty" jsonschema:"description=POI type codes"`
	Radius   FlexString `json:"radius,omitempty" jsonschema:"description=Search radius in meters"`
	Offset   FlexString `json:"offset,omitempty" jsonschema:"description=Results per page"`
	Page     FlexString `json:"page,omitempty" jsonschema:"description=Page number"`
}

func (a AroundSearchArgs) params() url.Values {
	return url.Values(query{}.
		set("location", a.Location).
		set("keywords", a.Keywords).
		set("types", a.Types).
		set("radius", string(a.Radius)).
		set("offset", string(a.Offset)).
		set("page", string(a.Page)))
}

type DetailArgs struct {
	ID string `json:"id" jsonschema:"description=POI id returned by a search"`
}

func (a DetailArgs) params() url.Values {
	return url.Values(query{}.set("id", a.ID))
}

type WeatherArgs struct {
	City string `json:"city" jsonschema:"description=City name or adcode"`
}

func (a WeatherArgs) params() url.Values {
	return url.Values(query{}.set("city", a.City).set("extensions", "all"))
}

type DistanceArgs struct {
	Origins     string `json:"origins" jsonschema:"description=One or more start points separated by a pipe"`
	Destination string `json:"destination" jsonschema:"description=End point as longitude and latitude"`
	Type        string `json:"type,omitempty" jsonschema:"description=0 straight line or 1 driving or 3 walking"`
}

func (a DistanceArgs) params() url.Values {
	return url.Values(query{}.
		set("origins", a.Origins).
		set("destination", a.Destination).
		set("type", a.Type))
}

type IPLocationArgs struct {
	IP string `json:"ip,omitempty" jsonschema:"description=IPv4 address; defaults to the caller's address"`
}

func (a IPLocationArgs) params() url.Values {
	return url.Values(query{}.set("ip", a.IP))
}
