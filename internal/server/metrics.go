package server

import "go.opentelemetry.io/otel/attribute"

const (
	meterName = "go.tunl.sh/tether"

	namespace = "tether"

	tunnelSubsystem = "tunnel"
	proxySubsystem  = "tunnel_proxy"
)

var (
	statusKey = attribute.Key("status")
	resultKey = attribute.Key("result")
)
