package precache

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("github.com/casework/precache/precache")
